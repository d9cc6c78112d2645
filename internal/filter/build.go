package filter

import (
	"github.com/benbjohnson/clock"

	"github.com/xtxerr/logfeed/internal/config"
	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/record"
)

// BuildChain constructs the admission chain from configuration. Stage order
// in the config is evaluation order. clk is shared by stateful stages; nil
// uses the wall clock.
func BuildChain(stages []config.FilterStage, clk clock.Clock) (*Chain, error) {
	filters := make([]Filter, 0, len(stages))

	for i, stage := range stages {
		f, err := buildStage(stage, clk)
		if err != nil {
			return nil, errors.Wrapf(err, "filters[%d]", i)
		}
		filters = append(filters, f)
	}

	return NewChain(filters...), nil
}

func buildStage(stage config.FilterStage, clk clock.Clock) (Filter, error) {
	switch stage.Type {
	case "level":
		threshold, err := record.ParseLevel(stage.Level)
		if err != nil {
			return nil, err
		}
		return &LevelFilter{Threshold: threshold}, nil

	case "service":
		mode := ServiceAllow
		if stage.Mode == "deny" {
			mode = ServiceDeny
		}
		return NewServiceFilter(mode, stage.Services), nil

	case "ratelimit":
		return NewRateLimitFilter(stage.Max, stage.Window.Duration(), clk), nil

	case "content":
		action := ContentReject
		if stage.Action == "redact" {
			action = ContentRedact
		}
		return NewContentFilter(action, stage.Patterns)

	default:
		return nil, errors.NewInvalidValue("filter type", stage.Type, "unknown stage")
	}
}
