// Package config defines the static configuration consumed at startup:
// machine id, filter stages, shard topology, replication policy, and
// retention. Values not set in the YAML file fall back to documented
// defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/logfeed/internal/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	// MachineID identifies this generator instance in the fleet (0-1023).
	MachineID int64 `yaml:"machine_id"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// Generator configures id-generation edge-case policy.
	Generator GeneratorConfig `yaml:"generator"`

	// Filters is the ordered admission chain.
	Filters []FilterStage `yaml:"filters"`

	// Sharding configures record partitioning.
	Sharding ShardingConfig `yaml:"sharding"`

	// Storage selects and sizes the per-shard storage backend.
	Storage StorageConfig `yaml:"storage"`

	// Replication configures replica retry policy.
	Replication ReplicationConfig `yaml:"replication"`

	// Retention configures expiry sweeps and cold archival.
	Retention RetentionConfig `yaml:"retention"`

	// MetricsListen is the address for the Prometheus scrape endpoint.
	// Empty disables the endpoint.
	MetricsListen string `yaml:"metrics_listen"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches from text to JSON output.
	JSON bool `yaml:"json"`
}

// GeneratorConfig configures id-generation policy.
type GeneratorConfig struct {
	// ClockTolerance is the maximum backward clock movement waited out
	// before failing. Default 5ms.
	ClockTolerance Duration `yaml:"clock_tolerance"`

	// SequenceWait is how long to block for the clock to advance when the
	// per-millisecond sequence budget is spent. Default 10ms.
	SequenceWait Duration `yaml:"sequence_wait"`
}

// FilterStage configures one admission stage. Type selects the variant;
// the other fields apply per type.
type FilterStage struct {
	// Type: level, service, ratelimit, content.
	Type string `yaml:"type"`

	// Level is the threshold for type=level.
	Level string `yaml:"level"`

	// Services and Mode (allow|deny) apply to type=service.
	Services []string `yaml:"services"`
	Mode     string   `yaml:"mode"`

	// Max and Window apply to type=ratelimit.
	Max    int      `yaml:"max"`
	Window Duration `yaml:"window"`

	// Patterns and Action (reject|redact) apply to type=content.
	Patterns []string `yaml:"patterns"`
	Action   string   `yaml:"action"`
}

// ShardingConfig configures the router.
type ShardingConfig struct {
	// Policy: service, time, or hybrid.
	Policy string `yaml:"policy"`

	// Shards is the number of replica sets.
	Shards int `yaml:"shards"`

	// Replicas is the replica count per shard.
	Replicas int `yaml:"replicas"`

	// TimeBucket is the bucket width for time/hybrid policies.
	TimeBucket Duration `yaml:"time_bucket"`
}

// StorageConfig selects the backend used for every shard store.
type StorageConfig struct {
	// Backend: memory or duckdb.
	Backend string `yaml:"backend"`

	// MaxRecords caps each memory store; 0 means unbounded.
	MaxRecords int `yaml:"max_records"`

	// Dir is the database directory for the duckdb backend.
	Dir string `yaml:"dir"`
}

// ReplicationConfig configures replica retry policy.
type ReplicationConfig struct {
	// MaxAttempts is the per-replica write ceiling. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the first retry delay, doubled per retry. Default 10ms.
	BackoffBase Duration `yaml:"backoff_base"`

	// LagAccuracy is the DDSketch relative accuracy. Default 0.01.
	LagAccuracy float64 `yaml:"lag_accuracy"`
}

// RetentionConfig configures expiry sweeps.
type RetentionConfig struct {
	// Enabled turns sweeps on.
	Enabled bool `yaml:"enabled"`

	// MaxAge is how long records live. Default 168h.
	MaxAge Duration `yaml:"max_age"`

	// Interval is the sweep cadence. Default 1m.
	Interval Duration `yaml:"interval"`

	// ArchiveDir, when set, cold-archives expired records to Parquet there.
	ArchiveDir string `yaml:"archive_dir"`

	// ArchiveCompression: zstd, snappy, lz4, gzip, none. Default zstd.
	ArchiveCompression string `yaml:"archive_compression"`
}

// DefaultConfig returns the documented defaults: one shard with one replica,
// in-memory storage, a level filter at DEBUG (admit everything), 7-day
// retention disabled.
func DefaultConfig() *Config {
	return &Config{
		MachineID: 0,
		Logging:   LoggingConfig{Level: "info"},
		Generator: GeneratorConfig{
			ClockTolerance: Duration(5 * time.Millisecond),
			SequenceWait:   Duration(10 * time.Millisecond),
		},
		Sharding: ShardingConfig{
			Policy:     "service",
			Shards:     1,
			Replicas:   1,
			TimeBucket: Duration(time.Hour),
		},
		Storage: StorageConfig{Backend: "memory"},
		Replication: ReplicationConfig{
			MaxAttempts: 3,
			BackoffBase: Duration(10 * time.Millisecond),
			LagAccuracy: 0.01,
		},
		Retention: RetentionConfig{
			MaxAge:             Duration(168 * time.Hour),
			Interval:           Duration(time.Minute),
			ArchiveCompression: "zstd",
		},
	}
}

// Load reads a YAML config file, layered over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, collecting every problem rather than
// stopping at the first.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.MachineID < 0 || c.MachineID > 1023 {
		result = multierror.Append(result,
			errors.NewInvalidValue("machine_id", c.MachineID, "must be in [0, 1023]"))
	}
	if c.Sharding.Shards <= 0 {
		result = multierror.Append(result,
			errors.NewInvalidValue("sharding.shards", c.Sharding.Shards, "must be positive"))
	}
	if c.Sharding.Replicas < 0 {
		result = multierror.Append(result,
			errors.NewInvalidValue("sharding.replicas", c.Sharding.Replicas, "must not be negative"))
	}
	switch c.Sharding.Policy {
	case "service", "time", "hybrid":
	default:
		result = multierror.Append(result,
			errors.NewInvalidValue("sharding.policy", c.Sharding.Policy, "must be service, time, or hybrid"))
	}
	if (c.Sharding.Policy == "time" || c.Sharding.Policy == "hybrid") && c.Sharding.TimeBucket <= 0 {
		result = multierror.Append(result,
			errors.NewInvalidValue("sharding.time_bucket", c.Sharding.TimeBucket, "must be positive"))
	}
	switch c.Storage.Backend {
	case "memory", "duckdb":
	default:
		result = multierror.Append(result,
			errors.NewInvalidValue("storage.backend", c.Storage.Backend, "must be memory or duckdb"))
	}
	if c.Storage.Backend == "duckdb" && c.Storage.Dir == "" {
		result = multierror.Append(result, errors.NewMissingField("storage.dir"))
	}
	if c.Replication.MaxAttempts <= 0 {
		result = multierror.Append(result,
			errors.NewInvalidValue("replication.max_attempts", c.Replication.MaxAttempts, "must be positive"))
	}
	if c.Retention.Enabled {
		if c.Retention.MaxAge <= 0 {
			result = multierror.Append(result,
				errors.NewInvalidValue("retention.max_age", c.Retention.MaxAge, "must be positive"))
		}
		if c.Retention.Interval <= 0 {
			result = multierror.Append(result,
				errors.NewInvalidValue("retention.interval", c.Retention.Interval, "must be positive"))
		}
	}

	for i, f := range c.Filters {
		if err := validateFilterStage(i, f); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func validateFilterStage(i int, f FilterStage) error {
	var result *multierror.Error
	field := func(name string) string { return fmt.Sprintf("filters[%d].%s", i, name) }

	switch f.Type {
	case "level":
		if f.Level == "" {
			result = multierror.Append(result, errors.NewMissingField(field("level")))
		}
	case "service":
		if len(f.Services) == 0 {
			result = multierror.Append(result, errors.NewMissingField(field("services")))
		}
		if f.Mode != "allow" && f.Mode != "deny" {
			result = multierror.Append(result,
				errors.NewInvalidValue(field("mode"), f.Mode, "must be allow or deny"))
		}
	case "ratelimit":
		if f.Max <= 0 {
			result = multierror.Append(result,
				errors.NewInvalidValue(field("max"), f.Max, "must be positive"))
		}
		if f.Window <= 0 {
			result = multierror.Append(result,
				errors.NewInvalidValue(field("window"), f.Window, "must be positive"))
		}
	case "content":
		if len(f.Patterns) == 0 {
			result = multierror.Append(result, errors.NewMissingField(field("patterns")))
		}
		if f.Action != "reject" && f.Action != "redact" {
			result = multierror.Append(result,
				errors.NewInvalidValue(field("action"), f.Action, "must be reject or redact"))
		}
	default:
		result = multierror.Append(result,
			errors.NewInvalidValue(field("type"), f.Type, "must be level, service, ratelimit, or content"))
	}

	return result.ErrorOrNil()
}
