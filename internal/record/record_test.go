package record

import (
	"testing"

	"github.com/xtxerr/logfeed/internal/errors"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"DEBUG", LevelDebug, true},
		{"info", LevelInfo, true},
		{"Warn", LevelWarn, true},
		{"WARNING", LevelWarn, true},
		{"ERROR", LevelError, true},
		{"fatal", LevelFatal, true},
		{"verbose", 0, false},
		{"", 0, false},
	}

	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("ParseLevel(%q) = (%v, %v), want %v", c.in, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseLevel(%q): expected error", c.in)
		}
	}
}

func TestLevel_Ordering(t *testing.T) {
	if !(LevelDebug < LevelInfo && LevelInfo < LevelWarn && LevelWarn < LevelError && LevelError < LevelFatal) {
		t.Error("level ordering broken")
	}
}

func TestLogRecord_CloneIsDeep(t *testing.T) {
	r := &LogRecord{
		ID:       1,
		Service:  "billing",
		Message:  "hello",
		Metadata: map[string]string{"k": "v"},
	}
	c := r.Clone()
	c.Metadata["k"] = "changed"
	c.Message = "bye"

	if r.Metadata["k"] != "v" {
		t.Error("clone shares metadata map with original")
	}
	if r.Message != "hello" {
		t.Error("clone mutated original message")
	}
}

func TestRawRecord_Validate(t *testing.T) {
	raw := RawRecord{Level: LevelInfo, Service: "api", Message: "ok"}
	if err := raw.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	raw.Service = ""
	if err := raw.Validate(); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected ErrMissingField for empty service, got %v", err)
	}

	bad := RawRecord{Level: Level(9), Service: "api"}
	if err := bad.Validate(); !errors.Is(err, errors.ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for out-of-range level, got %v", err)
	}
}

func TestID_StringFixedWidth(t *testing.T) {
	small := ID(1)
	large := ID(1 << 60)
	if len(small.String()) != len(large.String()) {
		t.Errorf("id strings not fixed width: %q vs %q", small.String(), large.String())
	}
	if small.String() >= large.String() {
		t.Error("lexicographic order disagrees with numeric order")
	}
}
