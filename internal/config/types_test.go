package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDuration_Unmarshal(t *testing.T) {
	var v struct {
		D Duration `yaml:"d"`
	}

	if err := yaml.Unmarshal([]byte("d: 90s"), &v); err != nil {
		t.Fatalf("duration string: %v", err)
	}
	if v.D.Duration() != 90*time.Second {
		t.Errorf("d = %v, want 90s", v.D.Duration())
	}

	// Plain integers are seconds.
	if err := yaml.Unmarshal([]byte("d: 30"), &v); err != nil {
		t.Fatalf("integer seconds: %v", err)
	}
	if v.D.Duration() != 30*time.Second {
		t.Errorf("d = %v, want 30s", v.D.Duration())
	}

	if err := yaml.Unmarshal([]byte("d: fortnight"), &v); err == nil {
		t.Error("expected error for unparseable duration")
	}
}
