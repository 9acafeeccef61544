package stitch

import (
	"errors"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"CeilingDefault", func(c *Config) { c.CeilingDefault = 0 }},
		{"LargePartThreshold", func(c *Config) { c.LargePartThreshold = -1 }},
		{"MaxPartsPerUpload", func(c *Config) { c.MaxPartsPerUpload = 0 }},
		{"MaxPartsPerUpload", func(c *Config) { c.MaxPartsPerUpload = 10001 }},
		{"MaxIteration", func(c *Config) { c.MaxIteration = -1 }},
		{"Concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"PartSuffix", func(c *Config) { c.PartSuffix = "" }},
		{"AbortTimeout", func(c *Config) { c.AbortTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			var ce *ConfigError
			if err := cfg.Validate(); !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("expected ConfigError on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestConfigWatchRoot(t *testing.T) {
	tests := map[string]string{
		"":        "",
		"/":       "",
		"watch":   "watch/",
		"watch/":  "watch/",
		"a/b//":   "a/b/",
		"ops/stx": "ops/stx/",
	}
	for prefix, want := range tests {
		cfg := DefaultConfig()
		cfg.WatchPrefix = prefix
		if got := cfg.watchRoot(); got != want {
			t.Errorf("watchRoot(%q) = %q, want %q", prefix, got, want)
		}
	}
}
