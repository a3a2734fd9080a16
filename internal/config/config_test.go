package config

import "testing"

// TestValidate exercises the configurations the proxy must refuse.
func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 8080
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	bad := []func(*Config){
		func(c *Config) { c.Server.Port = 0 },
		func(c *Config) { c.Server.Port = 70000 },
		func(c *Config) { c.Cache.MaxCacheSize = 0 },
		func(c *Config) { c.Cache.MaxObjectSize = -1 },
		func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.Capacity = 0 },
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		c.Server.Port = 8080
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

// TestFromEnv verifies deployment knobs are picked up from the
// environment.
func TestFromEnv(t *testing.T) {
	t.Setenv("CACHEPROXY_METRICS_ADDR", ":9100")
	t.Setenv("CACHEPROXY_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("CACHEPROXY_TRACE_SAMPLING", "0.5")

	cfg := DefaultConfig()
	cfg.FromEnv()

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("metrics addr not applied: %q", cfg.Metrics.Addr)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.OTLPEndpoint != "collector:4318" {
		t.Error("OTLP endpoint must enable tracing")
	}
	if cfg.Tracing.SamplingRatio != 0.5 {
		t.Errorf("sampling ratio not applied: %v", cfg.Tracing.SamplingRatio)
	}
}
