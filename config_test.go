package sso

import (
	"log/slog"
	"testing"
)

func validConfig() *Config {
	return &Config{
		ListenAddr:    ":8080",
		Environment:   EnvDevelopment,
		IssuerURL:     "http://localhost:8080",
		SigningSecret: "0123456789abcdef0123456789abcdef",
		LogLevel:      "info",
	}
}

func TestConfigValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing issuer", func(c *Config) { c.IssuerURL = "" }},
		{"relative issuer", func(c *Config) { c.IssuerURL = "/sso" }},
		{"short secret", func(c *Config) { c.SigningSecret = "tooshort" }},
		{"unknown environment", func(c *Config) { c.Environment = "staging" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"http issuer in production", func(c *Config) {
			c.Environment = EnvProduction
			c.IssuerURL = "http://sso.example.com"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestConfigValidateAllowsHTTPSInProduction(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = EnvProduction
	cfg.IssuerURL = "https://sso.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction = false")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
	}
	for _, tc := range cases {
		cfg := validConfig()
		cfg.LogLevel = tc.in
		if got := cfg.SlogLevel(); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
