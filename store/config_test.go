package store

import (
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
	if cfg.Host != "localhost" || cfg.Port != 5432 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestConnectionString(t *testing.T) {
	cfg := &Config{
		Host:     "db.internal",
		Port:     5433,
		User:     "inv",
		Password: "secret",
		Database: "players",
		SSLMode:  "require",
	}

	got := cfg.ConnectionString()
	want := "host=db.internal port=5433 user=inv password=secret dbname=players sslmode=require"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{Host: "localhost", Port: 5432, User: "u", Database: "d", SSLMode: "disable"}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing host", func(c *Config) { c.Host = "" }, "host"},
		{"zero port", func(c *Config) { c.Port = 0 }, "port"},
		{"negative port", func(c *Config) { c.Port = -1 }, "port"},
		{"missing user", func(c *Config) { c.User = "" }, "user"},
		{"missing database", func(c *Config) { c.Database = "" }, "database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFillsSSLMode(t *testing.T) {
	cfg := &Config{Host: "localhost", Port: 5432, User: "u", Database: "d"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if cfg.SSLMode != "disable" {
		t.Errorf("SSLMode = %q after validate, want %q", cfg.SSLMode, "disable")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(&Config{})
	if err == nil {
		t.Fatal("New() with an empty config should fail")
	}
}
