package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emberforge/invsync/config"
)

func TestGenerateConfig(t *testing.T) {
	tests := []struct {
		name         string
		serverID     string
		endpoints    []string
		withPostgres bool
		wantErr      bool
	}{
		{
			name:      "single endpoint",
			serverID:  "lobby-1",
			endpoints: []string{"localhost:2379"},
		},
		{
			name:         "clustered etcd with postgres",
			serverID:     "survival-2",
			endpoints:    []string{"etcd-1:2379", "etcd-2:2379", "etcd-3:2379"},
			withPostgres: true,
		},
		{
			name:      "empty server id",
			serverID:  "",
			endpoints: []string{"localhost:2379"},
			wantErr:   true,
		},
		{
			name:     "no endpoints",
			serverID: "lobby-1",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpfile := filepath.Join(t.TempDir(), "test-config.yml")

			err := generateConfig(tmpfile, tt.serverID, tt.endpoints, tt.withPostgres)
			if (err != nil) != tt.wantErr {
				t.Fatalf("generateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}

			if tt.wantErr {
				return
			}

			// Verify file was created
			if _, err := os.Stat(tmpfile); os.IsNotExist(err) {
				t.Fatalf("config file was not created")
			}

			// Verify config can be loaded and is valid
			cfg, err := config.LoadConfig(tmpfile)
			if err != nil {
				t.Fatalf("failed to load generated config: %v", err)
			}

			if cfg.Version != 1 {
				t.Errorf("expected version 1, got %d", cfg.Version)
			}
			if cfg.ServerID != tt.serverID {
				t.Errorf("expected server_id %q, got %q", tt.serverID, cfg.ServerID)
			}
			if !cfg.Enabled {
				t.Error("expected generated config to enable sync")
			}

			if len(cfg.Etcd.Endpoints) != len(tt.endpoints) {
				t.Fatalf("expected %d endpoints, got %d", len(tt.endpoints), len(cfg.Etcd.Endpoints))
			}
			for i, ep := range tt.endpoints {
				if cfg.Etcd.Endpoints[i] != ep {
					t.Errorf("endpoint %d: expected %q, got %q", i, ep, cfg.Etcd.Endpoints[i])
				}
			}
			if cfg.Etcd.Prefix != "/invsync" {
				t.Errorf("expected prefix /invsync, got %q", cfg.Etcd.Prefix)
			}

			if got := cfg.Sync.HeartbeatInterval.Std(); got != 5*time.Second {
				t.Errorf("expected 5s heartbeat interval, got %v", got)
			}
			if got := cfg.Sync.HeartbeatTimeout.Std(); got != 15*time.Second {
				t.Errorf("expected 15s heartbeat timeout, got %v", got)
			}
			if got := cfg.Sync.TransferLockTimeout.Std(); got != 10*time.Second {
				t.Errorf("expected 10s transfer lock timeout, got %v", got)
			}

			if got := cfg.HasPostgres(); got != tt.withPostgres {
				t.Errorf("HasPostgres() = %v, want %v", got, tt.withPostgres)
			}
			if tt.withPostgres && cfg.Postgres.Database != "invsync" {
				t.Errorf("expected postgres database 'invsync', got %q", cfg.Postgres.Database)
			}

			if cfg.MetricsAddr != ":9137" {
				t.Errorf("expected metrics_addr :9137, got %q", cfg.MetricsAddr)
			}
		})
	}
}

func TestGenerateConfigFileCreationError(t *testing.T) {
	// Try to create a file in a non-existent directory
	err := generateConfig("/nonexistent/path/config.yml", "server-1", []string{"localhost:2379"}, false)
	if err == nil {
		t.Fatal("expected error when creating file in non-existent directory")
	}
}

func TestSplitEndpoints(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"localhost:2379", []string{"localhost:2379"}},
		{"a:2379, b:2379 ,c:2379", []string{"a:2379", "b:2379", "c:2379"}},
		{" , ,", nil},
		{"", nil},
	}

	for _, tt := range tests {
		got := splitEndpoints(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("splitEndpoints(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitEndpoints(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}
