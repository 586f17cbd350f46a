// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8385"

database:
  backend: "sqlite"
  path: "./mesh.db"

sessions:
  stale_threshold: "45s"
  disconnect_threshold: "2m"
  reap_interval: "10s"
  queue_capacity: 500
  release_policy: "deadletter"
  dead_letter: "memory"

meetings:
  opinion_timeout: "5m"
  consensus_timeout: "3m"
  missing_vote_policy: "ignore"
  shuffle_order: true
  max_rounds: 5

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8385" {
		t.Errorf("http_addr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Backend != "sqlite" || cfg.Database.Path != "./mesh.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Sessions.StaleThreshold != 45*time.Second {
		t.Errorf("stale_threshold = %v", cfg.Sessions.StaleThreshold)
	}
	if cfg.Sessions.DisconnectThreshold != 2*time.Minute {
		t.Errorf("disconnect_threshold = %v", cfg.Sessions.DisconnectThreshold)
	}
	if cfg.Sessions.QueueCapacity != 500 {
		t.Errorf("queue_capacity = %d", cfg.Sessions.QueueCapacity)
	}
	if cfg.Sessions.ReleasePolicy != "deadletter" {
		t.Errorf("release_policy = %q", cfg.Sessions.ReleasePolicy)
	}
	if cfg.Meetings.OpinionTimeout != 5*time.Minute {
		t.Errorf("opinion_timeout = %v", cfg.Meetings.OpinionTimeout)
	}
	if cfg.Meetings.MissingVotePolicy != "ignore" {
		t.Errorf("missing_vote_policy = %q", cfg.Meetings.MissingVotePolicy)
	}
	if !cfg.Meetings.ShuffleOrder {
		t.Error("shuffle_order should be true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Backend != "memory" {
		t.Errorf("default backend = %q", cfg.Database.Backend)
	}
	if cfg.Sessions.StaleThreshold != 30*time.Second {
		t.Errorf("default stale_threshold = %v", cfg.Sessions.StaleThreshold)
	}
	if cfg.Sessions.DisconnectThreshold != 60*time.Second {
		t.Errorf("default disconnect_threshold = %v", cfg.Sessions.DisconnectThreshold)
	}
	if cfg.Sessions.QueueCapacity != 1000 {
		t.Errorf("default queue_capacity = %d", cfg.Sessions.QueueCapacity)
	}
	if cfg.Sessions.ReleasePolicy != "drop" {
		t.Errorf("default release_policy = %q", cfg.Sessions.ReleasePolicy)
	}
	if cfg.Meetings.OpinionTimeout != 300*time.Second {
		t.Errorf("default opinion_timeout = %v", cfg.Meetings.OpinionTimeout)
	}
	if cfg.Meetings.ConsensusTimeout != 180*time.Second {
		t.Errorf("default consensus_timeout = %v", cfg.Meetings.ConsensusTimeout)
	}
	if cfg.Meetings.MissingVotePolicy != "disagree" {
		t.Errorf("default missing_vote_policy = %q", cfg.Meetings.MissingVotePolicy)
	}
	if cfg.Meetings.MaxRounds != 3 {
		t.Errorf("default max_rounds = %d", cfg.Meetings.MaxRounds)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("MESH_DB_PATH", "/var/lib/mesh.db")
	t.Setenv("MESH_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(writeConfig(t, `
database:
  backend: "sqlite"
  path: "${MESH_DB_PATH}"

sessions:
  release_policy: "deadletter"
  dead_letter: "redis"
  redis_url: "${MESH_REDIS_URL}"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "/var/lib/mesh.db" {
		t.Errorf("path = %q", cfg.Database.Path)
	}
	if cfg.Sessions.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("redis_url = %q", cfg.Sessions.RedisURL)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
sessions:
  stale_threshold: "not-a-duration"
`))
	if err == nil || !strings.Contains(err.Error(), "stale_threshold") {
		t.Errorf("expected duration error, got %v", err)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "sqlite without path",
			content: "database:\n  backend: sqlite\n",
			want:    "database.path",
		},
		{
			name:    "unknown backend",
			content: "database:\n  backend: postgres\n",
			want:    "database.backend",
		},
		{
			name:    "unknown release policy",
			content: "sessions:\n  release_policy: archive\n",
			want:    "release_policy",
		},
		{
			name:    "redis without url",
			content: "sessions:\n  release_policy: deadletter\n  dead_letter: redis\n",
			want:    "redis_url",
		},
		{
			name:    "unknown vote policy",
			content: "meetings:\n  missing_vote_policy: maybe\n",
			want:    "missing_vote_policy",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}
