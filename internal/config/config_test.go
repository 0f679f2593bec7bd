package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if cfg.DataDir != want.DataDir || cfg.Timezone != want.Timezone {
		t.Fatalf("got %+v; want defaults %+v", cfg, want)
	}
	if cfg.Workers.PollingInterval != time.Second || cfg.Workers.Concurrency != 2 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Workers)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	content := `
dataDir: /srv/datafab
timezone: UTC
workers:
  pollingInterval: 5s
  concurrency: 4
  sampleSize: 50
locks:
  ttl: 2m
auth:
  jwtSecret: hush
`
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/srv/datafab" {
		t.Fatalf("dataDir = %q", cfg.DataDir)
	}
	if cfg.Workers.PollingInterval != 5*time.Second {
		t.Fatalf("pollingInterval = %s", cfg.Workers.PollingInterval)
	}
	if cfg.Workers.Concurrency != 4 || cfg.Workers.SampleSize != 50 {
		t.Fatalf("workers = %+v", cfg.Workers)
	}
	if cfg.Locks.TTL != 2*time.Minute {
		t.Fatalf("locks.ttl = %s", cfg.Locks.TTL)
	}
	if cfg.Auth.JWTSecret != "hush" {
		t.Fatalf("jwtSecret = %q", cfg.Auth.JWTSecret)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("location = %v, %v", loc, err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"badYAML", "dataDir: [unclosed"},
		{"zeroConcurrency", "workers:\n  concurrency: -1"},
		{"zeroSampleSize", "workers:\n  sampleSize: -1"},
		{"zeroLockTTL", "locks:\n  ttl: 0s"},
		{"badTimezone", "timezone: Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(p, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(p); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
