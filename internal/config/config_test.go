package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, root, setting, env string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if env != "" {
		if err := os.WriteFile(filepath.Join(root, "config", "dev", "chatrelay.ini"), []byte(env), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
}

func TestLoadRelayConfig(t *testing.T) {
	tmp := t.TempDir()
	setting := "environment=dev\nlog_level=debug\nupstream_base_url=http://base.example/v1\nstore_path=/tmp/base.db\ndispatcher_workers=2\n"
	env := "; dev overrides\n[relay]\nupstream_base_url=http://dify.local/v1/\nupstream_api_key=app-123\nhttp_address=:9090\n" +
		"retry_base_delay=250ms\ndownload_timeout=30s\nside_effect_exclusions=/console/api/, \\.tmp$\nupload_max_bytes=1024\n"
	writeConfig(t, tmp, setting, env)
	t.Setenv("CHATRELAY_UPSTREAM_API_KEY", "env-key")
	t.Setenv("CHATRELAY_DISPATCHER_QUEUE_SIZE", "32")

	cfg, err := LoadRelayConfig(tmp)
	if err != nil {
		t.Fatalf("LoadRelayConfig: %v", err)
	}
	if cfg.UpstreamBaseURL != "http://dify.local/v1" {
		t.Fatalf("unexpected upstream %s", cfg.UpstreamBaseURL)
	}
	if cfg.UpstreamAPIKey != "env-key" {
		t.Fatalf("env override ignored: %s", cfg.UpstreamAPIKey)
	}
	if cfg.HTTPAddress != ":9090" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if !cfg.Debug() || cfg.StorePath != "/tmp/base.db" || cfg.DispatcherWorkers != 2 {
		t.Fatalf("base settings not applied: %+v", cfg)
	}
	if cfg.DispatcherQueueSize != 32 {
		t.Fatalf("queue size %d", cfg.DispatcherQueueSize)
	}
	if cfg.RetryBaseDelay != 250*time.Millisecond || cfg.DownloadTimeout != 30*time.Second {
		t.Fatalf("durations = %s, %s", cfg.RetryBaseDelay, cfg.DownloadTimeout)
	}
	if len(cfg.SideEffectExclusions) != 2 || cfg.SideEffectExclusions[1] != `\.tmp$` {
		t.Fatalf("exclusions = %v", cfg.SideEffectExclusions)
	}
	if cfg.UploadMaxBytes != 1024 {
		t.Fatalf("upload max = %d", cfg.UploadMaxBytes)
	}
}

func TestLoadRelayConfigDefaults(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "upstream_base_url=http://dify.local/v1\n", "")

	cfg, err := LoadRelayConfig(tmp)
	if err != nil {
		t.Fatalf("LoadRelayConfig: %v", err)
	}
	if cfg.Environment != "dev" || cfg.HTTPAddress != ":8090" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RetryMax != 3 || cfg.RetryBaseDelay != time.Second {
		t.Fatalf("retry defaults = %d, %s", cfg.RetryMax, cfg.RetryBaseDelay)
	}
	if cfg.StoreDriver != "sqlite" || cfg.StorePath == "" {
		t.Fatalf("store defaults = %s %s", cfg.StoreDriver, cfg.StorePath)
	}
	if cfg.FilePathPrefix != "/files/tools/" || cfg.PartialSweepSchedule == "" {
		t.Fatalf("file defaults = %q %q", cfg.FilePathPrefix, cfg.PartialSweepSchedule)
	}
	if cfg.DispatcherWorkers != 4 || cfg.DispatcherQueueSize != 256 || !cfg.MetricsEnabled || cfg.Debug() {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.UploadMaxBytes != 15<<20 {
		t.Fatalf("upload max = %d", cfg.UploadMaxBytes)
	}
}

func TestLoadRelayConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		setting string
		wantErr string
	}{
		{"missing upstream", "store_driver=sqlite\n", "upstream_base_url"},
		{"bad driver", "upstream_base_url=http://u\nstore_driver=mysql\n", "store_driver"},
		{"postgres without dsn", "upstream_base_url=http://u\nstore_driver=postgres\n", "store_dsn"},
		{"bad duration", "upstream_base_url=http://u\nretry_base_delay=soon\n", "retry_base_delay"},
		{"bad level", "upstream_base_url=http://u\nlog_level=trace\n", "log_level"},
		{"bad upload size", "upstream_base_url=http://u\nupload_max_bytes=-1\n", "upload_max_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			writeConfig(t, tmp, tt.setting, "")
			_, err := LoadRelayConfig(tmp)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestPartialSweepCanBeDisabled(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "upstream_base_url=http://u\npartial_sweep_schedule=-\n", "")
	cfg, err := LoadRelayConfig(tmp)
	if err != nil {
		t.Fatalf("LoadRelayConfig: %v", err)
	}
	if cfg.PartialSweepSchedule != "" {
		t.Fatalf("schedule = %q", cfg.PartialSweepSchedule)
	}
}

func TestEnvironmentSelectsFile(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "environment=dev\nupstream_base_url=http://dev\n", "")
	if err := os.MkdirAll(filepath.Join(tmp, "config", "prod"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "config", "prod", "chatrelay.ini"), []byte("upstream_base_url=http://prod\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CHATRELAY_ENVIRONMENT", "prod")
	cfg, err := LoadRelayConfig(tmp)
	if err != nil {
		t.Fatalf("LoadRelayConfig: %v", err)
	}
	if cfg.Environment != "prod" || cfg.UpstreamBaseURL != "http://prod" {
		t.Fatalf("cfg = %s %s", cfg.Environment, cfg.UpstreamBaseURL)
	}
}

func TestSideEffectJobTimeoutCoversDownloads(t *testing.T) {
	tests := []struct {
		download time.Duration
		want     time.Duration
	}{
		{0, 2 * time.Minute},
		{30 * time.Second, 2 * time.Minute},
		{5 * time.Minute, 6 * time.Minute},
		{20 * time.Minute, 21 * time.Minute},
	}
	for _, tt := range tests {
		cfg := RelayConfig{DownloadTimeout: tt.download}
		if got := cfg.SideEffectJobTimeout(); got != tt.want {
			t.Fatalf("download %s: job timeout = %s, want %s", tt.download, got, tt.want)
		}
	}
}
