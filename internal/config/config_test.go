package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/graysui/graylink/internal/errkind"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mount_roots:
  - /mnt/gdrive
symlink_root: /srv/media
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %v, want default 5m", cfg.PollInterval)
	}
	if cfg.FeedInterval != time.Hour {
		t.Errorf("FeedInterval = %v, want default 1h", cfg.FeedInterval)
	}
	if cfg.WorkerPoolSize != 4 {
		t.Errorf("WorkerPoolSize = %d, want default 4", cfg.WorkerPoolSize)
	}
	if len(cfg.ExcludePrefixes) == 0 {
		t.Error("ExcludePrefixes should carry defaults")
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
mount_roots:
  - /mnt/gdrive
  - /media/gdrive
symlink_root: /srv/media
poll_interval: 90s
worker_pool_size: 8
media_extensions: [".MP4", ".mkv"]
emby_host: http://emby:8096/
emby_api_key: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(cfg.MountRoots) != 2 {
		t.Fatalf("MountRoots = %v, want 2 roots", cfg.MountRoots)
	}
	if cfg.PollInterval != 90*time.Second {
		t.Errorf("PollInterval = %v, want 90s", cfg.PollInterval)
	}
	if cfg.MediaExtensions[0] != ".mp4" {
		t.Errorf("extensions not lowercased: %v", cfg.MediaExtensions)
	}
	if cfg.EmbyHost != "http://emby:8096" {
		t.Errorf("EmbyHost = %q, trailing slash should be trimmed", cfg.EmbyHost)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
	if !errkind.Is(err, errkind.Configuration) {
		t.Errorf("error kind = %v, want Configuration", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "no roots",
			mutate:  func(c *Config) { c.MountRoots = nil },
			wantErr: "mount_roots",
		},
		{
			name:    "relative root",
			mutate:  func(c *Config) { c.MountRoots = []string{"mnt/gdrive"} },
			wantErr: "absolute",
		},
		{
			name:    "symlink root inside mount root",
			mutate:  func(c *Config) { c.SymlinkRoot = "/mnt/gdrive/links" },
			wantErr: "inside mount root",
		},
		{
			name:    "extension without dot",
			mutate:  func(c *Config) { c.MediaExtensions = []string{"mp4"} },
			wantErr: "dot",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.WorkerPoolSize = 0 },
			wantErr: "worker_pool_size",
		},
		{
			name:    "emby host without key",
			mutate:  func(c *Config) { c.EmbyHost = "http://emby:8096" },
			wantErr: "emby_api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.MountRoots = []string{"/mnt/gdrive"}
			cfg.SymlinkRoot = "/srv/media"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q missing %q", err, tt.wantErr)
			}
			if !errkind.Is(err, errkind.Configuration) {
				t.Errorf("error kind should be Configuration")
			}
		})
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	want := Default()
	want.MountRoots = []string{"/mnt/gdrive"}
	want.SymlinkRoot = "/srv/media"

	if err := WriteTemplate(path, want); err != nil {
		t.Fatalf("WriteTemplate() error: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written template: %v", err)
	}
	if got.MountRoots[0] != "/mnt/gdrive" || got.PollInterval != want.PollInterval {
		t.Errorf("template round-trip mismatch: %+v", got)
	}
}
