// Package config loads and validates graylink configuration.
//
// Configuration is read from a YAML file through viper, with defaults
// for every tunable and environment overrides under the GRAYLINK_
// prefix (GRAYLINK_EMBY_API_KEY, GRAYLINK_DB_PATH, ...). Validation
// errors are classified as errkind.Configuration and are fatal: the
// process must not start on a config it cannot trust.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/graysui/graylink/internal/errkind"
)

// Config holds the full graylink configuration.
type Config struct {
	// DBPath is the SQLite state store location.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`

	// MountRoots are the monitored mount roots. Each root is scanned,
	// watched and health-probed independently.
	MountRoots []string `mapstructure:"mount_roots" yaml:"mount_roots"`

	// SymlinkRoot is the base directory the symlink mirror is built
	// under. Target paths are SymlinkRoot + rel(path, mount root).
	SymlinkRoot string `mapstructure:"symlink_root" yaml:"symlink_root"`

	// MediaExtensions is the case-insensitive extension allow-list.
	// Entries carry the leading dot (".mp4").
	MediaExtensions []string `mapstructure:"media_extensions" yaml:"media_extensions"`

	// ExcludePrefixes are directory names whose whole subtree is
	// ignored (BDMV, @eaDir, ...). Matching is per path segment.
	ExcludePrefixes []string `mapstructure:"exclude_prefixes" yaml:"exclude_prefixes"`

	// Mount health probing.
	MountCheckInterval time.Duration `mapstructure:"mount_check_interval" yaml:"mount_check_interval"`
	MountRetryCount    int           `mapstructure:"mount_retry_count" yaml:"mount_retry_count"`
	MountRetryDelay    time.Duration `mapstructure:"mount_retry_delay" yaml:"mount_retry_delay"`

	// PollInterval is the local scan interval.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// Remote change feed.
	FeedURL      string        `mapstructure:"feed_url" yaml:"feed_url"`
	FeedToken    string        `mapstructure:"feed_token" yaml:"feed_token"`
	FeedInterval time.Duration `mapstructure:"feed_interval" yaml:"feed_interval"`
	FeedBuffer   time.Duration `mapstructure:"feed_buffer" yaml:"feed_buffer"`

	// WorkerPoolSize bounds the number of directory subtrees scanned
	// in parallel during a full scan.
	WorkerPoolSize int `mapstructure:"worker_pool_size" yaml:"worker_pool_size"`

	// BatchSize caps how many observations and removals from a partial
	// batch are reconciled per transaction. Full listings are applied
	// whole.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// DedupeWindow is the multiplexer's per-path duplicate window.
	DedupeWindow time.Duration `mapstructure:"dedupe_window" yaml:"dedupe_window"`

	// SweepInterval is how often the dangling-symlink sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// Emby media server.
	EmbyHost       string        `mapstructure:"emby_host" yaml:"emby_host"`
	EmbyAPIKey     string        `mapstructure:"emby_api_key" yaml:"emby_api_key"`
	NotifyRetries  int           `mapstructure:"notify_retries" yaml:"notify_retries"`
	NotifyDelay    time.Duration `mapstructure:"notify_delay" yaml:"notify_delay"`
	NotifyDisabled bool          `mapstructure:"notify_disabled" yaml:"notify_disabled"`

	// Snapshot export.
	SnapshotDir      string        `mapstructure:"snapshot_dir" yaml:"snapshot_dir"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`

	// Dashboard. Port 0 disables the server.
	DashboardPort int `mapstructure:"dashboard_port" yaml:"dashboard_port"`

	// Logging.
	LogDir     string `mapstructure:"log_dir" yaml:"log_dir"`
	LogMaxSize int    `mapstructure:"log_max_size" yaml:"log_max_size"` // megabytes
	LogBackups int    `mapstructure:"log_backups" yaml:"log_backups"`
	LogVerbose bool   `mapstructure:"log_verbose" yaml:"log_verbose"`
}

// Default returns the built-in configuration, matching the defaults the
// service ships with before any file or environment override.
func Default() *Config {
	return &Config{
		DBPath:      "data/graylink.db",
		SymlinkRoot: "data/media",
		MediaExtensions: []string{
			".mp4", ".mkv", ".avi", ".m4v", ".m2ts",
			".srt", ".ass", ".ssa", ".sub",
		},
		ExcludePrefixes: []string{
			"BDMV", "CERTIFICATE", "@eaDir", "lost+found",
		},
		MountCheckInterval: 30 * time.Second,
		MountRetryCount:    3,
		MountRetryDelay:    5 * time.Second,
		PollInterval:       5 * time.Minute,
		FeedInterval:       time.Hour,
		FeedBuffer:         5 * time.Minute,
		WorkerPoolSize:     4,
		BatchSize:          500,
		DedupeWindow:       2 * time.Second,
		SweepInterval:      time.Hour,
		NotifyRetries:      3,
		NotifyDelay:        5 * time.Second,
		SnapshotDir:        "data/snapshots",
		SnapshotInterval:   24 * time.Hour,
		LogDir:             "logs",
		LogMaxSize:         10,
		LogBackups:         5,
	}
}

// Load reads the config file at path, applies environment overrides and
// validates the result. A missing file is a Configuration error: the
// operator asked for a file that does not exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("graylink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		return nil, errkind.Newf(errkind.Configuration, "reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errkind.Newf(errkind.Configuration, "parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// setDefaults registers every default with viper so partial files and
// env-only overrides still produce a complete config.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("symlink_root", d.SymlinkRoot)
	v.SetDefault("media_extensions", d.MediaExtensions)
	v.SetDefault("exclude_prefixes", d.ExcludePrefixes)
	v.SetDefault("mount_check_interval", d.MountCheckInterval)
	v.SetDefault("mount_retry_count", d.MountRetryCount)
	v.SetDefault("mount_retry_delay", d.MountRetryDelay)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("feed_interval", d.FeedInterval)
	v.SetDefault("feed_buffer", d.FeedBuffer)
	v.SetDefault("worker_pool_size", d.WorkerPoolSize)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("dedupe_window", d.DedupeWindow)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("notify_retries", d.NotifyRetries)
	v.SetDefault("notify_delay", d.NotifyDelay)
	v.SetDefault("snapshot_dir", d.SnapshotDir)
	v.SetDefault("snapshot_interval", d.SnapshotInterval)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("log_max_size", d.LogMaxSize)
	v.SetDefault("log_backups", d.LogBackups)
}

// Validate checks the config for values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if len(c.MountRoots) == 0 {
		problems = append(problems, "mount_roots must list at least one root")
	}
	for _, root := range c.MountRoots {
		if !filepath.IsAbs(root) {
			problems = append(problems, fmt.Sprintf("mount root %q must be absolute", root))
		}
	}
	if c.SymlinkRoot == "" {
		problems = append(problems, "symlink_root must be set")
	}
	for _, root := range c.MountRoots {
		if root != "" && strings.HasPrefix(c.SymlinkRoot, root+string(os.PathSeparator)) {
			problems = append(problems, fmt.Sprintf("symlink_root may not live inside mount root %q", root))
		}
	}
	if len(c.MediaExtensions) == 0 {
		problems = append(problems, "media_extensions must not be empty")
	}
	for _, ext := range c.MediaExtensions {
		if !strings.HasPrefix(ext, ".") {
			problems = append(problems, fmt.Sprintf("extension %q must start with a dot", ext))
		}
	}
	if c.MountRetryCount < 1 {
		problems = append(problems, "mount_retry_count must be at least 1")
	}
	if c.WorkerPoolSize < 1 {
		problems = append(problems, "worker_pool_size must be at least 1")
	}
	if c.BatchSize < 1 {
		problems = append(problems, "batch_size must be at least 1")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "poll_interval must be positive")
	}
	if c.FeedURL != "" && c.FeedInterval <= 0 {
		problems = append(problems, "feed_interval must be positive when feed_url is set")
	}
	if !c.NotifyDisabled && c.EmbyHost != "" && c.EmbyAPIKey == "" {
		problems = append(problems, "emby_api_key must be set when emby_host is configured")
	}

	if len(problems) > 0 {
		return errkind.New(errkind.Configuration, errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// normalize resolves relative paths and lowercases the extension list
// so later comparisons are plain string equality.
func (c *Config) normalize() {
	c.DBPath = absPath(c.DBPath)
	c.SymlinkRoot = absPath(c.SymlinkRoot)
	c.SnapshotDir = absPath(c.SnapshotDir)
	c.LogDir = absPath(c.LogDir)

	for i, root := range c.MountRoots {
		c.MountRoots[i] = filepath.Clean(root)
	}
	for i, ext := range c.MediaExtensions {
		c.MediaExtensions[i] = strings.ToLower(ext)
	}
	c.EmbyHost = strings.TrimRight(c.EmbyHost, "/")
}

func absPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

// WriteTemplate writes a commented starter config to path. Used by
// `graylink config init` when the operator skips the interactive form.
func WriteTemplate(path string, cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config template: %w", err)
	}

	header := "# graylink configuration\n" +
		"# Durations accept Go syntax: 30s, 5m, 1h.\n" +
		"# Every key can be overridden with a GRAYLINK_* environment variable.\n\n"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
