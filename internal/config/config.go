// Package config provides configuration management for the VMS.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the boot configuration. Runtime-tunable settings
// (retention days, storage caps) live in the system_config table and
// only default from here.
type Config struct {
	System  SystemConfig  `yaml:"system"`
	Storage StorageConfig `yaml:"storage"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Live    LiveConfig    `yaml:"live"`
	Auth    AuthConfig    `yaml:"auth"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Name       string         `yaml:"name"`
	ListenAddr string         `yaml:"listen_addr"`
	Timezone   string         `yaml:"timezone"`
	Database   DatabaseConfig `yaml:"database"`
	Logging    LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds storage settings. These seed the system_config
// table on first boot; the table is authoritative afterwards.
type StorageConfig struct {
	Path              string `yaml:"path"`
	RetentionDays     int    `yaml:"retention_days"`
	MaxStorageGB      int    `yaml:"max_storage_gb"`
	MaxStoragePercent int    `yaml:"max_storage_percent"`
	// MarkMissingDeleted controls the forward reconciliation sweep: a
	// recording whose file is gone is marked deleted when true.
	MarkMissingDeleted *bool `yaml:"mark_missing_deleted"`
}

// IngestConfig holds ingest transcoder settings.
type IngestConfig struct {
	FFmpegPath         string `yaml:"ffmpeg_path"`
	SegmentSeconds     int    `yaml:"segment_seconds"`
	RestartCooloffSec  int    `yaml:"restart_cooloff_seconds"`
	StopGraceSec       int    `yaml:"stop_grace_seconds"`
	ActivityTimeoutSec int    `yaml:"activity_timeout_seconds"`
	SegmentTimeoutSec  int    `yaml:"segment_timeout_seconds"`
}

// LiveConfig holds live publisher settings.
type LiveConfig struct {
	FFmpegPath        string `yaml:"ffmpeg_path"`
	SegmentSeconds    int    `yaml:"segment_seconds"`
	PartMillis        int    `yaml:"part_millis"`
	WindowSegments    int    `yaml:"window_segments"`
	IdleGraceSec      int    `yaml:"idle_grace_seconds"`
	WaitTimeoutSec    int    `yaml:"wait_timeout_seconds"`
	RestartCooloffSec int    `yaml:"restart_cooloff_seconds"`
}

// AuthConfig holds token settings for the gateway. Users map principal
// names to shared secrets for the token endpoint.
type AuthConfig struct {
	TokenSecret string            `yaml:"token_secret"`
	TokenTTLMin int               `yaml:"token_ttl_minutes"`
	Users       map[string]string `yaml:"users"`
}

// Load loads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.System.ListenAddr = v
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
}

// setDefaults fills unset fields.
func (c *Config) setDefaults() {
	if c.System.Name == "" {
		c.System.Name = "vms"
	}
	if c.System.ListenAddr == "" {
		c.System.ListenAddr = "0.0.0.0:8080"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "Local"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/data"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = c.Storage.Path + "/vms.db"
	}
	if c.Storage.RetentionDays <= 0 {
		c.Storage.RetentionDays = 30
	}
	if c.Storage.MaxStoragePercent <= 0 {
		c.Storage.MaxStoragePercent = 90
	}
	if c.Storage.MarkMissingDeleted == nil {
		v := true
		c.Storage.MarkMissingDeleted = &v
	}
	if c.Ingest.FFmpegPath == "" {
		c.Ingest.FFmpegPath = "ffmpeg"
	}
	if c.Ingest.SegmentSeconds <= 0 {
		c.Ingest.SegmentSeconds = 60
	}
	if c.Ingest.RestartCooloffSec <= 0 {
		c.Ingest.RestartCooloffSec = 10
	}
	if c.Ingest.StopGraceSec <= 0 {
		c.Ingest.StopGraceSec = 5
	}
	if c.Ingest.ActivityTimeoutSec <= 0 {
		c.Ingest.ActivityTimeoutSec = 90
	}
	if c.Ingest.SegmentTimeoutSec <= 0 {
		c.Ingest.SegmentTimeoutSec = 120
	}
	if c.Live.FFmpegPath == "" {
		c.Live.FFmpegPath = c.Ingest.FFmpegPath
	}
	if c.Live.SegmentSeconds <= 0 {
		c.Live.SegmentSeconds = 2
	}
	if c.Live.PartMillis <= 0 {
		c.Live.PartMillis = 500
	}
	if c.Live.WindowSegments <= 0 {
		c.Live.WindowSegments = 6
	}
	if c.Live.IdleGraceSec <= 0 {
		c.Live.IdleGraceSec = 60
	}
	if c.Live.WaitTimeoutSec <= 0 {
		c.Live.WaitTimeoutSec = 10
	}
	if c.Live.RestartCooloffSec <= 0 {
		c.Live.RestartCooloffSec = 5
	}
	if c.Auth.TokenTTLMin <= 0 {
		c.Auth.TokenTTLMin = 60
	}
}

// Location resolves the configured wall-clock zone.
func (c *Config) Location() (*time.Location, error) {
	if c.System.Timezone == "" || c.System.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.System.Timezone)
}

// Watch starts watching the config file for changes and reloads on
// write, notifying OnChange callbacks.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback for config changes.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.System = newCfg.System
	c.Storage = newCfg.Storage
	c.Ingest = newCfg.Ingest
	c.Live = newCfg.Live
	c.Auth = newCfg.Auth
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")
	for _, fn := range watchers {
		fn(c)
	}
}
