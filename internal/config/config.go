// Package config handles Stockroom backend configuration.
//
// Values come from (lowest to highest precedence) built-in defaults, an optional
// YAML/TOML/JSON config file, and STOCKROOM_* environment variables, e.g.
// STOCKROOM_REMOTE_BASE_URL or STOCKROOM_SYNC_CONCURRENCY.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "STOCKROOM"

// Config holds all backend configuration.
type Config struct {
	// DataDir holds the SQLite store, the deferred-task spool and logs.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	Remote  RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Network NetworkConfig `mapstructure:"network" yaml:"network"`
	Status  StatusConfig  `mapstructure:"status" yaml:"status"`
	Spool   SpoolConfig   `mapstructure:"spool" yaml:"spool"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// RemoteConfig describes the backend that receives queued records.
type RemoteConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout" yaml:"submit_timeout"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	// MachineID seeds the key that seals the API token stored in settings.
	MachineID string `mapstructure:"machine_id" yaml:"machine_id"`
}

// SyncConfig tunes the executor and the retry schedule.
type SyncConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// RatePerSecond limits remote submissions; 0 disables the limit.
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RetryBase     time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	RetryMax      time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	PassTimeout   time.Duration `mapstructure:"pass_timeout" yaml:"pass_timeout"`
}

// NetworkConfig configures connectivity detection.
type NetworkConfig struct {
	ProbeURL        string        `mapstructure:"probe_url" yaml:"probe_url"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	RecheckInterval time.Duration `mapstructure:"recheck_interval" yaml:"recheck_interval"`
}

// StatusConfig configures the status surface refresh.
type StatusConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
}

// SpoolConfig configures the deferred-task facility. Disabled means foreground-only sync.
type SpoolConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	// RescanInterval bounds how long a task can sit unnoticed if a file event is lost.
	RescanInterval time.Duration `mapstructure:"rescan_interval" yaml:"rescan_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// HTTPConfig configures the local desktop API.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Remote: RemoteConfig{
			BaseURL:       "http://localhost:8080",
			SubmitTimeout: 15 * time.Second,
			FetchTimeout:  30 * time.Second,
		},
		Sync: SyncConfig{
			Concurrency:   4,
			RatePerSecond: 0,
			RetryBase:     30 * time.Second,
			RetryMax:      30 * time.Minute,
			PassTimeout:   5 * time.Minute,
		},
		Network: NetworkConfig{
			ProbeTimeout:    5 * time.Second,
			RecheckInterval: 30 * time.Second,
		},
		Status: StatusConfig{
			RefreshInterval: 30 * time.Second,
		},
		Spool: SpoolConfig{
			Enabled:        true,
			RescanInterval: time.Minute,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8090",
		},
	}
}

// SetDefaults registers every default with v so environment overrides resolve
// even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.submit_timeout", d.Remote.SubmitTimeout)
	v.SetDefault("remote.fetch_timeout", d.Remote.FetchTimeout)
	v.SetDefault("remote.machine_id", d.Remote.MachineID)
	v.SetDefault("sync.concurrency", d.Sync.Concurrency)
	v.SetDefault("sync.rate_per_second", d.Sync.RatePerSecond)
	v.SetDefault("sync.retry_base", d.Sync.RetryBase)
	v.SetDefault("sync.retry_max", d.Sync.RetryMax)
	v.SetDefault("sync.pass_timeout", d.Sync.PassTimeout)
	v.SetDefault("network.probe_url", d.Network.ProbeURL)
	v.SetDefault("network.probe_timeout", d.Network.ProbeTimeout)
	v.SetDefault("network.recheck_interval", d.Network.RecheckInterval)
	v.SetDefault("status.refresh_interval", d.Status.RefreshInterval)
	v.SetDefault("spool.enabled", d.Spool.Enabled)
	v.SetDefault("spool.dir", d.Spool.Dir)
	v.SetDefault("spool.rescan_interval", d.Spool.RescanInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("http.addr", d.HTTP.Addr)
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths fills directory settings derived from DataDir.
func (c *Config) resolvePaths() {
	if c.Spool.Dir == "" {
		c.Spool.Dir = filepath.Join(c.DataDir, "spool")
	}
	if c.Network.ProbeURL == "" {
		c.Network.ProbeURL = strings.TrimRight(c.Remote.BaseURL, "/") + "/api/health"
	}
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.SubmitTimeout <= 0 {
		return fmt.Errorf("remote.submit_timeout must be positive")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	if c.Sync.RatePerSecond < 0 {
		return fmt.Errorf("sync.rate_per_second cannot be negative")
	}
	if c.Sync.RetryBase <= 0 || c.Sync.RetryMax < c.Sync.RetryBase {
		return fmt.Errorf("sync.retry_base must be positive and not exceed sync.retry_max")
	}
	if c.Network.RecheckInterval <= 0 {
		return fmt.Errorf("network.recheck_interval must be positive")
	}
	if c.Status.RefreshInterval <= 0 {
		return fmt.Errorf("status.refresh_interval must be positive")
	}
	if c.Spool.Enabled && c.Spool.RescanInterval <= 0 {
		return fmt.Errorf("spool.rescan_interval must be positive")
	}
	return nil
}

// EnsureDirectories creates the data and spool directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Spool.Enabled {
		dirs = append(dirs, c.Spool.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// WriteDefault writes the default configuration as YAML to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SetDataDir moves the data directory. The spool directory follows it.
func (c *Config) SetDataDir(dir string) {
	c.DataDir = dir
	c.Spool.Dir = filepath.Join(dir, "spool")
}
