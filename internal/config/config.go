package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceConfig describes how to reach the tablet. The default address is the
// USB ethernet gadget; anything else counts as Wi-Fi and needs the consent
// flag before a run will touch it.
type DeviceConfig struct {
	Address     string `yaml:"address"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	AllowWiFi   bool   `yaml:"allow_wifi"`
	DialTimeout int    `yaml:"dial_timeout"` // seconds
	CmdTimeout  int    `yaml:"cmd_timeout"`  // seconds
}

// RetentionConfig bounds how many device backups are kept.
type RetentionConfig struct {
	KeepCount int `yaml:"keep_count"`
	MaxAgeDay int `yaml:"max_age_days"`
}

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Retention RetentionConfig `yaml:"retention"`
	LogLevel  string          `yaml:"log_level"`
	BaseDir   string          `yaml:"-"`
}

func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Device: DeviceConfig{
			Address:     "10.11.99.1:22",
			User:        "root",
			DialTimeout: 10,
			CmdTimeout:  60,
		},
		Retention: RetentionConfig{
			KeepCount: 3,
		},
		LogLevel: "info",
		BaseDir:  filepath.Join(home, ".freemark"),
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure defaults for zero values
	if cfg.Device.Address == "" {
		cfg.Device.Address = "10.11.99.1:22"
	}
	if cfg.Device.User == "" {
		cfg.Device.User = "root"
	}
	if cfg.Device.DialTimeout == 0 {
		cfg.Device.DialTimeout = 10
	}
	if cfg.Device.CmdTimeout == 0 {
		cfg.Device.CmdTimeout = 60
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BaseDir == "" {
		home, _ := os.UserHomeDir()
		cfg.BaseDir = filepath.Join(home, ".freemark")
	}

	return cfg, nil
}

// StatePath is the sqlite database location.
func (c *Config) StatePath() string {
	return filepath.Join(c.BaseDir, "state.db")
}

// DownloadDir holds fetched artifacts before they are pushed.
func (c *Config) DownloadDir() string {
	return filepath.Join(c.BaseDir, "downloads")
}

// LockDir holds per-device run locks.
func (c *Config) LockDir() string {
	return filepath.Join(c.BaseDir, "locks")
}

func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DownloadDir(),
		c.LockDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

// DialTimeout returns the device dial timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Device.DialTimeout) * time.Second
}

// CmdTimeout returns the per-command timeout as a duration.
func (c *Config) CmdTimeout() time.Duration {
	return time.Duration(c.Device.CmdTimeout) * time.Second
}
