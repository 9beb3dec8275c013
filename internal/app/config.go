package app

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL string `yaml:"base_url"`
	// SyncBaseURL is where local history gets pushed when the backend reports
	// a freshly created session. Defaults to BaseURL.
	SyncBaseURL      string `yaml:"sync_base_url"`
	RequestTimeout   int    `yaml:"request_timeout_seconds"`
	StatusTimeout    int    `yaml:"status_timeout_seconds"`
	StorageRoot      string `yaml:"storage_root"`
	Greeting         string `yaml:"greeting"`
	DisableAutoTitle bool   `yaml:"disable_auto_title"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8000",
		RequestTimeout: 0, // no timeout beyond explicit cancellation
		StatusTimeout:  3,
		Greeting:       DefaultGreeting,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	if cfg.SyncBaseURL == "" {
		cfg.SyncBaseURL = cfg.BaseURL
	}
	if cfg.RequestTimeout < 0 {
		cfg.RequestTimeout = 0
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 3
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		return errors.New("no path provided for config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "sqlchat", "config.yml")
}
