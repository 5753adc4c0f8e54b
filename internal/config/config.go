package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr      string
	DBPath          string
	ClaimTTL        time.Duration
	ShutdownTimeout time.Duration
}

// fileConfig is the YAML shape; durations are parsed as strings ("15m").
type fileConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	DBPath          string `yaml:"db_path"`
	ClaimTTL        string `yaml:"claim_ttl"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8372",
		DBPath:          defaultDBPath(),
		ClaimTTL:        15 * time.Minute,
		ShutdownTimeout: 5 * time.Second,
	}
}

// LoadFile overlays the YAML file at path onto cfg. Zero-valued fields in
// the file keep their current values.
func LoadFile(path string, cfg Config) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if file.ListenAddr != "" {
		cfg.ListenAddr = file.ListenAddr
	}
	if file.DBPath != "" {
		cfg.DBPath = file.DBPath
	}
	if file.ClaimTTL != "" {
		d, err := time.ParseDuration(file.ClaimTTL)
		if err != nil {
			return Config{}, fmt.Errorf("parse claim_ttl: %w", err)
		}
		cfg.ClaimTTL = d
	}
	if file.ShutdownTimeout != "" {
		d, err := time.ParseDuration(file.ShutdownTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	return cfg, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "arbiter.db"
	}
	return filepath.Join(home, ".local", "state", "arbiter", "arbiter.db")
}
