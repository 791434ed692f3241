// Package config loads mptriage configuration from YAML with environment
// overrides. Without a config file the tool targets the local endpoint,
// which is the common case when an operator runs it in an elevated shell
// on the machine under triage.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transport names for reaching the endpoint's preference store.
const (
	TransportLocal = "local"
	TransportWinRM = "winrm"
	TransportSSH   = "ssh"
)

// Target holds remote-endpoint connection settings. Unused for the local
// transport.
type Target struct {
	Hostname       string  `yaml:"hostname"`
	Port           int     `yaml:"port"`
	Username       string  `yaml:"username"` // DOMAIN\user for WinRM
	Password       *string `yaml:"password,omitempty"`
	PrivateKeyPath *string `yaml:"private_key_path,omitempty"` // SSH only
	UseSSL         bool    `yaml:"use_ssl"`                    // WinRM only
	VerifySSL      bool    `yaml:"verify_ssl"`                 // WinRM only
}

// Config holds mptriage configuration.
type Config struct {
	// Transport selects how the preference store is reached: local, winrm, or ssh.
	Transport string `yaml:"transport"`
	Target    Target `yaml:"target"`

	// Paths
	StateDir string `yaml:"state_dir"` // history db, baselines, ssh known_hosts
	PlansDir string `yaml:"plans_dir"` // custom *.yaml plans

	// Central mirroring (optional): Postgres DSN of the fleet database.
	CentralDSN string `yaml:"central_dsn"`

	// History retention
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() Config {
	stateDir := "/var/lib/mptriage"
	if base, err := os.UserConfigDir(); err == nil {
		stateDir = filepath.Join(base, "mptriage")
	}
	return Config{
		Transport:            TransportLocal,
		StateDir:             stateDir,
		HistoryRetentionDays: 90,
	}
}

// Load reads configuration from a YAML file with env overrides. An empty
// path yields defaults (local transport), still honoring env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides. Credentials in particular should
	// not have to live in the config file.
	if v := os.Getenv("MPTRIAGE_PASSWORD"); v != "" {
		cfg.Target.Password = &v
	}
	if v := os.Getenv("MPTRIAGE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("MPTRIAGE_CENTRAL_DSN"); v != "" {
		cfg.CentralDSN = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Transport) {
	case TransportLocal:
		c.Transport = TransportLocal
	case TransportWinRM, TransportSSH:
		c.Transport = strings.ToLower(c.Transport)
		if c.Target.Hostname == "" {
			return fmt.Errorf("target.hostname is required for %s transport", c.Transport)
		}
		if c.Target.Username == "" {
			return fmt.Errorf("target.username is required for %s transport", c.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q (want local, winrm, or ssh)", c.Transport)
	}

	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.HistoryRetentionDays < 1 {
		c.HistoryRetentionDays = 1
	}
	return nil
}

// TargetLabel names the endpoint for reports and history rows.
func (c *Config) TargetLabel() string {
	if c.Transport == TransportLocal {
		hostname, err := os.Hostname()
		if err != nil {
			return "localhost"
		}
		return hostname
	}
	return c.Target.Hostname
}

// HistoryDBPath returns the local run-history database path.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

// BaselineDir returns the baseline snapshot directory.
func (c *Config) BaselineDir() string {
	return filepath.Join(c.StateDir, "baselines")
}
