// Package config loads the operator configuration file: control-plane
// endpoints, SSH settings, working directories, and poll tuning. The file
// is YAML; missing fields fall back to defaults and the result is
// validated before anything runs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rollwave/rollwave/pkg/platform"
	"github.com/rollwave/rollwave/pkg/telemetry"
)

// Config is the top-level operator configuration.
type Config struct {
	// WorkDir holds rollback artifacts and staged image files.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// HistoryDB is the path of the run-history SQLite database.
	HistoryDB string `yaml:"history_db" validate:"required"`

	// Endpoints are the control-plane API base URLs.
	Endpoints platform.Endpoints `yaml:"endpoints"`

	// SSH configures remote command execution on compute hosts.
	SSH SSHConfig `yaml:"ssh"`

	// Poll tunes the convergence wait budgets.
	Poll PollConfig `yaml:"poll"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// SSHConfig mirrors the remote runner's connection settings.
type SSHConfig struct {
	User                  string        `yaml:"user" validate:"required"`
	Port                  int           `yaml:"port" validate:"min=1,max=65535"`
	AuthMethod            string        `yaml:"auth_method" validate:"oneof=password key"`
	Password              string        `yaml:"password,omitempty"`
	PrivateKeyPath        string        `yaml:"private_key_path,omitempty"`
	PrivateKeyPassphrase  string        `yaml:"private_key_passphrase,omitempty"`
	KnownHostsPath        string        `yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout" validate:"min=1s"`
	CommandTimeout        time.Duration `yaml:"command_timeout" validate:"min=1s"`
}

// PollConfig tunes the convergence budgets. Intervals and attempts bound
// each wait; settle_wait is the fixed hold after an instance comes back.
type PollConfig struct {
	ShardInterval    time.Duration `yaml:"shard_interval" validate:"min=1s"`
	ShardAttempts    int           `yaml:"shard_attempts" validate:"min=1"`
	EnsembleInterval time.Duration `yaml:"ensemble_interval" validate:"min=1s"`
	EnsembleAttempts int           `yaml:"ensemble_attempts" validate:"min=1"`
	TaskInterval     time.Duration `yaml:"task_interval" validate:"min=1s"`
	TaskAttempts     int           `yaml:"task_attempts" validate:"min=1"`
	SettleWait       time.Duration `yaml:"settle_wait" validate:"min=0"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".rollwave")
	return &Config{
		WorkDir:   filepath.Join(base, "work"),
		HistoryDB: filepath.Join(base, "history.db"),
		Endpoints: platform.Endpoints{
			Registry:  "http://localhost:8501",
			Instances: "http://localhost:8502",
			Hosts:     "http://localhost:8503",
			Images:    "http://localhost:8504",
		},
		SSH: SSHConfig{
			User:                  "root",
			Port:                  22,
			AuthMethod:            "key",
			StrictHostKeyChecking: true,
			ConnectionTimeout:     30 * time.Second,
			CommandTimeout:        10 * time.Minute,
		},
		Poll: PollConfig{
			ShardInterval:    5 * time.Second,
			ShardAttempts:    180,
			EnsembleInterval: 5 * time.Second,
			EnsembleAttempts: 60,
			TaskInterval:     5 * time.Second,
			TaskAttempts:     120,
			SettleWait:       60 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged; a named file must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.SSH.AuthMethod == "password" && c.SSH.Password == "" {
		return fmt.Errorf("invalid config: ssh password auth requires a password")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
