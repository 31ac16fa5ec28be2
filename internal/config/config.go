// Package config provides configuration management for the management daemon.
// It uses koanf v2 to load configuration from a YAML file, applies defaults and
// validates the result. Settings are read-only after load.
//
// Configuration is loaded from /etc/rmm-management/config.yaml by default.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// DefaultConfigPath is the default location of the daemon configuration file.
const DefaultConfigPath = "/etc/rmm-management/config.yaml"

// Defaults for optional fields.
const (
	DefaultSocketPath        = "/run/rmm-management/management.sock"
	DefaultWorkingDirectory  = "/var/lib/rmm-management"
	DefaultMaxCommandThreads = 10
	DefaultRootMountPoint    = "/"
	DefaultHistoryLimit      = 500
	DefaultCtlPath           = "/usr/bin/rmm-mgmtctl"
	DefaultSubjectPrefix     = "rmm.management"
)

// Config holds the daemon configuration loaded from YAML.
type Config struct {
	// SocketPath is the Unix socket the RPC server listens on.
	SocketPath string `koanf:"socket_path"`

	// SocketGroup, when set, becomes the group owner of the socket so the
	// unprivileged parent process can connect.
	SocketGroup string `koanf:"socket_group"`

	// LogLevel controls verbosity: "debug", "info", "warn", "error". Default: "info".
	LogLevel string `koanf:"log_level"`

	// LogFile enables rotated file logging instead of stdout.
	LogFile          string `koanf:"log_file"`
	LogMaxSizeMB     int    `koanf:"log_max_size_mb"`
	LogMaxBackups    int    `koanf:"log_max_backups"`
	LogMaxAgeDays    int    `koanf:"log_max_age_days"`
	WorkingDirectory string `koanf:"working_directory"`
	PIDFile          string `koanf:"pid_file"`

	// MaxCommandThreads caps the number of concurrently running background commands.
	MaxCommandThreads int `koanf:"max_command_threads"`

	// RootIsReadOnly enables the read-only root gate. When false every gate
	// operation is a no-op.
	RootIsReadOnly bool `koanf:"root_is_read_only"`

	// DetectReadOnlyRoot consults the mount table at startup and enables the
	// gate if the root mount is read-only, regardless of RootIsReadOnly.
	DetectReadOnlyRoot bool   `koanf:"detect_read_only_root"`
	RootMountPoint     string `koanf:"root_mount_point"`

	// MaxCommandRuntime bounds how long a background command may run.
	// Zero (the default) means commands run to completion with no limit.
	MaxCommandRuntime time.Duration `koanf:"max_command_runtime"`

	AllowedServiceCommands []string         `koanf:"allowed_service_commands"`
	ControllableServices   []string         `koanf:"controllable_services"`
	SettingsWhitelist      []SettingsFile   `koanf:"settings_whitelist"`
	BackupDirectory        string           `koanf:"backup_directory"`
	BackupPaths            []string         `koanf:"backup_paths"`
	HistoryDB              string           `koanf:"history_db"`
	HistoryLimit           int              `koanf:"history_limit"`
	MetricsListen          string           `koanf:"metrics_listen"`
	NATSServers            string           `koanf:"nats_servers"`
	NATSNKeySeed           string           `koanf:"nats_nkey_seed"`
	NATSSubjectPrefix      string           `koanf:"nats_subject_prefix"`
	NotifyURL              string           `koanf:"notify_url"`
	NotifyToken            string           `koanf:"notify_token"`
	Maintenance            []MaintenanceJob `koanf:"maintenance"`
	MaintenanceStateDB     string           `koanf:"maintenance_state_db"`

	// CtlPath is the control CLI invoked by commands that toggle the
	// read-only gate themselves.
	CtlPath string `koanf:"ctl_path"`
}

// SettingsFile whitelists the keys that may be read and written in one
// key = value configuration file.
type SettingsFile struct {
	File string   `koanf:"file"`
	Keys []string `koanf:"keys"`
}

// MaintenanceJob invokes an RPC method on a cron schedule.
type MaintenanceJob struct {
	Name     string `koanf:"name"`
	Schedule string `koanf:"schedule"`
	Method   string `koanf:"method"`
	Params   []any  `koanf:"params"`
}

// Validation errors returned by Load.
var (
	ErrSocketPathRequired = errors.New("socket_path must not be empty")
	ErrInvalidMaxCommands = errors.New("max_command_threads must be at least 1")
	ErrInvalidRuntime     = errors.New("max_command_runtime must not be negative")
	ErrInvalidSchedule    = errors.New("invalid maintenance schedule")
	ErrInvalidWhitelist   = errors.New("settings_whitelist entries need an absolute file path")
)

// Load reads configuration from the YAML file at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, as if loaded from an empty file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = DefaultWorkingDirectory
	}
	if c.MaxCommandThreads == 0 {
		c.MaxCommandThreads = DefaultMaxCommandThreads
	}
	if c.RootMountPoint == "" {
		c.RootMountPoint = DefaultRootMountPoint
	}
	if c.BackupDirectory == "" {
		c.BackupDirectory = filepath.Join(c.WorkingDirectory, "backups")
	}
	if c.HistoryDB == "" {
		c.HistoryDB = filepath.Join(c.WorkingDirectory, "history.db")
	}
	if c.MaintenanceStateDB == "" {
		c.MaintenanceStateDB = filepath.Join(c.WorkingDirectory, "maintenance.db")
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.NATSSubjectPrefix == "" {
		c.NATSSubjectPrefix = DefaultSubjectPrefix
	}
	if c.CtlPath == "" {
		c.CtlPath = DefaultCtlPath
	}
}

func (c *Config) validate() error {
	if c.SocketPath == "" {
		return ErrSocketPathRequired
	}
	if c.MaxCommandThreads < 1 {
		return ErrInvalidMaxCommands
	}
	if c.MaxCommandRuntime < 0 {
		return ErrInvalidRuntime
	}
	for _, s := range c.SettingsWhitelist {
		if !filepath.IsAbs(s.File) {
			return fmt.Errorf("%w: %q", ErrInvalidWhitelist, s.File)
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, job := range c.Maintenance {
		if _, err := parser.Parse(job.Schedule); err != nil {
			return fmt.Errorf("%w %q for job %q: %v", ErrInvalidSchedule, job.Schedule, job.Name, err)
		}
	}
	return nil
}

// NATSEnabled returns true if NATS event publishing is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATSServers != ""
}

// AllowedKeys returns the whitelisted keys for a settings file, or nil if the
// file is not whitelisted.
func (c *Config) AllowedKeys(file string) []string {
	for _, s := range c.SettingsWhitelist {
		if s.File == file {
			return s.Keys
		}
	}
	return nil
}
