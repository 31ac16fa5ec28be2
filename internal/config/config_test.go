package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != DefaultSocketPath {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, DefaultSocketPath)
	}
	if cfg.MaxCommandThreads != DefaultMaxCommandThreads {
		t.Errorf("MaxCommandThreads = %d, want %d", cfg.MaxCommandThreads, DefaultMaxCommandThreads)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.RootIsReadOnly {
		t.Error("RootIsReadOnly should default to false")
	}
	if cfg.MaxCommandRuntime != 0 {
		t.Errorf("MaxCommandRuntime = %v, want 0 (unlimited)", cfg.MaxCommandRuntime)
	}
	if want := filepath.Join(DefaultWorkingDirectory, "history.db"); cfg.HistoryDB != want {
		t.Errorf("HistoryDB = %q, want %q", cfg.HistoryDB, want)
	}
	if want := filepath.Join(DefaultWorkingDirectory, "maintenance.db"); cfg.MaintenanceStateDB != want {
		t.Errorf("MaintenanceStateDB = %q, want %q", cfg.MaintenanceStateDB, want)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
socket_path: /tmp/mgmt.sock
max_command_threads: 3
root_is_read_only: true
max_command_runtime: 45m
controllable_services: [homegear, nginx]
allowed_service_commands: [start, stop, restart]
settings_whitelist:
  - file: /etc/homegear/main.conf
    keys: [debugLevel, memoryDebugging]
maintenance:
  - name: nightly-update
    schedule: "0 3 * * *"
    method: managementAptUpdate
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/mgmt.sock" {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.MaxCommandThreads != 3 {
		t.Errorf("MaxCommandThreads = %d, want 3", cfg.MaxCommandThreads)
	}
	if !cfg.RootIsReadOnly {
		t.Error("RootIsReadOnly = false, want true")
	}
	if cfg.MaxCommandRuntime != 45*time.Minute {
		t.Errorf("MaxCommandRuntime = %v, want 45m", cfg.MaxCommandRuntime)
	}
	if len(cfg.ControllableServices) != 2 || cfg.ControllableServices[1] != "nginx" {
		t.Errorf("ControllableServices = %v", cfg.ControllableServices)
	}
	keys := cfg.AllowedKeys("/etc/homegear/main.conf")
	if len(keys) != 2 || keys[0] != "debugLevel" {
		t.Errorf("AllowedKeys = %v", keys)
	}
	if cfg.AllowedKeys("/etc/passwd") != nil {
		t.Error("expected no keys for a file outside the whitelist")
	}
	if len(cfg.Maintenance) != 1 || cfg.Maintenance[0].Method != "managementAptUpdate" {
		t.Errorf("Maintenance = %+v", cfg.Maintenance)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"negative threads", "max_command_threads: -1\n", ErrInvalidMaxCommands},
		{"negative runtime", "max_command_runtime: -5s\n", ErrInvalidRuntime},
		{"relative whitelist", "settings_whitelist:\n  - file: main.conf\n    keys: [a]\n", ErrInvalidWhitelist},
		{"bad schedule", "maintenance:\n  - name: x\n    schedule: \"not cron\"\n    method: managementAptUpdate\n", ErrInvalidSchedule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("Load error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if cfg.NATSEnabled() {
		t.Error("NATS should be disabled by default")
	}
}
