package management

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doughall/linuxrmm/management/internal/commands"
	"github.com/doughall/linuxrmm/management/internal/config"
	"github.com/doughall/linuxrmm/management/internal/history"
	"github.com/doughall/linuxrmm/management/internal/rootfs"
	"github.com/doughall/linuxrmm/management/internal/rpc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingRunner records every command line and returns a canned result.
type recordingRunner struct {
	mu     sync.Mutex
	lines  []string
	code   int
	output string
}

func (r *recordingRunner) record(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *recordingRunner) Run(_ context.Context, line string) (int, string, error) {
	r.record(line)
	return r.code, r.output, nil
}

func (r *recordingRunner) RunDetached(_ context.Context, line string) (int, error) {
	r.record(line)
	return r.code, nil
}

func (r *recordingRunner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type fakeRemounter struct {
	mu     sync.Mutex
	rw, ro int
}

func (f *fakeRemounter) RemountReadWrite(string) error {
	f.mu.Lock()
	f.rw++
	f.mu.Unlock()
	return nil
}

func (f *fakeRemounter) RemountReadOnly(string) error {
	f.mu.Lock()
	f.ro++
	f.mu.Unlock()
	return nil
}

type fakeHistory struct{ entries []*history.Entry }

func (f *fakeHistory) Recent(limit int) ([]*history.Entry, error) {
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

type fixture struct {
	cfg       *config.Config
	runner    *recordingRunner
	remounter *fakeRemounter
	gate      *rootfs.Gate
	registry  *commands.Registry
	service   *Service
	server    *rpc.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := discardLogger()

	cfg := config.Default()
	cfg.SocketPath = "/run/rmm management/management.sock"
	cfg.CtlPath = "/usr/bin/rmm-mgmtctl"
	cfg.BackupDirectory = t.TempDir()
	cfg.ControllableServices = []string{"nginx", "homegear"}
	cfg.AllowedServiceCommands = []string{"restart", "status"}

	f := &fixture{cfg: cfg, runner: &recordingRunner{}, remounter: &fakeRemounter{}}
	f.gate = rootfs.NewGate(true, "/", f.remounter, logger)
	f.registry = commands.NewRegistry(f.runner, f.gate, logger)
	f.service = New(Deps{
		Config:   cfg,
		Registry: f.registry,
		Gate:     f.gate,
		Runner:   f.runner,
		Logger:   logger,
	})
	f.service.now = func() time.Time { return time.Date(2026, 10, 18, 9, 30, 5, 0, time.UTC) }
	f.server = rpc.NewServer(cfg.SocketPath, "", logger)
	f.service.Register(f.server)
	t.Cleanup(func() { _ = f.registry.Shutdown(context.Background()) })
	return f
}

func (f *fixture) call(t *testing.T, method string, args ...any) (any, error) {
	t.Helper()
	params, err := rpc.EncodeParams(args...)
	if err != nil {
		t.Fatalf("EncodeParams: %v", err)
	}
	return f.server.Dispatch(context.Background(), method, params)
}

// startCommand calls a command-starting method and waits for the command to finish.
func (f *fixture) startCommand(t *testing.T, method string, args ...any) commands.Snapshot {
	t.Helper()
	res, err := f.call(t, method, args...)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	id, ok := res.(int32)
	if !ok || id < 0 {
		t.Fatalf("%s returned %v, want a command id", method, res)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.registry.Status(id)
		if err != nil {
			t.Fatalf("Status(%d): %v", id, err)
		}
		if snap.Finished {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("command %d did not finish", id)
	return commands.Snapshot{}
}

func TestRegister_AllMethods(t *testing.T) {
	f := newFixture(t)
	methods := f.server.Methods()
	for _, want := range []string{
		MethodGetCommandStatus, MethodAptUpdate, MethodAptFullUpgrade,
		MethodServiceCommand, MethodCreateBackup, MethodGetSystemInfo,
	} {
		found := false
		for _, m := range methods {
			if m == want {
				found = true
			}
		}
		if !found {
			t.Errorf("method %s not registered", want)
		}
	}
}

func TestCommandMethods_CommandLines(t *testing.T) {
	tests := []struct {
		method string
		args   []any
		want   string
	}{
		{MethodAptUpdate, nil, "apt update"},
		{MethodAptUpgrade, nil, "DEBIAN_FRONTEND=noninteractive apt-get -y upgrade"},
		{MethodServiceCommand, []any{"nginx", "restart"}, "service 'nginx' 'restart'"},
		{MethodReboot, nil, "reboot"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			f := newFixture(t)
			f.startCommand(t, tt.method, tt.args...)
			lines := f.runner.Lines()
			if len(lines) != 1 || lines[0] != tt.want {
				t.Errorf("command lines = %q, want [%q]", lines, tt.want)
			}
		})
	}
}

func TestServiceCommand_Whitelist(t *testing.T) {
	tests := []struct {
		name    string
		args    []any
		code    int
		message string
	}{
		{"unknown service", []any{"sshd", "restart"}, rpc.FaultNotAllowed, "allowed services"},
		{"unknown command", []any{"nginx", "stop"}, rpc.FaultNotAllowed, "allowed service commands"},
		{"both unknown reports service", []any{"sshd", "stop"}, rpc.FaultNotAllowed, "allowed services"},
		{"missing argument", []any{"nginx"}, rpc.FaultWrongParams, "parameter count"},
		{"wrong type", []any{"nginx", 5}, rpc.FaultWrongParams, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.call(t, MethodServiceCommand, tt.args...)
			if !rpc.IsFault(err, tt.code) {
				t.Fatalf("err = %v, want fault %d", err, tt.code)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("err = %q, want it to mention %q", err, tt.message)
			}
			if n := len(f.runner.Lines()); n != 0 {
				t.Errorf("%d commands ran, want 0", n)
			}
		})
	}
}

func TestGetCommandStatus(t *testing.T) {
	f := newFixture(t)
	f.runner.output = "done\n"
	snap := f.startCommand(t, MethodAptUpdate)

	res, err := f.call(t, MethodGetCommandStatus, snap.ID)
	if err != nil {
		t.Fatalf("getCommandStatus: %v", err)
	}
	got := res.(commands.Snapshot)
	if !got.Finished || got.Output == nil || *got.Output != "done\n" || *got.Status != 0 {
		t.Errorf("unexpected snapshot %+v", got)
	}

	all, err := f.call(t, MethodGetCommandStatus)
	if err != nil {
		t.Fatalf("getCommandStatus(): %v", err)
	}
	if n := len(all.([]commands.Snapshot)); n != 1 {
		t.Errorf("got %d snapshots, want 1", n)
	}

	_, err = f.call(t, MethodGetCommandStatus, 4242)
	if !rpc.IsFault(err, rpc.FaultUnknownCommand) {
		t.Errorf("unknown id: err = %v, want fault %d", err, rpc.FaultUnknownCommand)
	}

	_, err = f.call(t, MethodGetCommandStatus, 1, 2)
	if !rpc.IsFault(err, rpc.FaultWrongParams) {
		t.Errorf("two params: err = %v, want fault %d", err, rpc.FaultWrongParams)
	}
}

func TestStartMethods_RejectedWhileDisposing(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	res, err := f.call(t, MethodAptUpdate)
	if err != nil {
		t.Fatalf("aptUpdate: %v", err)
	}
	if res.(int32) != commands.CodeUnavailable {
		t.Errorf("result = %v, want %d", res, commands.CodeUnavailable)
	}
}

func TestAptFullUpgrade_SelfManagedGate(t *testing.T) {
	f := newFixture(t)
	f.startCommand(t, MethodAptFullUpgrade)

	lines := f.runner.Lines()
	if len(lines) != 1 {
		t.Fatalf("got %d command lines", len(lines))
	}
	ctl := "'/usr/bin/rmm-mgmtctl' --socket '/run/rmm management/management.sock'"
	for _, want := range []string{
		ctl + " writable acquire;",
		"DEBIAN_FRONTEND=noninteractive apt-get -y dist-upgrade; rc=$?;",
		ctl + " writable release; exit $rc",
	} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("command line %q does not contain %q", lines[0], want)
		}
	}

	// The executor must not hold the gate for a self-managed command.
	f.remounter.mu.Lock()
	defer f.remounter.mu.Unlock()
	if f.remounter.rw != 0 {
		t.Errorf("gate remounted read-write %d times, want 0", f.remounter.rw)
	}
}

func TestWritableMethods(t *testing.T) {
	f := newFixture(t)
	for range 2 {
		if _, err := f.call(t, MethodAcquireWritable); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if h := f.gate.Holders(); h != 2 {
		t.Errorf("Holders = %d, want 2", h)
	}
	for range 2 {
		if _, err := f.call(t, MethodReleaseWritable); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if h := f.gate.Holders(); h != 0 {
		t.Errorf("Holders = %d, want 0", h)
	}
	if f.remounter.rw != 1 || f.remounter.ro != 1 {
		t.Errorf("remounts rw=%d ro=%d, want 1/1", f.remounter.rw, f.remounter.ro)
	}
}

func TestDpkgPackageInstalled(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		output string
		want   bool
	}{
		{"installed", 0, "install ok installed", true},
		{"removed", 0, "deinstall ok config-files", false},
		{"unknown package", 1, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.runner.code, f.runner.output = tt.code, tt.output
			res, err := f.call(t, MethodDpkgPackageInstalled, "libc6")
			if err != nil {
				t.Fatalf("dpkgPackageInstalled: %v", err)
			}
			if res != tt.want {
				t.Errorf("result = %v, want %v", res, tt.want)
			}
			if lines := f.runner.Lines(); len(lines) != 1 || !strings.HasSuffix(lines[0], "'libc6'") {
				t.Errorf("command lines = %q", lines)
			}
		})
	}

	f := newFixture(t)
	_, err := f.call(t, MethodDpkgPackageInstalled, "libc6; rm -rf /")
	if !rpc.IsFault(err, rpc.FaultWrongParams) {
		t.Errorf("invalid name: err = %v, want fault %d", err, rpc.FaultWrongParams)
	}
}

func TestConfigurationEntries(t *testing.T) {
	f := newFixture(t)
	file := filepath.Join(t.TempDir(), "main.conf")
	if err := os.WriteFile(file, []byte("# settings\nlogLevel = 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.cfg.SettingsWhitelist = []config.SettingsFile{{File: file, Keys: []string{"logLevel", "debugMode"}}}

	res, err := f.call(t, MethodGetConfigurationEntry, file, "logLevel")
	if err != nil || res != "3" {
		t.Fatalf("get logLevel = %v, %v", res, err)
	}

	if _, err := f.call(t, MethodSetConfigurationEntry, file, "logLevel", "5"); err != nil {
		t.Fatalf("set logLevel: %v", err)
	}
	if _, err := f.call(t, MethodSetConfigurationEntry, file, "debugMode", "true"); err != nil {
		t.Fatalf("set debugMode: %v", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if want := "# settings\nlogLevel = 5\ndebugMode = true\n"; string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
	if f.gate.Holders() != 0 || f.remounter.rw != 2 {
		t.Errorf("holders=%d rw=%d, want the gate held once per set", f.gate.Holders(), f.remounter.rw)
	}

	_, err = f.call(t, MethodGetConfigurationEntry, file, "password")
	if !rpc.IsFault(err, rpc.FaultNotAllowed) {
		t.Errorf("key outside whitelist: err = %v", err)
	}
	_, err = f.call(t, MethodSetConfigurationEntry, "/etc/shadow", "root", "x")
	if !rpc.IsFault(err, rpc.FaultNotAllowed) {
		t.Errorf("file outside whitelist: err = %v", err)
	}
	_, err = f.call(t, MethodSetConfigurationEntry, file, "logLevel", "1\nevil = 1")
	if !rpc.IsFault(err, rpc.FaultWrongParams) {
		t.Errorf("multi-line value: err = %v", err)
	}

	res, err = f.call(t, MethodGetConfigurationEntry, file, "debugMode")
	if err != nil || res != "true" {
		t.Errorf("get debugMode = %v, %v", res, err)
	}
}

func TestCreateBackup(t *testing.T) {
	f := newFixture(t)

	_, err := f.call(t, MethodCreateBackup)
	if !rpc.IsFault(err, rpc.FaultNotAllowed) {
		t.Fatalf("no paths: err = %v", err)
	}

	f.cfg.BackupPaths = []string{"/etc/homegear", "/var/lib/homegear/"}
	snap := f.startCommand(t, MethodCreateBackup)

	meta, ok := snap.Metadata.(BackupMetadata)
	if !ok || filepath.Dir(meta.File) != f.cfg.BackupDirectory ||
		!backupNamePattern.MatchString(filepath.Base(meta.File)) {
		t.Fatalf("Metadata = %#v, want a backup file in %s", snap.Metadata, f.cfg.BackupDirectory)
	}

	lines := f.runner.Lines()
	want := "mkdir -p '" + f.cfg.BackupDirectory + "' && tar -czf '" + meta.File +
		"' -C / 'etc/homegear' 'var/lib/homegear'"
	if len(lines) != 1 || lines[0] != want {
		t.Errorf("command lines = %q, want [%q]", lines, want)
	}
}

var backupNamePattern = regexp.MustCompile(`^backup-20261018-093005-[0-9a-f]{8}\.tar\.gz$`)

func TestCreateBackup_SameSecondGetsDistinctFiles(t *testing.T) {
	f := newFixture(t)
	f.cfg.BackupPaths = []string{"/etc/homegear"}

	first := f.startCommand(t, MethodCreateBackup)
	second := f.startCommand(t, MethodCreateBackup)

	a := first.Metadata.(BackupMetadata).File
	b := second.Metadata.(BackupMetadata).File
	if a == b {
		t.Fatalf("both backups write %s", a)
	}
	lines := f.runner.Lines()
	if len(lines) != 2 || lines[0] == lines[1] {
		t.Errorf("command lines = %q, want two distinct archives", lines)
	}
}

func TestRestoreBackup(t *testing.T) {
	f := newFixture(t)
	backup := filepath.Join(f.cfg.BackupDirectory, "backup-20261018-093005.tar.gz")
	if err := os.WriteFile(backup, []byte("archive"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		file string
		code int
	}{
		{"outside directory", "/tmp/backup.tar.gz", rpc.FaultNotAllowed},
		{"traversal", filepath.Join(f.cfg.BackupDirectory, "..", "x.tar.gz"), rpc.FaultNotAllowed},
		{"relative", "backup.tar.gz", rpc.FaultNotAllowed},
		{"missing", filepath.Join(f.cfg.BackupDirectory, "missing.tar.gz"), rpc.FaultWrongParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.call(t, MethodRestoreBackup, tt.file)
			if !rpc.IsFault(err, tt.code) {
				t.Errorf("err = %v, want fault %d", err, tt.code)
			}
		})
	}

	f.startCommand(t, MethodRestoreBackup, backup)
	lines := f.runner.Lines()
	if want := "tar -xzf '" + backup + "' -C /"; len(lines) != 1 || lines[0] != want {
		t.Errorf("command lines = %q, want [%q]", lines, want)
	}
}

func TestGetCommandHistory(t *testing.T) {
	f := newFixture(t)

	res, err := f.call(t, MethodGetCommandHistory)
	if err != nil {
		t.Fatalf("history without store: %v", err)
	}
	if n := len(res.([]*history.Entry)); n != 0 {
		t.Errorf("got %d entries, want 0", n)
	}

	f.service.history = &fakeHistory{entries: []*history.Entry{{CommandID: 3}, {CommandID: 2}, {CommandID: 1}}}
	res, err = f.call(t, MethodGetCommandHistory, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	entries := res.([]*history.Entry)
	if len(entries) != 2 || entries[0].CommandID != 3 {
		t.Errorf("entries = %+v", entries)
	}

	_, err = f.call(t, MethodGetCommandHistory, 0)
	if !rpc.IsFault(err, rpc.FaultWrongParams) {
		t.Errorf("zero limit: err = %v", err)
	}
}

func TestGetSystemInfo(t *testing.T) {
	f := newFixture(t)
	f.gate.Acquire()
	defer f.gate.Release()

	res, err := f.call(t, MethodGetSystemInfo)
	if err != nil {
		t.Fatalf("getSystemInfo: %v", err)
	}
	info := res.(SystemInfoResult)
	if info.Management.MaxCommands != f.cfg.MaxCommandThreads {
		t.Errorf("MaxCommands = %d", info.Management.MaxCommands)
	}
	if !info.Management.GateEnabled || info.Management.GateHolders != 1 {
		t.Errorf("gate state = %+v", info.Management)
	}
	if info.SystemInfo == nil || info.OS != runtime.GOOS {
		t.Errorf("system info = %+v", info.SystemInfo)
	}
}
