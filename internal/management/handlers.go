package management

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/doughall/linuxrmm/management/internal/commands"
	"github.com/doughall/linuxrmm/management/internal/history"
	"github.com/doughall/linuxrmm/management/internal/rpc"
	"github.com/doughall/linuxrmm/management/internal/sysinfo"
	"github.com/doughall/linuxrmm/management/internal/version"
)

// packageNamePattern matches Debian package names.
var packageNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9+.\-]+$`)

func (s *Service) getCommandStatus(_ context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 1); err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return s.registry.StatusAll(), nil
	}

	id, err := p.Int(0)
	if err != nil {
		return nil, err
	}
	if id < math.MinInt32 || id > math.MaxInt32 {
		return nil, rpc.NewFault(rpc.FaultUnknownCommand, "Unknown command id.")
	}
	snap, err := s.registry.Status(int32(id))
	if errors.Is(err, commands.ErrUnknownCommand) {
		return nil, rpc.NewFault(rpc.FaultUnknownCommand, "Unknown command id.")
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Service) getCommandHistory(_ context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 1); err != nil {
		return nil, err
	}
	limit := int64(defaultHistoryLimit)
	if len(p) == 1 {
		n, err := p.Int(0)
		if err != nil {
			return nil, err
		}
		if n < 1 {
			return nil, rpc.NewFault(rpc.FaultWrongParams, "Limit must be positive.")
		}
		limit = n
	}
	if s.history == nil {
		return []*history.Entry{}, nil
	}
	entries, err := s.history.Recent(int(min(limit, math.MaxInt32)))
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if entries == nil {
		entries = []*history.Entry{}
	}
	return entries, nil
}

func (s *Service) aptUpdate(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 0); err != nil {
		return nil, err
	}
	return s.start(ctx, MethodAptUpdate, "apt update", commands.Options{}), nil
}

func (s *Service) aptUpgrade(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 0); err != nil {
		return nil, err
	}
	return s.start(ctx, MethodAptUpgrade, aptEnvironment+" apt-get -y upgrade", commands.Options{}), nil
}

// aptFullUpgrade toggles the writable gate from inside the command line so that
// the filesystem is made read-only again as soon as the upgrade itself ends.
func (s *Service) aptFullUpgrade(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 0); err != nil {
		return nil, err
	}
	return s.start(ctx, MethodAptFullUpgrade, s.fullUpgradeCommand(), commands.Options{SelfManagedGate: true}), nil
}

func (s *Service) fullUpgradeCommand() string {
	ctl := Quote(s.cfg.CtlPath) + " --socket " + Quote(s.cfg.SocketPath)
	return fmt.Sprintf("%[1]s writable acquire; %[2]s apt-get -y dist-upgrade; rc=$?; %[1]s writable release; exit $rc",
		ctl, aptEnvironment)
}

func (s *Service) acquireWritable(_ context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 0); err != nil {
		return nil, err
	}
	s.gate.Acquire()
	return true, nil
}

func (s *Service) releaseWritable(_ context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 0); err != nil {
		return nil, err
	}
	s.gate.Release()
	return true, nil
}

func (s *Service) serviceCommand(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(2, 2); err != nil {
		return nil, err
	}
	service, err := p.String(0)
	if err != nil {
		return nil, err
	}
	command, err := p.String(1)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(s.cfg.ControllableServices, service) {
		return nil, rpc.NewFault(rpc.FaultNotAllowed, "This service is not in the list of allowed services.")
	}
	if !slices.Contains(s.cfg.AllowedServiceCommands, command) {
		return nil, rpc.NewFault(rpc.FaultNotAllowed, "This command is not in the list of allowed service commands.")
	}

	return s.start(ctx, MethodServiceCommand, "service "+Quote(service)+" "+Quote(command), commands.Options{}), nil
}

func (s *Service) reboot(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 0); err != nil {
		return nil, err
	}
	return s.start(ctx, MethodReboot, "reboot", commands.Options{Detached: true}), nil
}

func (s *Service) dpkgPackageInstalled(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(1, 1); err != nil {
		return nil, err
	}
	name, err := p.String(0)
	if err != nil {
		return nil, err
	}
	if !packageNamePattern.MatchString(name) {
		return nil, rpc.NewFault(rpc.FaultWrongParams, "Invalid package name.")
	}

	ctx, cancel := context.WithTimeout(ctx, synchronousCommandTimeout)
	defer cancel()
	code, output, err := s.runner.Run(ctx, "dpkg-query -W -f='${Status}' "+Quote(name))
	if err != nil {
		return nil, fmt.Errorf("dpkg-query failed: %w", err)
	}
	return code == 0 && strings.Contains(output, "install ok installed"), nil
}

// SystemInfoResult is returned by managementGetSystemInfo.
type SystemInfoResult struct {
	*sysinfo.SystemInfo
	Management ManagementInfo `json:"management"`
}

// ManagementInfo describes the daemon's own state.
type ManagementInfo struct {
	Version         string `json:"version"`
	RunningCommands int    `json:"runningCommands"`
	MaxCommands     int    `json:"maxCommands"`
	GateEnabled     bool   `json:"gateEnabled"`
	GateHolders     int    `json:"gateHolders"`
}

func (s *Service) getSystemInfo(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 0); err != nil {
		return nil, err
	}
	info, err := sysinfo.Collect(ctx, s.cfg.RootMountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to collect system info: %w", err)
	}
	return SystemInfoResult{
		SystemInfo: info,
		Management: ManagementInfo{
			Version:         version.Version,
			RunningCommands: s.registry.Running(),
			MaxCommands:     s.cfg.MaxCommandThreads,
			GateEnabled:     s.gate.Enabled(),
			GateHolders:     s.gate.Holders(),
		},
	}, nil
}
