// Package management implements the RPC method catalog of the management daemon.
//
// Most methods build a shell command line and hand it to the command registry,
// returning the new command id (or -1 / -2 when admission fails) so the caller
// can poll managementGetCommandStatus. A few methods answer synchronously.
package management

import (
	"context"
	"log/slog"
	"time"

	"github.com/doughall/linuxrmm/management/internal/commands"
	"github.com/doughall/linuxrmm/management/internal/config"
	"github.com/doughall/linuxrmm/management/internal/history"
	"github.com/doughall/linuxrmm/management/internal/logging"
	"github.com/doughall/linuxrmm/management/internal/rootfs"
	"github.com/doughall/linuxrmm/management/internal/rpc"
)

// Method names served by the daemon.
const (
	MethodGetCommandStatus      = "managementGetCommandStatus"
	MethodGetCommandHistory     = "managementGetCommandHistory"
	MethodAptUpdate             = "managementAptUpdate"
	MethodAptUpgrade            = "managementAptUpgrade"
	MethodAptFullUpgrade        = "managementAptFullUpgrade"
	MethodAcquireWritable       = "managementAcquireWritable"
	MethodReleaseWritable       = "managementReleaseWritable"
	MethodServiceCommand        = "managementServiceCommand"
	MethodReboot                = "managementReboot"
	MethodDpkgPackageInstalled  = "managementDpkgPackageInstalled"
	MethodGetConfigurationEntry = "managementGetConfigurationEntry"
	MethodSetConfigurationEntry = "managementSetConfigurationEntry"
	MethodCreateBackup          = "managementCreateBackup"
	MethodRestoreBackup         = "managementRestoreBackup"
	MethodGetSystemInfo         = "managementGetSystemInfo"
)

const (
	defaultHistoryLimit       = 20
	synchronousCommandTimeout = 30 * time.Second
	aptEnvironment            = "DEBIAN_FRONTEND=noninteractive"
)

// SyncRunner runs short commands whose result is returned directly to the caller.
type SyncRunner interface {
	Run(ctx context.Context, commandLine string) (int, string, error)
}

// HistoryReader returns recent finished commands.
type HistoryReader interface {
	Recent(limit int) ([]*history.Entry, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Config   *config.Config
	Registry *commands.Registry
	Gate     *rootfs.Gate
	Runner   SyncRunner
	History  HistoryReader // optional
	Logger   *slog.Logger
}

// Service implements the catalog handlers.
type Service struct {
	cfg      *config.Config
	registry *commands.Registry
	gate     *rootfs.Gate
	runner   SyncRunner
	history  HistoryReader
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the catalog service.
func New(d Deps) *Service {
	return &Service{
		cfg:      d.Config,
		registry: d.Registry,
		gate:     d.Gate,
		runner:   d.Runner,
		history:  d.History,
		logger:   logging.WithComponent(d.Logger, "management"),
		now:      time.Now,
	}
}

// Register binds every catalog method on srv.
func (s *Service) Register(srv *rpc.Server) {
	srv.Register(MethodGetCommandStatus, s.getCommandStatus)
	srv.Register(MethodGetCommandHistory, s.getCommandHistory)
	srv.Register(MethodAptUpdate, s.aptUpdate)
	srv.Register(MethodAptUpgrade, s.aptUpgrade)
	srv.Register(MethodAptFullUpgrade, s.aptFullUpgrade)
	srv.Register(MethodAcquireWritable, s.acquireWritable)
	srv.Register(MethodReleaseWritable, s.releaseWritable)
	srv.Register(MethodServiceCommand, s.serviceCommand)
	srv.Register(MethodReboot, s.reboot)
	srv.Register(MethodDpkgPackageInstalled, s.dpkgPackageInstalled)
	srv.Register(MethodGetConfigurationEntry, s.getConfigurationEntry)
	srv.Register(MethodSetConfigurationEntry, s.setConfigurationEntry)
	srv.Register(MethodCreateBackup, s.createBackup)
	srv.Register(MethodRestoreBackup, s.restoreBackup)
	srv.Register(MethodGetSystemInfo, s.getSystemInfo)
}

// start admits commandLine and returns the in-band id or admission code.
func (s *Service) start(ctx context.Context, method, commandLine string, opts commands.Options) int32 {
	opts.Source = method
	id, err := s.registry.Start(commandLine, opts)
	if err != nil {
		s.logger.Warn("command not started",
			slog.String("method", method),
			slog.String("request_id", rpc.RequestID(ctx)),
			slog.String("error", err.Error()),
		)
	}
	return commands.AdmissionCode(id, err)
}
