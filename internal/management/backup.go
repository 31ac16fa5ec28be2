package management

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doughall/linuxrmm/management/internal/commands"
	"github.com/doughall/linuxrmm/management/internal/rpc"
)

const backupTimeLayout = "20060102-150405"

// backupFileName returns a unique archive name. The random suffix keeps two
// backups started within the same second from writing the same archive.
func backupFileName(t time.Time) string {
	return "backup-" + t.Format(backupTimeLayout) + "-" + uuid.NewString()[:8] + ".tar.gz"
}

// BackupMetadata is attached to backup commands and echoed in their status.
type BackupMetadata struct {
	File string `json:"file"`
}

func (s *Service) createBackup(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(0, 0); err != nil {
		return nil, err
	}
	if len(s.cfg.BackupPaths) == 0 {
		return nil, rpc.NewFault(rpc.FaultNotAllowed, "No backup paths are configured.")
	}

	file := filepath.Join(s.cfg.BackupDirectory, backupFileName(s.now()))
	rel := make([]string, 0, len(s.cfg.BackupPaths))
	for _, path := range s.cfg.BackupPaths {
		rel = append(rel, strings.TrimPrefix(filepath.Clean(path), "/"))
	}

	cmd := "mkdir -p " + Quote(s.cfg.BackupDirectory) +
		" && tar -czf " + Quote(file) + " -C / " + QuoteAll(rel)
	return s.start(ctx, MethodCreateBackup, cmd, commands.Options{
		Metadata: BackupMetadata{File: file},
	}), nil
}

func (s *Service) restoreBackup(ctx context.Context, p rpc.Params) (any, error) {
	if err := p.Expect(1, 1); err != nil {
		return nil, err
	}
	file, err := p.String(0)
	if err != nil {
		return nil, err
	}

	file = filepath.Clean(file)
	dir := filepath.Clean(s.cfg.BackupDirectory)
	if !filepath.IsAbs(file) || filepath.Dir(file) != dir {
		return nil, rpc.NewFault(rpc.FaultNotAllowed, "The backup file is not in the backup directory.")
	}
	info, err := os.Stat(file)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return nil, rpc.NewFault(rpc.FaultWrongParams, "The backup file does not exist.")
	}
	if err != nil {
		return nil, err
	}

	return s.start(ctx, MethodRestoreBackup, "tar -xzf "+Quote(file)+" -C /", commands.Options{
		Metadata: BackupMetadata{File: file},
	}), nil
}
