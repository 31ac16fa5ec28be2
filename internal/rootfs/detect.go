package rootfs

import (
	"context"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v4/disk"
)

// IsReadOnly reports whether mountPoint is currently mounted read-only,
// according to the mount table. The last matching entry wins so that
// over-mounts are honored.
func IsReadOnly(ctx context.Context, mountPoint string) (bool, error) {
	partitions, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return false, fmt.Errorf("failed to read mount table: %w", err)
	}

	found := false
	readOnly := false
	for _, p := range partitions {
		if p.Mountpoint != mountPoint {
			continue
		}
		found = true
		readOnly = slices.Contains(p.Opts, "ro")
	}
	if !found {
		return false, fmt.Errorf("mount point %s not found", mountPoint)
	}
	return readOnly, nil
}
