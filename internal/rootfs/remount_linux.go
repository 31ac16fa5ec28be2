//go:build linux

package rootfs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemRemounter remounts with the mount(2) system call. Requires CAP_SYS_ADMIN.
type SystemRemounter struct{}

func (SystemRemounter) RemountReadWrite(mountPoint string) error {
	if err := unix.Mount("", mountPoint, "", unix.MS_REMOUNT, ""); err != nil {
		return fmt.Errorf("remount %s rw: %w", mountPoint, err)
	}
	return nil
}

func (SystemRemounter) RemountReadOnly(mountPoint string) error {
	if err := unix.Mount("", mountPoint, "", unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remount %s ro: %w", mountPoint, err)
	}
	return nil
}
