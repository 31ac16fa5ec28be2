//go:build !linux

package rootfs

import "errors"

// SystemRemounter is unsupported outside Linux.
type SystemRemounter struct{}

func (SystemRemounter) RemountReadWrite(string) error { return errors.ErrUnsupported }

func (SystemRemounter) RemountReadOnly(string) error { return errors.ErrUnsupported }
