package rootfs

import (
	"context"
	"testing"
)

func TestIsReadOnly_UnknownMountPoint(t *testing.T) {
	if _, err := IsReadOnly(context.Background(), "/definitely/not/mounted/here"); err == nil {
		t.Error("expected error for a path that is not a mount point")
	}
}
