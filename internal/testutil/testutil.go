// Package testutil provides common test helpers for vmctl tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SocketPath returns a Unix socket path in a fresh temporary directory.
// The directory is short enough for sun_path on macOS, where t.TempDir()
// paths can exceed the 104 byte limit.
func SocketPath(t *testing.T, name string) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "vmctl")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

// CreateTestDisk creates a sparse disk file at the given path with the specified size.
// The file is created as a sparse file, so it doesn't actually allocate all the space.
func CreateTestDisk(t *testing.T, path string, sizeMB int64) {
	t.Helper()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test disk at %s: %v", path, err)
	}
	defer f.Close()

	sizeBytes := sizeMB * 1024 * 1024
	if err := f.Truncate(sizeBytes); err != nil {
		t.Fatalf("failed to truncate test disk to %d bytes: %v", sizeBytes, err)
	}
}

// BootFiles creates a placeholder kernel and a sparse rootfs image and
// returns their paths. Neither is bootable.
func BootFiles(t *testing.T) (kernel, rootfs string) {
	t.Helper()

	dir := t.TempDir()
	kernel = filepath.Join(dir, "vmlinux")
	if err := os.WriteFile(kernel, []byte("not a kernel"), 0o644); err != nil {
		t.Fatalf("failed to write kernel: %v", err)
	}
	rootfs = filepath.Join(dir, "rootfs.ext4")
	CreateTestDisk(t, rootfs, 16)
	return kernel, rootfs
}
