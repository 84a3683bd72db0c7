package hypervisor

import "runtime"

// SupportedPlatform reports whether NewDriver can return a driver on this OS.
// NewDriver itself lives in the per-platform driver_*.go files.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}
