package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// errAlreadyRunning is returned when the pid file names a live process.
var errAlreadyRunning = errors.New("vmctl is already running")

// runningPID returns the pid recorded in path if that process is alive.
func runningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

// writePIDFile records the current process in path unless another live
// process already holds it. A stale file is overwritten.
func writePIDFile(path string) error {
	if pid, ok := runningPID(path); ok && pid != os.Getpid() {
		return fmt.Errorf("%w (PID %d, %s)", errAlreadyRunning, pid, path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// removePIDFile removes path if it still names the current process.
func removePIDFile(path string) {
	if pid, ok := runningPID(path); ok && pid == os.Getpid() {
		os.Remove(path)
	}
}
