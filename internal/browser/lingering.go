package browser

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"
)

// Sweeper removes Chrome processes and profile locks left behind by a run
// that did not shut down cleanly.
type Sweeper struct {
	ProcRoot    string
	Ports       []int
	ProfileDirs []string
	Logger      *zap.Logger
	kill        func(pid int) error
}

// Sweep kills every process whose command line carries one of the pool's
// debugging ports, then removes stale SingletonLock files. It returns the
// number of processes killed.
func (s *Sweeper) Sweep() (int, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	root := s.ProcRoot
	if root == "" {
		root = "/proc"
	}
	kill := s.kill
	if kill == nil {
		kill = func(pid int) error { return syscall.Kill(pid, syscall.SIGKILL) }
	}

	markers := make([][]byte, 0, len(s.Ports))
	for _, port := range s.Ports {
		markers = append(markers, []byte("remote-debugging-port="+strconv.Itoa(port)))
	}

	killed := 0
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("read %s: %w", root, err)
	}
	self := os.Getpid()
	for _, entry := range entries {
		pid, convErr := strconv.Atoi(entry.Name())
		if convErr != nil || pid == self {
			continue
		}
		cmdline, readErr := os.ReadFile(filepath.Join(root, entry.Name(), "cmdline"))
		if readErr != nil {
			continue
		}
		if !matchesAny(cmdline, markers) {
			continue
		}
		if err := kill(pid); err != nil {
			logger.Warn("kill lingering chrome", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		killed++
	}

	var errs []error
	for _, dir := range s.ProfileDirs {
		lock := filepath.Join(dir, "SingletonLock")
		if err := os.Remove(lock); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", lock, err))
		}
	}
	if killed > 0 {
		logger.Info("killed lingering chrome processes", zap.Int("count", killed))
	}
	return killed, errors.Join(errs...)
}

// matchesAny compares whole NUL-separated arguments so port 9225 does not
// match 92250.
func matchesAny(cmdline []byte, markers [][]byte) bool {
	for _, arg := range bytes.Split(cmdline, []byte{0}) {
		arg = bytes.TrimLeft(arg, "-")
		for _, marker := range markers {
			if bytes.Equal(arg, marker) {
				return true
			}
		}
	}
	return false
}
