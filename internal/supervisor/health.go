package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/turtacn/vigil/pkg/protocol"
)

type watched struct {
	path    string
	tracked time.Time
	stale   bool
}

// HealthMonitor checks the live-check file of every process of a group. A
// process proves liveness by touching the file named in VIGIL_LIVE_CHECK_FILE.
// The monitor is owned by the group loop and is not safe for concurrent use.
type HealthMonitor struct {
	dir       string
	timeout   time.Duration
	tolerance time.Duration
	files     map[int]watched
}

// NewHealthMonitor returns nil when the group has live checks disabled.
func NewHealthMonitor(stateDir string, spec *protocol.GroupSpec) *HealthMonitor {
	if !spec.LiveCheckEnabled() {
		return nil
	}
	tolerance := spec.LiveCheckTolerance
	if tolerance == 0 {
		tolerance = spec.LiveCheckTimeout
	}
	return &HealthMonitor{
		dir:       filepath.Join(stateDir, spec.Name),
		timeout:   spec.LiveCheckTimeout,
		tolerance: tolerance,
		files:     make(map[int]watched),
	}
}

// Prepare creates or touches the watch file for a slot and returns its path.
func (h *HealthMonitor) Prepare(generation uint64, slot int) (string, error) {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create live check dir: %w", err)
	}
	path := filepath.Join(h.dir, fmt.Sprintf("live-%d-%d", generation, slot))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return "", fmt.Errorf("failed to create live check file: %w", err)
	}
	f.Close()
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		return "", err
	}
	return path, nil
}

// Track starts watching pid through path.
func (h *HealthMonitor) Track(pid int, path string) {
	h.files[pid] = watched{path: path, tracked: time.Now()}
}

// Forget stops watching pid and removes its file.
func (h *HealthMonitor) Forget(pid int) {
	if w, ok := h.files[pid]; ok {
		os.Remove(w.path)
		delete(h.files, pid)
	}
}

// Check returns the pids whose file has not been touched within
// timeout plus tolerance. Each stale pid is reported once.
func (h *HealthMonitor) Check(now time.Time) []int {
	var stale []int
	limit := h.timeout + h.tolerance
	for pid, w := range h.files {
		if w.stale {
			continue
		}
		last := w.tracked
		if fi, err := os.Stat(w.path); err == nil && fi.ModTime().After(last) {
			last = fi.ModTime()
		}
		if now.Sub(last) > limit {
			stale = append(stale, pid)
			w.stale = true
			h.files[pid] = w
		}
	}
	return stale
}

// Interval is the longest tick that still honors the timeout.
func (h *HealthMonitor) Interval() time.Duration { return h.timeout }

// Personal.AI order the ending
