package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/logger"
	"github.com/turtacn/vigil/pkg/protocol"
)

// Trigger is what the watcher asks its group to do.
type Trigger int

const (
	TriggerNone Trigger = iota
	// TriggerUpgrade starts an upgrade right away.
	TriggerUpgrade
	// TriggerRunUpgrader runs the upgrader; only a zero exit upgrades.
	TriggerRunUpgrader
)

// AutoUpgradeWatcher detects a changed command binary and the periodic
// upgrader interval. Poll runs on the group loop; Run is the only method
// meant for another goroutine.
type AutoUpgradeWatcher struct {
	spec   *protocol.GroupSpec
	log    logger.Logger
	binary string

	lastMtime time.Time
	lastRun   time.Time
	pending   bool
	running   bool

	fsw *fsnotify.Watcher
}

// NewAutoUpgradeWatcher returns nil when the group has no auto upgrade
// trigger configured.
func NewAutoUpgradeWatcher(spec *protocol.GroupSpec, log logger.Logger) *AutoUpgradeWatcher {
	if !spec.AutoUpgrade && spec.UpgraderActiveSec == 0 {
		return nil
	}
	w := &AutoUpgradeWatcher{spec: spec, log: log, lastRun: time.Now()}
	if spec.AutoUpgrade {
		bin, err := resolveBinary(spec)
		if err != nil {
			log.Warn("AutoUpgrade: Cannot resolve command, mtime trigger disabled", "err", err)
		} else {
			w.binary = bin
			w.lastMtime = w.mtime()
		}
	}
	return w
}

func resolveBinary(spec *protocol.GroupSpec) (string, error) {
	name := spec.Command[0]
	if strings.Contains(name, "/") {
		if !filepath.IsAbs(name) && spec.WorkingDirectory != "" {
			name = filepath.Join(spec.WorkingDirectory, name)
		}
		return filepath.Abs(name)
	}
	return exec.LookPath(name)
}

func (w *AutoUpgradeWatcher) mtime() time.Time {
	fi, err := os.Stat(w.binary)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// Binary returns the watched command path, empty if mtime watching is off.
func (w *AutoUpgradeWatcher) Binary() string { return w.binary }

// Watch subscribes to changes of the binary's directory and calls wake for
// every event touching the binary, so a deploy is noticed before the next
// tick. The mtime comparison in Poll stays authoritative.
func (w *AutoUpgradeWatcher) Watch(wake func()) error {
	if w.binary == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.binary)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.binary), err)
	}
	w.fsw = fsw

	go func() {
		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == w.binary {
					wake()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Warn("AutoUpgrade: Watch error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops the file watch.
func (w *AutoUpgradeWatcher) Close() {
	if w != nil && w.fsw != nil {
		w.fsw.Close()
		w.fsw = nil
	}
}

// Poll checks both triggers. While the upgrader runs nothing is triggered,
// but a binary change is remembered.
func (w *AutoUpgradeWatcher) Poll(now time.Time) Trigger {
	if w.binary != "" {
		if m := w.mtime(); !m.IsZero() && !m.Equal(w.lastMtime) {
			w.log.Info("AutoUpgrade: Command changed", "binary", w.binary, "mtime", m)
			w.lastMtime = m
			w.pending = true
		}
	}
	if w.running {
		return TriggerNone
	}

	due := w.spec.UpgraderActiveSec > 0 && now.Sub(w.lastRun) >= w.spec.UpgraderActiveSec
	switch {
	case len(w.spec.Upgrader) > 0 && (w.pending || due):
		w.pending = false
		w.running = true
		w.lastRun = now
		return TriggerRunUpgrader
	case w.pending:
		w.pending = false
		return TriggerUpgrade
	}
	return TriggerNone
}

// Rebase forgets a pending binary change; called whenever a generation is
// spawned, since that generation already runs the new binary.
func (w *AutoUpgradeWatcher) Rebase() {
	if w.binary != "" {
		w.lastMtime = w.mtime()
	}
	w.pending = false
}

// Defer re-arms a binary change trigger that could not be acted on yet.
func (w *AutoUpgradeWatcher) Defer() { w.pending = true }

// Finished records the end of an upgrader run.
func (w *AutoUpgradeWatcher) Finished() { w.running = false }

// Running reports whether an upgrader run is in flight.
func (w *AutoUpgradeWatcher) Running() bool { return w.running }

// Run executes the upgrader to completion, killing it after upgrader_timeout.
func (w *AutoUpgradeWatcher) Run(ctx context.Context, stdout, stderr io.Writer) error {
	timeout := w.spec.UpgraderTimeout
	if timeout == 0 {
		timeout = consts.DefaultUpgraderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := w.spec.Upgrader
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = w.spec.WorkingDirectory
	cmd.Env = append(append(os.Environ(), w.spec.Environments...), consts.EnvGroup+"="+w.spec.Name)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	cmd.WaitDelay = time.Second

	w.log.Info("AutoUpgrade: Running upgrader", "cmd", argv)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return verrors.New(verrors.ErrCodeUpgraderFailed, "RunUpgrader", strings.Join(argv, " "), err)
	}
	return nil
}

// Personal.AI order the ending
