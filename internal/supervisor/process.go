// Package supervisor holds the per-process building blocks of a worker group:
// spawned instances, generations, the restart policy and the liveness monitor.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/turtacn/vigil/internal/resource"
	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/fsm"
	"github.com/turtacn/vigil/pkg/logger"
	"github.com/turtacn/vigil/pkg/protocol"
)

type processEvent string

const (
	evStarted   processEvent = "started"
	evAck       processEvent = "ack"
	evTerminate processEvent = "terminate"
	evExit      processEvent = "exit"
)

// waitDelay bounds how long Wait keeps copying output after the child exited
// while a grandchild still holds the pipe.
const waitDelay = 2 * time.Second

func newProcessMachine() *fsm.StateMachine[consts.ProcessState, processEvent] {
	sm := fsm.New[consts.ProcessState, processEvent](consts.StateStarting)
	sm.AddTransition(consts.StateStarting, consts.StateRunning, evStarted, nil)
	sm.AddTransition(consts.StateRunning, consts.StateAcked, evAck, nil)
	for _, s := range []consts.ProcessState{consts.StateStarting, consts.StateRunning, consts.StateAcked} {
		sm.AddTransition(s, consts.StateTerminating, evTerminate, nil)
		sm.AddTransition(s, consts.StateExited, evExit, nil)
	}
	sm.AddTransition(consts.StateTerminating, consts.StateExited, evExit, nil)
	sm.Terminal(consts.StateExited)
	return sm
}

// SpawnOptions carries everything needed to launch one process of a generation.
type SpawnOptions struct {
	Group         string
	Generation    uint64
	Slot          int
	Spec          *protocol.GroupSpec
	Sockets       *resource.SocketSet
	ControlSock   string
	LiveCheckFile string
	Stdout        io.Writer
	Stderr        io.Writer
}

// Instance is one spawned OS process. Its state is changed by the owning
// group's decision loop; only Wait runs on another goroutine.
type Instance struct {
	Generation uint64
	Slot       int

	token     string
	spawnedAt time.Time
	cmd       *exec.Cmd
	sm        *fsm.StateMachine[consts.ProcessState, processEvent]
	log       logger.Logger

	stopRequested atomic.Bool
	unhealthy     atomic.Bool
	killed        atomic.Bool
	deadline      time.Time
}

// Spawn launches the process described by opts. The listeners of opts.Sockets
// appear at fd 3 onwards in the child.
func Spawn(opts SpawnOptions) (*Instance, error) {
	spec := opts.Spec
	if spec == nil || len(spec.Command) == 0 {
		return nil, verrors.New(verrors.ErrCodeProcessStartFail, "Spawn", "empty command", nil)
	}

	inst := &Instance{
		Generation: opts.Generation,
		Slot:       opts.Slot,
		token:      xid.New().String(),
		sm:         newProcessMachine(),
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = inst.environ(opts)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.WaitDelay = waitDelay
	if opts.Sockets != nil {
		cmd.ExtraFiles = opts.Sockets.Files()
	}
	setProcAttr(cmd)
	// The credential switch happens in the child after the inherited
	// descriptors are in place, so dropping privileges never loses them.
	if spec.UID != nil || spec.GID != nil {
		cred := &syscall.Credential{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid()), NoSetGroups: true}
		if spec.UID != nil {
			cred.Uid = *spec.UID
		}
		if spec.GID != nil {
			cred.Gid = *spec.GID
		}
		cmd.SysProcAttr.Credential = cred
	}

	if err := cmd.Start(); err != nil {
		_ = inst.sm.Fire(evExit)
		return nil, verrors.New(verrors.ErrCodeProcessStartFail, "Spawn", strings.Join(spec.Command, " "), err)
	}

	inst.cmd = cmd
	inst.spawnedAt = time.Now()
	inst.log = logger.Log.With("group", opts.Group, "generation", opts.Generation, "slot", opts.Slot, "pid", cmd.Process.Pid)
	_ = inst.sm.Fire(evStarted)
	inst.log.Info("Supervisor: Process started", "cmd", spec.Command)
	return inst, nil
}

func (i *Instance) environ(opts SpawnOptions) []string {
	own := map[string]bool{
		consts.EnvInheritedFDs: true, consts.EnvListenAddrs: true, consts.EnvGroup: true,
		consts.EnvGeneration: true, consts.EnvSlot: true, consts.EnvAckToken: true,
		consts.EnvControlSock: true, consts.EnvLiveCheckFile: true,
	}
	var env []string
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if !own[k] {
			env = append(env, kv)
		}
	}
	env = append(env, opts.Spec.Environments...)
	env = append(env,
		consts.EnvGroup+"="+opts.Group,
		consts.EnvGeneration+"="+strconv.FormatUint(opts.Generation, 10),
		consts.EnvSlot+"="+strconv.Itoa(opts.Slot),
		consts.EnvAckToken+"="+i.token,
	)
	if opts.Sockets != nil && opts.Sockets.Len() > 0 {
		env = append(env,
			fmt.Sprintf("%s=%d", consts.EnvInheritedFDs, opts.Sockets.Len()),
			consts.EnvListenAddrs+"="+strings.Join(opts.Sockets.ListenAddrs(), ","),
		)
	}
	if opts.ControlSock != "" {
		env = append(env, consts.EnvControlSock+"="+opts.ControlSock)
	}
	if opts.LiveCheckFile != "" {
		env = append(env, consts.EnvLiveCheckFile+"="+opts.LiveCheckFile)
	}
	return env
}

func (i *Instance) PID() int                   { return i.cmd.Process.Pid }
func (i *Instance) Token() string              { return i.token }
func (i *Instance) SpawnedAt() time.Time       { return i.spawnedAt }
func (i *Instance) State() consts.ProcessState { return i.sm.Current() }

// Live reports whether the process has not been reaped yet.
func (i *Instance) Live() bool { return !i.sm.Is(consts.StateExited) }

// StopRequested reports whether the supervisor asked this process to go away.
// Such an exit is never a reason to respawn.
func (i *Instance) StopRequested() bool { return i.stopRequested.Load() }

// Unhealthy reports whether the process was killed for a stale live check.
func (i *Instance) Unhealthy() bool { return i.unhealthy.Load() }

// Ack marks the process ready. It reports false if it already was.
func (i *Instance) Ack() (bool, error) {
	switch i.sm.Current() {
	case consts.StateAcked:
		return false, nil
	case consts.StateRunning:
		return true, i.sm.Fire(evAck)
	default:
		return false, verrors.New(verrors.ErrCodeAckRejected, "Ack",
			fmt.Sprintf("process %d is %s", i.PID(), i.sm.Current()), nil)
	}
}

// Signal delivers sig to the process group of the child.
func (i *Instance) Signal(sig syscall.Signal) error {
	if !i.Live() {
		return nil
	}
	err := unix.Kill(-i.PID(), sig)
	if errors.Is(err, unix.ESRCH) {
		// Not a group leader any more; signal the pid itself.
		err = i.cmd.Process.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

// Terminate sends SIGTERM and starts the grace period. Calling it again is a no-op.
func (i *Instance) Terminate(grace time.Duration) error {
	i.stopRequested.Store(true)
	if !i.sm.Can(evTerminate) {
		return nil
	}
	_ = i.sm.Fire(evTerminate)
	i.deadline = time.Now().Add(grace)
	i.log.Info("Supervisor: Sending SIGTERM", "grace", grace)
	return i.Signal(syscall.SIGTERM)
}

// TerminationOverdue reports whether a terminating process outlived its grace
// period and has not been killed yet.
func (i *Instance) TerminationOverdue(now time.Time) bool {
	return i.sm.Is(consts.StateTerminating) && !i.killed.Load() && !now.Before(i.deadline)
}

// Kill sends SIGKILL to the process group.
func (i *Instance) Kill() error {
	i.killed.Store(true)
	i.log.Warn("Supervisor: Sending SIGKILL")
	return i.Signal(syscall.SIGKILL)
}

// MarkUnhealthy kills the process and flags its exit as abnormal.
func (i *Instance) MarkUnhealthy() error {
	i.unhealthy.Store(true)
	return i.Kill()
}

// Wait blocks until the process exits and reaps it.
func (i *Instance) Wait() ExitStatus {
	err := i.cmd.Wait()
	_ = i.sm.Fire(evExit)

	st := ExitStatus{PID: i.PID()}
	ps := i.cmd.ProcessState
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Code = -1
		st.Signal = ws.Signal()
	} else {
		st.Code = ps.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// Output copying problems, e.g. WaitDelay expiring.
		st.Err = err
	}
	i.log.Info("Supervisor: Process exited", "status", st.String())
	return st
}

// ExitStatus is the reaped outcome of a process.
type ExitStatus struct {
	PID    int
	Code   int
	Signal syscall.Signal
	Err    error
}

// Success reports a clean exit with status 0.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == 0
}

func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return "signal: " + s.Signal.String()
	}
	return "exit status " + strconv.Itoa(s.Code)
}

// Personal.AI order the ending
