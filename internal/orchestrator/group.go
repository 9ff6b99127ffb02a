// Package orchestrator runs worker groups: one decision loop per group that
// owns its generations, applies the restart policy, drives upgrades and
// answers control commands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sharnoff/chord"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sys/unix"

	"github.com/turtacn/vigil/internal/control"
	"github.com/turtacn/vigil/internal/logsink"
	"github.com/turtacn/vigil/internal/monitor"
	"github.com/turtacn/vigil/internal/resource"
	"github.com/turtacn/vigil/internal/supervisor"
	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/fsm"
	"github.com/turtacn/vigil/pkg/logger"
	"github.com/turtacn/vigil/pkg/protocol"
)

type groupEvent string

const (
	geWait      groupEvent = "wait"
	geStart     groupEvent = "start"
	geStop      groupEvent = "stop"
	geStopped   groupEvent = "stopped"
	geExhausted groupEvent = "exhausted"
	geFail      groupEvent = "fail"
)

// Events consumed by the decision loop.
type (
	exitEvent struct {
		inst   *supervisor.Instance
		status supervisor.ExitStatus
	}
	spawnEvent      struct{ key slotKey }
	activationEvent struct{ err error }
	upgraderEvent   struct{ err error }
	wakeEvent       struct{}
)

type slotKey struct {
	seq  uint64
	slot int
}

type request struct {
	req   protocol.Request
	reply chan protocol.Response
}

// shutdownSlack is added to the graceful timeout before a shutdown gives up
// on processes that survive SIGKILL.
const shutdownSlack = 5 * time.Second

var errShutdown = errors.New("supervisor shutting down")

// Options are the daemon wide settings a group needs.
type Options struct {
	Binder      *resource.SocketBinder
	StateDir    string
	ControlSock string
	Tick        time.Duration
	Logger      logger.Logger
}

// Group supervises one worker group. It implements suture.Service; all of
// its mutable state is owned by the goroutine running Serve.
type Group struct {
	spec *protocol.GroupSpec
	opts Options
	log  logger.Logger

	events   chan any
	reqs     chan request
	quit     chan struct{}
	quitOnce sync.Once
	status   atomic.Pointer[protocol.GroupStatus]
	waiters  *chord.TaskGroup
	bg       context.Context
	bgCancel context.CancelFunc

	// Owned by the decision loop.
	initialized  bool
	finished     bool
	sm           *fsm.StateMachine[consts.GroupState, groupEvent]
	sockets      *resource.SocketSet
	stdout       io.Writer
	stderr       io.Writer
	closers      []io.Closer
	policy       *supervisor.RestartPolicy
	health       *supervisor.HealthMonitor
	watcher      *AutoUpgradeWatcher
	current      *supervisor.Generation
	upgrade      *upgrade
	retiring     []*supervisor.Generation
	nextSeq      uint64
	timers       map[slotKey]*time.Timer
	activation   context.CancelFunc
	lastUpgrade  *protocol.UpgradeStatus
	lastAbnormal bool
}

// NewGroup creates the supervisor of spec. Nothing is bound or spawned until
// Serve runs.
func NewGroup(spec protocol.GroupSpec, opts Options) *Group {
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	if opts.Tick <= 0 {
		opts.Tick = consts.DefaultTick
	}
	bg, cancel := context.WithCancel(context.Background())
	g := &Group{
		spec:     &spec,
		opts:     opts,
		log:      opts.Logger.With("group", spec.Name),
		events:   make(chan any, 128),
		reqs:     make(chan request),
		quit:     make(chan struct{}),
		waiters:  chord.NewTaskGroup(spec.Name),
		bg:       bg,
		bgCancel: cancel,
		sm:       fsm.New[consts.GroupState, groupEvent](consts.GroupPending),
		policy:   supervisor.NewRestartPolicy(&spec),
		health:   supervisor.NewHealthMonitor(opts.StateDir, &spec),
		timers:   make(map[slotKey]*time.Timer),
	}
	g.setupFSM()
	g.publish()
	return g
}

func (g *Group) setupFSM() {
	onStart := func(from, to consts.GroupState, ev groupEvent) error {
		g.spawnGeneration()
		return nil
	}

	g.sm.AddTransition(consts.GroupPending, consts.GroupRunning, geStart, onStart)
	g.sm.AddTransition(consts.GroupPending, consts.GroupWaiting, geWait, nil)
	g.sm.AddTransition(consts.GroupPending, consts.GroupFailed, geFail, nil)
	g.sm.AddTransition(consts.GroupPending, consts.GroupStopped, geStop, nil)

	// Socket activation
	g.sm.AddTransition(consts.GroupWaiting, consts.GroupRunning, geStart, onStart)
	g.sm.AddTransition(consts.GroupWaiting, consts.GroupStopped, geStop, nil)

	g.sm.AddTransition(consts.GroupRunning, consts.GroupStopping, geStop, nil)
	g.sm.AddTransition(consts.GroupRunning, consts.GroupStopped, geExhausted, nil)
	g.sm.AddTransition(consts.GroupRunning, consts.GroupFailed, geFail, nil)

	g.sm.AddTransition(consts.GroupStopping, consts.GroupStopped, geStopped, nil)
	g.sm.AddTransition(consts.GroupStopping, consts.GroupRunning, geStart, onStart)
	g.sm.AddTransition(consts.GroupStopped, consts.GroupRunning, geStart, onStart)
	g.sm.AddTransition(consts.GroupFailed, consts.GroupRunning, geStart, onStart)
	g.sm.AddTransition(consts.GroupFailed, consts.GroupStopped, geStop, nil)
}

func (g *Group) fire(ev groupEvent) {
	if err := g.sm.Fire(ev); err != nil {
		g.log.Debug("Group: Ignored transition", "event", ev, "err", err)
	}
}

// Name returns the group name.
func (g *Group) Name() string { return g.spec.Name }

func (g *Group) String() string { return "group:" + g.spec.Name }

// Status returns the last published snapshot without touching the loop.
func (g *Group) Status() protocol.GroupStatus {
	return *g.status.Load()
}

// Done is closed once the group has shut down or failed to start.
func (g *Group) Done() <-chan struct{} { return g.quit }

// Do runs a command on the decision loop and waits for its answer. Status is
// answered from the published snapshot.
func (g *Group) Do(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Action == protocol.ActionStatus {
		st := g.Status()
		return protocol.Response{OK: true, Status: &st}
	}

	r := request{req: req, reply: make(chan protocol.Response, 1)}
	select {
	case g.reqs <- r:
	case <-g.quit:
		return control.ErrorResponse(verrors.New(verrors.ErrCodeGroupNotRunning, string(req.Action),
			fmt.Sprintf("group %s is %s", g.spec.Name, g.Status().State), nil))
	case <-ctx.Done():
		return control.ErrorResponse(ctx.Err())
	}

	select {
	case resp := <-r.reply:
		return resp
	case <-ctx.Done():
		return control.ErrorResponse(ctx.Err())
	}
}

// Serve runs the decision loop until ctx is cancelled. A bind failure ends
// the group for good; after a panic the loop resumes with its state intact.
func (g *Group) Serve(ctx context.Context) error {
	if g.finished {
		return suture.ErrDoNotRestart
	}
	if !g.initialized {
		if err := g.init(); err != nil {
			g.log.Error("Group: Startup failed", "err", err)
			g.fire(geFail)
			g.finished = true
			g.publish()
			g.finish()
			return fmt.Errorf("%w: %w", suture.ErrDoNotRestart, err)
		}
		g.initialized = true
		g.boot()
	}
	return g.loop(ctx)
}

func (g *Group) init() error {
	if len(g.spec.Sockets) > 0 {
		set, err := g.opts.Binder.Acquire(g.spec.Sockets)
		if err != nil {
			return err
		}
		g.sockets = set
	}

	var err error
	var c io.Closer
	if g.stdout, c, err = logsink.OpenOrDefault(g.spec.Stdout, os.Stdout); err != nil {
		return err
	}
	g.closers = append(g.closers, c)
	if g.stderr, c, err = logsink.OpenOrDefault(g.spec.Stderr, os.Stderr); err != nil {
		g.closeSinks()
		return err
	}
	g.closers = append(g.closers, c)

	g.watcher = NewAutoUpgradeWatcher(g.spec, g.log)
	if g.watcher != nil {
		if err := g.watcher.Watch(g.wake); err != nil {
			g.log.Warn("AutoUpgrade: File watch unavailable, polling only", "err", err)
		}
	}
	return nil
}

func (g *Group) boot() {
	if g.spec.StartImmediate || g.sockets == nil {
		g.fire(geStart)
	} else {
		g.log.Info("Group: Waiting for first connection", "sockets", g.sockets.Addrs())
		g.fire(geWait)
		g.armActivation()
	}
	g.publish()
}

func (g *Group) loop(ctx context.Context) error {
	ticker := time.NewTicker(g.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return ctx.Err()
		case ev := <-g.events:
			g.handleEvent(ev)
		case r := <-g.reqs:
			r.reply <- g.handleRequest(r.req)
		case now := <-ticker.C:
			g.tick(now)
		}
		g.publish()
	}
}

func (g *Group) tickInterval() time.Duration {
	d := g.opts.Tick
	if g.health != nil && g.health.Interval() < d {
		d = g.health.Interval()
	}
	return d
}

func (g *Group) post(ev any) {
	select {
	case g.events <- ev:
	case <-g.quit:
	}
}

func (g *Group) wake() {
	select {
	case g.events <- wakeEvent{}:
	default:
	}
}

func (g *Group) finish() {
	g.quitOnce.Do(func() { close(g.quit) })
}

func (g *Group) handleEvent(ev any) {
	switch e := ev.(type) {
	case exitEvent:
		g.onExit(e)
	case spawnEvent:
		g.onSpawnTimer(e.key)
	case activationEvent:
		g.onActivation(e.err)
	case upgraderEvent:
		g.onUpgraderDone(e.err)
	case wakeEvent:
		now := time.Now()
		g.evaluateUpgrade(now)
		g.pollWatcher(now)
	}
}

func (g *Group) tick(now time.Time) {
	g.escalate(now)
	g.checkHealth(now)
	g.evaluateUpgrade(now)
	g.pollWatcher(now)
}

// spawnGeneration replaces nothing: it makes a fresh generation current.
func (g *Group) spawnGeneration() {
	gen := g.newGeneration()
	g.current = gen
	g.lastAbnormal = false
	if g.watcher != nil {
		g.watcher.Rebase()
	}
	g.log.Info("Group: Starting generation", "generation", gen.Seq, "processes", len(gen.Slots))
	g.scheduleSpawns(gen)
}

func (g *Group) newGeneration() *supervisor.Generation {
	g.nextSeq++
	var lease *resource.Lease
	if g.sockets != nil {
		lease = g.sockets.Retain()
	}
	return supervisor.NewGeneration(g.nextSeq, g.spec, lease)
}

// scheduleSpawns starts every slot of gen, warmup_delay apart.
func (g *Group) scheduleSpawns(gen *supervisor.Generation) {
	for slot := range gen.Slots {
		delay := time.Duration(slot) * g.spec.WarmupDelay
		if delay <= 0 {
			g.spawnSlot(gen, slot)
		} else {
			g.armTimer(slotKey{gen.Seq, slot}, delay)
		}
		if !g.isActive(gen) {
			return
		}
	}
}

func (g *Group) armTimer(key slotKey, delay time.Duration) {
	if _, ok := g.timers[key]; ok {
		return
	}
	g.timers[key] = time.AfterFunc(delay, func() { g.post(spawnEvent{key}) })
}

func (g *Group) cancelTimers(seq uint64) {
	for key, t := range g.timers {
		if key.seq == seq {
			t.Stop()
			delete(g.timers, key)
		}
	}
}

func (g *Group) hasTimers(seq uint64) bool {
	for key := range g.timers {
		if key.seq == seq {
			return true
		}
	}
	return false
}

func (g *Group) onSpawnTimer(key slotKey) {
	if _, ok := g.timers[key]; !ok {
		return
	}
	delete(g.timers, key)
	gen := g.activeBySeq(key.seq)
	if gen == nil || gen.Slots[key.slot] != nil || !g.sm.Is(consts.GroupRunning) {
		return
	}
	g.spawnSlot(gen, key.slot)
}

func (g *Group) spawnSlot(gen *supervisor.Generation, slot int) {
	opts := supervisor.SpawnOptions{
		Group:       g.spec.Name,
		Generation:  gen.Seq,
		Slot:        slot,
		Spec:        gen.Spec,
		Sockets:     gen.Sockets(),
		ControlSock: g.opts.ControlSock,
		Stdout:      g.stdout,
		Stderr:      g.stderr,
	}
	if g.health != nil {
		path, err := g.health.Prepare(gen.Seq, slot)
		if err != nil {
			g.log.Warn("Health: Cannot prepare live check file", "slot", slot, "err", err)
		} else {
			opts.LiveCheckFile = path
		}
	}

	inst, err := supervisor.Spawn(opts)
	if err != nil {
		g.onSpawnError(gen, slot, err)
		return
	}
	gen.Put(inst)
	if opts.LiveCheckFile != "" {
		g.health.Track(inst.PID(), opts.LiveCheckFile)
	}

	g.waiters.Add("wait")
	go func() {
		defer g.waiters.Done("wait")
		st := inst.Wait()
		g.post(exitEvent{inst: inst, status: st})
	}()

	g.evaluateUpgrade(time.Now())
}

func (g *Group) onSpawnError(gen *supervisor.Generation, slot int, err error) {
	g.log.Error("Group: Spawn failed", "generation", gen.Seq, "slot", slot, "err", err)
	if u := g.upgrade; u != nil && gen == u.gen {
		g.abortUpgrade(resultFailed, err)
		return
	}
	if gen != g.current {
		return
	}
	if g.policy.DecideSpawnError() {
		monitor.RestartTotal.WithLabelValues(g.spec.Name, supervisor.ReasonSpawn).Inc()
		g.armTimer(slotKey{gen.Seq, slot}, g.policy.Delay(time.Now()))
		return
	}
	g.lastAbnormal = true
	g.checkExhausted()
}

func (g *Group) onExit(ev exitEvent) {
	inst := ev.inst
	pid := ev.status.PID
	if g.health != nil {
		g.health.Forget(pid)
	}

	for i, gen := range g.retiring {
		if gen.Remove(inst) {
			if gen.Empty() {
				gen.Release()
				g.retiring = append(g.retiring[:i], g.retiring[i+1:]...)
				g.log.Info("Group: Generation retired", "generation", gen.Seq)
			}
			g.checkStopped()
			return
		}
	}

	gen := g.activeBySeq(inst.Generation)
	if gen == nil || !gen.Remove(inst) {
		return
	}
	if u := g.upgrade; u != nil && gen == u.gen {
		u.ack.Forget(pid)
	}

	respawn, reason := g.policy.Decide(inst, ev.status)
	if respawn && g.sm.Is(consts.GroupRunning) {
		delay := g.policy.Delay(time.Now())
		monitor.RestartTotal.WithLabelValues(g.spec.Name, reason).Inc()
		g.log.Info("Group: Respawning", "generation", gen.Seq, "slot", inst.Slot,
			"status", ev.status.String(), "reason", reason, "delay", delay)
		g.armTimer(slotKey{gen.Seq, inst.Slot}, delay)
		return
	}

	g.lastAbnormal = !ev.status.Success() || inst.Unhealthy()
	if u := g.upgrade; u != nil && gen == u.gen {
		g.abortUpgrade(resultFailed, fmt.Errorf("process %d of generation %d exited: %s", pid, gen.Seq, ev.status))
		return
	}
	g.checkExhausted()
}

// checkExhausted moves a running group whose current generation has no
// process left, and none coming, to stopped or failed.
func (g *Group) checkExhausted() {
	cur := g.current
	if cur == nil || g.upgrade != nil || !vacant(cur) || g.hasTimers(cur.Seq) || !g.sm.Is(consts.GroupRunning) {
		return
	}
	cur.Release()
	g.current = nil
	if g.lastAbnormal {
		g.log.Warn("Group: All processes exited abnormally", "generation", cur.Seq)
		g.fire(geFail)
	} else {
		g.log.Info("Group: All processes exited", "generation", cur.Seq)
		g.fire(geExhausted)
	}
}

// vacant reports whether every slot of gen has been reaped. Unlike Empty it
// ignores processes that exited but whose exit was not handled yet.
func vacant(gen *supervisor.Generation) bool {
	for _, inst := range gen.Slots {
		if inst != nil {
			return false
		}
	}
	return true
}

func (g *Group) checkStopped() {
	if g.sm.Is(consts.GroupStopping) && len(g.retiring) == 0 {
		g.log.Info("Group: Stopped")
		g.fire(geStopped)
	}
}

// escalate SIGKILLs processes that outlived their grace period.
func (g *Group) escalate(now time.Time) {
	for _, gen := range g.generations() {
		for _, inst := range gen.Live() {
			if inst.TerminationOverdue(now) {
				if err := inst.Kill(); err != nil {
					g.log.Warn("Group: SIGKILL failed", "pid", inst.PID(), "err", err)
				}
			}
		}
	}
}

func (g *Group) checkHealth(now time.Time) {
	if g.health == nil {
		return
	}
	for _, pid := range g.health.Check(now) {
		inst, _ := g.lookup(pid, "")
		if inst == nil || inst.State() == consts.StateTerminating {
			continue
		}
		err := verrors.New(verrors.ErrCodeHealthCheckStale, "LiveCheck", fmt.Sprintf("pid %d", pid), nil)
		g.log.Warn("Health: Process unresponsive, killing", "pid", pid, "err", err)
		monitor.HealthFailures.WithLabelValues(g.spec.Name).Inc()
		if err := inst.MarkUnhealthy(); err != nil {
			g.log.Warn("Health: SIGKILL failed", "pid", pid, "err", err)
		}
	}
}

func (g *Group) armActivation() {
	ctx, cancel := context.WithCancel(g.bg)
	g.activation = cancel
	set := g.sockets

	g.waiters.Add("activation")
	go func() {
		defer g.waiters.Done("activation")
		g.post(activationEvent{err: set.WaitActivity(ctx)})
	}()
}

func (g *Group) stopActivation() {
	if g.activation != nil {
		g.activation()
		g.activation = nil
	}
}

func (g *Group) onActivation(err error) {
	g.activation = nil
	if !g.sm.Is(consts.GroupWaiting) || errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		g.log.Warn("Group: Activation wait failed, starting now", "err", err)
	} else {
		g.log.Info("Group: Connection pending, starting processes")
	}
	g.fire(geStart)
}

func (g *Group) pollWatcher(now time.Time) {
	if g.watcher == nil || !g.sm.Is(consts.GroupRunning) {
		return
	}
	switch g.watcher.Poll(now) {
	case TriggerUpgrade:
		if _, err := g.startUpgrade("command changed"); err != nil {
			if verrors.HasCode(err, verrors.ErrCodeUpgradeInProgress) {
				g.watcher.Defer()
			}
			g.log.Warn("AutoUpgrade: Upgrade not started", "err", err)
		}
	case TriggerRunUpgrader:
		w := g.watcher
		g.waiters.Add("upgrader")
		go func() {
			defer g.waiters.Done("upgrader")
			g.post(upgraderEvent{err: w.Run(g.bg, g.stdout, g.stderr)})
		}()
	}
}

func (g *Group) onUpgraderDone(err error) {
	if g.watcher != nil {
		g.watcher.Finished()
	}
	if err != nil {
		monitor.UpgraderRuns.WithLabelValues(g.spec.Name, "failed").Inc()
		g.log.Warn("AutoUpgrade: Upgrader failed, no upgrade", "err", err)
		return
	}
	monitor.UpgraderRuns.WithLabelValues(g.spec.Name, "ok").Inc()
	if !g.sm.Is(consts.GroupRunning) {
		return
	}
	if _, err := g.startUpgrade("upgrader"); err != nil {
		g.log.Warn("AutoUpgrade: Upgrade not started", "err", err)
	}
}

func (g *Group) handleRequest(req protocol.Request) protocol.Response {
	var (
		msg string
		err error
	)
	switch req.Action {
	case protocol.ActionStart:
		msg, err = g.start()
	case protocol.ActionStop:
		msg, err = g.stop()
	case protocol.ActionRestart:
		msg, err = g.restart()
	case protocol.ActionUpgrade:
		var st *protocol.UpgradeStatus
		if st, err = g.startUpgrade("control"); err == nil {
			msg = fmt.Sprintf("upgrade %s: generation %d", st.ID, st.Generation)
		}
	case protocol.ActionAck:
		msg, err = g.ack(req)
	case protocol.ActionSignal:
		msg, err = g.signal(req)
	default:
		err = verrors.New(verrors.ErrCodeInvalidCommand, "Handle", fmt.Sprintf("unknown action %q", req.Action), nil)
	}
	if err != nil {
		return control.ErrorResponse(err)
	}
	g.publish()
	st := g.Status()
	return protocol.Response{OK: true, Message: msg, Status: &st}
}

func (g *Group) start() (string, error) {
	switch g.sm.Current() {
	case consts.GroupRunning:
		return "already running", nil
	case consts.GroupWaiting:
		g.stopActivation()
	}
	if !g.sm.Can(geStart) {
		return "", verrors.New(verrors.ErrCodeGroupNotRunning, "Start",
			fmt.Sprintf("group %s is %s", g.spec.Name, g.sm.Current()), nil)
	}
	g.fire(geStart)
	return fmt.Sprintf("generation %d started", g.nextSeq), nil
}

func (g *Group) stop() (string, error) {
	if !g.sm.Is(consts.GroupRunning, consts.GroupWaiting) {
		return "", verrors.New(verrors.ErrCodeGroupNotRunning, "Stop",
			fmt.Sprintf("group %s is %s", g.spec.Name, g.sm.Current()), nil)
	}
	g.stopActivation()
	g.abortUpgrade(resultAborted, errors.New("group stopped"))
	if g.current != nil {
		g.retire(g.current)
		g.current = nil
	}
	g.fire(geStop)
	g.checkStopped()
	return "stopping", nil
}

func (g *Group) restart() (string, error) {
	g.stopActivation()
	g.abortUpgrade(resultAborted, errors.New("group restarted"))
	if g.current != nil {
		g.retire(g.current)
		g.current = nil
	}
	if g.sm.Is(consts.GroupRunning) {
		g.spawnGeneration()
	} else if g.sm.Can(geStart) {
		g.fire(geStart)
	} else {
		return "", verrors.New(verrors.ErrCodeGroupNotRunning, "Restart",
			fmt.Sprintf("group %s is %s", g.spec.Name, g.sm.Current()), nil)
	}
	return fmt.Sprintf("generation %d started", g.nextSeq), nil
}

func (g *Group) ack(req protocol.Request) (string, error) {
	if req.PID == 0 && req.Token == "" {
		return "", verrors.New(verrors.ErrCodeInvalidCommand, "Ack", "ack needs a pid or a token", nil)
	}
	inst, gen := g.lookup(req.PID, req.Token)
	if inst == nil {
		return "", verrors.New(verrors.ErrCodeAckRejected, "Ack", "no such process in this group", nil)
	}
	if gen != g.current && (g.upgrade == nil || gen != g.upgrade.gen) {
		return "", verrors.New(verrors.ErrCodeAckRejected, "Ack",
			fmt.Sprintf("process %d belongs to retiring generation %d", inst.PID(), gen.Seq), nil)
	}

	first, err := inst.Ack()
	if err != nil {
		return "", err
	}
	if u := g.upgrade; u != nil && gen == u.gen {
		u.ack.Ack(inst.PID())
		g.log.Info("Upgrade: Ack received", "id", u.id, "pid", inst.PID(),
			"acked", u.ack.Count(), "required", u.ack.Required(len(gen.Slots)))
		g.evaluateUpgrade(time.Now())
	}
	if !first {
		return fmt.Sprintf("process %d already acknowledged", inst.PID()), nil
	}
	return fmt.Sprintf("process %d acknowledged", inst.PID()), nil
}

func parseSignal(name string) syscall.Signal {
	name = strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	return unix.SignalNum(name)
}

func (g *Group) signal(req protocol.Request) (string, error) {
	sig := parseSignal(req.Signal)
	if sig == 0 {
		return "", verrors.New(verrors.ErrCodeInvalidCommand, "Signal", fmt.Sprintf("unknown signal %q", req.Signal), nil)
	}

	var targets []*supervisor.Instance
	if req.PID != 0 {
		inst, _ := g.lookup(req.PID, "")
		if inst == nil {
			return "", verrors.New(verrors.ErrCodeInvalidCommand, "Signal", fmt.Sprintf("no process %d in this group", req.PID), nil)
		}
		targets = append(targets, inst)
	} else {
		if g.current != nil {
			targets = append(targets, g.current.Live()...)
		}
		if g.upgrade != nil {
			targets = append(targets, g.upgrade.gen.Live()...)
		}
	}

	for _, inst := range targets {
		if err := inst.Signal(sig); err != nil {
			return "", fmt.Errorf("failed to signal %d: %w", inst.PID(), err)
		}
	}
	return fmt.Sprintf("%s sent to %d processes", unix.SignalName(sig), len(targets)), nil
}

// generations lists every live generation: current, next, then retiring.
func (g *Group) generations() []*supervisor.Generation {
	var out []*supervisor.Generation
	if g.current != nil {
		out = append(out, g.current)
	}
	if g.upgrade != nil {
		out = append(out, g.upgrade.gen)
	}
	return append(out, g.retiring...)
}

func (g *Group) activeBySeq(seq uint64) *supervisor.Generation {
	if g.current != nil && g.current.Seq == seq {
		return g.current
	}
	if g.upgrade != nil && g.upgrade.gen.Seq == seq {
		return g.upgrade.gen
	}
	return nil
}

func (g *Group) isActive(gen *supervisor.Generation) bool {
	return g.activeBySeq(gen.Seq) == gen
}

// lookup resolves a process by pid or ack token across all generations.
func (g *Group) lookup(pid int, token string) (*supervisor.Instance, *supervisor.Generation) {
	for _, gen := range g.generations() {
		var inst *supervisor.Instance
		if pid != 0 {
			inst = gen.Lookup(pid)
		} else if token != "" {
			inst = gen.LookupToken(token)
		}
		if inst != nil {
			return inst, gen
		}
	}
	return nil, nil
}

func (g *Group) liveCount() int {
	n := 0
	for _, gen := range g.generations() {
		n += len(gen.Live())
	}
	return n
}

func (g *Group) snapshot() *protocol.GroupStatus {
	st := &protocol.GroupStatus{
		Name:        g.spec.Name,
		State:       g.sm.Current(),
		LastUpgrade: g.lastUpgrade,
		Generations: []protocol.GenerationStatus{},
	}
	if g.sockets != nil {
		st.Sockets = g.sockets.Addrs()
	}
	if g.current != nil {
		st.Current = g.current.Seq
		st.Generations = append(st.Generations, g.current.Status("current"))
	}
	if u := g.upgrade; u != nil {
		st.Upgrade = u.status()
		st.Generations = append(st.Generations, u.gen.Status("next"))
	}
	for _, gen := range g.retiring {
		st.Generations = append(st.Generations, gen.Status("retiring"))
	}
	return st
}

func (g *Group) publish() {
	g.status.Store(g.snapshot())
	monitor.LiveProcesses.WithLabelValues(g.spec.Name).Set(float64(g.liveCount()))
}

// shutdown aborts an in-flight upgrade, stops every process gracefully and
// waits, bounded, for them to be reaped. Sockets stay with the binder.
func (g *Group) shutdown() {
	g.log.Info("Group: Shutting down")
	g.stopActivation()
	g.watcher.Close()
	g.bgCancel()
	g.abortUpgrade(resultAborted, errShutdown)
	for key, t := range g.timers {
		t.Stop()
		delete(g.timers, key)
	}
	if g.current != nil {
		g.retire(g.current)
		g.current = nil
	}
	if g.sm.Can(geStop) {
		g.fire(geStop)
	}
	g.checkStopped()

	hard := time.NewTimer(g.spec.GracefulTimeout + shutdownSlack)
	defer hard.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

wait:
	for len(g.retiring) > 0 {
		select {
		case ev := <-g.events:
			if e, ok := ev.(exitEvent); ok {
				g.onExit(e)
			}
		case now := <-ticker.C:
			g.escalate(now)
		case <-hard.C:
			g.log.Error("Group: Processes survived shutdown", "count", g.liveCount())
			break wait
		}
	}

	g.finished = true
	g.publish()
	g.finish()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.waiters.TryWait(ctx); err != nil {
		g.log.Warn("Group: Background tasks still running", "tasks", g.waiters.Tasks())
	}
	g.closeSinks()
}

func (g *Group) closeSinks() {
	for _, c := range g.closers {
		c.Close()
	}
	g.closers = nil
}

// Personal.AI order the ending
