package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/vigil/internal/monitor"
	"github.com/turtacn/vigil/internal/supervisor"
	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/protocol"
)

// Upgrade results.
const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
	resultAborted   = "aborted"
)

// upgrade is the single in-flight generation replacement of a group.
type upgrade struct {
	id        string
	reason    string
	gen       *supervisor.Generation
	ack       *AckState
	startedAt time.Time
	wake      *time.Timer
}

func (u *upgrade) status() *protocol.UpgradeStatus {
	return &protocol.UpgradeStatus{
		ID:         u.id,
		Generation: u.gen.Seq,
		Reason:     u.reason,
		Ack:        u.ack.Mode,
		Acked:      u.ack.Count(),
		Required:   u.ack.Required(len(u.gen.Slots)),
		StartedAt:  u.startedAt,
	}
}

// startUpgrade spawns the next generation next to the current one. The old
// generation is not touched until the new one is acknowledged.
func (g *Group) startUpgrade(reason string) (*protocol.UpgradeStatus, error) {
	if u := g.upgrade; u != nil {
		return nil, verrors.New(verrors.ErrCodeUpgradeInProgress, "Upgrade",
			fmt.Sprintf("upgrade %s to generation %d in progress", u.id, u.gen.Seq), nil)
	}
	if !g.sm.Is(consts.GroupRunning) || g.current == nil {
		return nil, verrors.New(verrors.ErrCodeGroupNotRunning, "Upgrade",
			fmt.Sprintf("group %s is %s", g.spec.Name, g.sm.Current()), nil)
	}

	gen := g.newGeneration()
	u := &upgrade{
		id:        uuid.NewString(),
		reason:    reason,
		gen:       gen,
		ack:       NewAckState(g.spec, gen.StartedAt),
		startedAt: gen.StartedAt,
	}
	g.upgrade = u
	g.log.Info("Upgrade: Spawning new generation", "id", u.id, "from", g.current.Seq,
		"to", gen.Seq, "reason", reason, "ack", u.ack.Mode)

	if u.ack.Mode == consts.AckTimer {
		u.wake = time.AfterFunc(time.Until(u.ack.Deadline), g.wake)
	}
	if g.watcher != nil {
		g.watcher.Rebase()
	}
	g.scheduleSpawns(gen)

	if g.upgrade != u {
		// Resolved or aborted while spawning synchronously.
		if last := g.lastUpgrade; last != nil && last.ID == u.id && last.Result != resultSucceeded {
			return last, verrors.New(verrors.ErrCodeProcessStartFail, "Upgrade", last.Error, nil)
		}
		return g.lastUpgrade, nil
	}
	return u.status(), nil
}

// evaluateUpgrade completes the upgrade once its ack state resolves.
func (g *Group) evaluateUpgrade(now time.Time) {
	if u := g.upgrade; u != nil && u.ack.Evaluate(u.gen, now) {
		g.completeUpgrade(now)
	}
}

func (g *Group) completeUpgrade(now time.Time) {
	u := g.upgrade
	g.upgrade = nil
	if u.wake != nil {
		u.wake.Stop()
	}

	old := g.current
	g.current = u.gen
	g.lastAbnormal = false
	if old != nil {
		g.log.Info("Upgrade: Acknowledged, retiring old generation", "id", u.id, "old", old.Seq, "new", u.gen.Seq)
		g.retire(old)
	}

	st := u.status()
	st.Result = resultSucceeded
	g.lastUpgrade = st
	monitor.UpgradesTotal.WithLabelValues(g.spec.Name, resultSucceeded).Inc()
	monitor.HandoverDuration.WithLabelValues(g.spec.Name).Observe(now.Sub(u.startedAt).Seconds())
}

// abortUpgrade tears the new generation down and leaves the old one serving.
func (g *Group) abortUpgrade(result string, cause error) {
	u := g.upgrade
	if u == nil {
		return
	}
	g.upgrade = nil
	if u.wake != nil {
		u.wake.Stop()
	}

	g.log.Warn("Upgrade: Aborted, keeping current generation", "id", u.id, "generation", u.gen.Seq,
		"result", result, "err", cause)
	g.retire(u.gen)

	st := u.status()
	st.Result = result
	st.Error = cause.Error()
	g.lastUpgrade = st
	monitor.UpgradesTotal.WithLabelValues(g.spec.Name, result).Inc()

	g.checkExhausted()
}

// retire sends every live process of gen the graceful stop signal. The
// generation's socket lease is released once its last process is reaped.
func (g *Group) retire(gen *supervisor.Generation) {
	g.cancelTimers(gen.Seq)
	live := gen.Live()
	if len(live) == 0 {
		gen.Release()
		return
	}
	for _, inst := range live {
		if err := inst.Terminate(g.spec.GracefulTimeout); err != nil {
			g.log.Warn("Group: Failed to signal process", "pid", inst.PID(), "err", err)
		}
	}
	g.retiring = append(g.retiring, gen)
}

// Personal.AI order the ending
