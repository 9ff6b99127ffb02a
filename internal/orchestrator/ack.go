package orchestrator

import (
	"time"

	"github.com/turtacn/vigil/internal/supervisor"
	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

// AckState decides when a new generation is ready to take over. It resolves
// at most once.
type AckState struct {
	Mode     consts.AckMode
	Scope    consts.AckScope
	Deadline time.Time

	acked    map[int]struct{}
	resolved bool
}

// NewAckState starts tracking readiness of a generation spawned at start.
func NewAckState(spec *protocol.GroupSpec, start time.Time) *AckState {
	return &AckState{
		Mode:     spec.Ack,
		Scope:    spec.AckScope,
		Deadline: start.Add(spec.AckTimeout),
		acked:    make(map[int]struct{}),
	}
}

// Ack records readiness of pid. It reports false for a duplicate, for an
// ack arriving after resolution, and outside manual mode.
func (a *AckState) Ack(pid int) bool {
	if a.resolved || a.Mode != consts.AckManual {
		return false
	}
	if _, dup := a.acked[pid]; dup {
		return false
	}
	a.acked[pid] = struct{}{}
	return true
}

// Forget drops the ack of a process that exited before resolution; its
// replacement has to ack on its own.
func (a *AckState) Forget(pid int) {
	if !a.resolved {
		delete(a.acked, pid)
	}
}

// Evaluate reports true exactly once: on the call that finds gen ready.
func (a *AckState) Evaluate(gen *supervisor.Generation, now time.Time) bool {
	if a.resolved || !a.ready(gen, now) {
		return false
	}
	a.resolved = true
	return true
}

func (a *AckState) ready(gen *supervisor.Generation, now time.Time) bool {
	switch a.Mode {
	case consts.AckNone:
		return gen.FullyStarted()
	case consts.AckManual:
		if a.Scope == consts.AckScopeGroup {
			return len(a.acked) > 0
		}
		if !gen.FullyStarted() {
			return false
		}
		for _, inst := range gen.Slots {
			if _, ok := a.acked[inst.PID()]; !ok {
				return false
			}
		}
		return true
	default:
		return gen.FullyStarted() && !now.Before(a.Deadline)
	}
}

func (a *AckState) Resolved() bool { return a.resolved }

// Count returns the number of acks received so far.
func (a *AckState) Count() int { return len(a.acked) }

// Required returns how many acks resolve a manual generation of n processes.
func (a *AckState) Required(n int) int {
	switch {
	case a.Mode != consts.AckManual:
		return 0
	case a.Scope == consts.AckScopeGroup:
		return 1
	default:
		return n
	}
}

// Personal.AI order the ending
