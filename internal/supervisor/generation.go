package supervisor

import (
	"time"

	"github.com/turtacn/vigil/internal/resource"
	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

// Generation is one cohort of processes spawned from the same configuration snapshot.
// Slot i holds the live process for that position, or nil while it is being
// (re)spawned or after it exited for good.
type Generation struct {
	Seq       uint64
	Spec      *protocol.GroupSpec
	StartedAt time.Time
	Slots     []*Instance

	lease *resource.Lease
}

// NewGeneration creates an empty generation. lease may be nil for groups
// without sockets.
func NewGeneration(seq uint64, spec *protocol.GroupSpec, lease *resource.Lease) *Generation {
	return &Generation{
		Seq:       seq,
		Spec:      spec,
		StartedAt: time.Now(),
		Slots:     make([]*Instance, spec.NumProcesses),
		lease:     lease,
	}
}

// Sockets returns the shared socket set, nil when the group has none.
func (g *Generation) Sockets() *resource.SocketSet {
	if g.lease == nil {
		return nil
	}
	return g.lease.Set()
}

// Put stores inst in its slot.
func (g *Generation) Put(inst *Instance) {
	g.Slots[inst.Slot] = inst
}

// Remove empties inst's slot if inst still occupies it.
func (g *Generation) Remove(inst *Instance) bool {
	if inst.Slot < len(g.Slots) && g.Slots[inst.Slot] == inst {
		g.Slots[inst.Slot] = nil
		return true
	}
	return false
}

// Live returns the processes that have not been reaped.
func (g *Generation) Live() []*Instance {
	var out []*Instance
	for _, inst := range g.Slots {
		if inst != nil {
			out = append(out, inst)
		}
	}
	return out
}

// Lookup finds a process by pid.
func (g *Generation) Lookup(pid int) *Instance {
	for _, inst := range g.Slots {
		if inst != nil && inst.PID() == pid {
			return inst
		}
	}
	return nil
}

// LookupToken finds a process by its ack token.
func (g *Generation) LookupToken(token string) *Instance {
	for _, inst := range g.Slots {
		if inst != nil && inst.Token() == token {
			return inst
		}
	}
	return nil
}

// FullyStarted reports whether every slot holds a process that exec'd.
func (g *Generation) FullyStarted() bool {
	for _, inst := range g.Slots {
		if inst == nil || !inst.sm.Is(consts.StateRunning, consts.StateAcked) {
			return false
		}
	}
	return true
}

// Empty reports whether no process of the generation is left.
func (g *Generation) Empty() bool {
	return len(g.Live()) == 0
}

// Release gives the socket lease back. It is safe to call repeatedly.
func (g *Generation) Release() {
	if g.lease != nil {
		g.lease.Release()
	}
}

// Status renders the generation for the control surface.
func (g *Generation) Status(role string) protocol.GenerationStatus {
	st := protocol.GenerationStatus{
		Seq:       g.Seq,
		Role:      role,
		StartedAt: g.StartedAt,
		Processes: []protocol.ProcessStatus{},
	}
	for _, inst := range g.Live() {
		st.Processes = append(st.Processes, protocol.ProcessStatus{
			PID:       inst.PID(),
			Slot:      inst.Slot,
			State:     inst.State(),
			SpawnedAt: inst.SpawnedAt(),
		})
	}
	return st
}

// Personal.AI order the ending
