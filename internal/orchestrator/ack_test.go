package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/vigil/internal/supervisor"
	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

func startedGeneration(t *testing.T, spec *protocol.GroupSpec) *supervisor.Generation {
	t.Helper()
	gen := supervisor.NewGeneration(2, spec, nil)
	for slot := range gen.Slots {
		inst, err := supervisor.Spawn(supervisor.SpawnOptions{Group: spec.Name, Generation: 2, Slot: slot, Spec: spec})
		require.NoError(t, err)
		gen.Put(inst)
		t.Cleanup(func() {
			_ = inst.Kill()
			inst.Wait()
		})
	}
	return gen
}

func ackSpec(mode consts.AckMode, scope consts.AckScope, n int) *protocol.GroupSpec {
	return &protocol.GroupSpec{
		Name:         "ack",
		Command:      []string{"sleep", "30"},
		NumProcesses: n,
		Ack:          mode,
		AckScope:     scope,
		AckTimeout:   time.Second,
	}
}

func TestAckState_None(t *testing.T) {
	spec := ackSpec(consts.AckNone, consts.AckScopeProcess, 2)
	empty := supervisor.NewGeneration(2, spec, nil)
	a := NewAckState(spec, time.Now())
	assert.False(t, a.Evaluate(empty, time.Now()), "nothing spawned yet")

	gen := startedGeneration(t, spec)
	assert.True(t, a.Evaluate(gen, time.Now()))
	assert.False(t, a.Evaluate(gen, time.Now()), "resolves once")
	assert.True(t, a.Resolved())
	assert.False(t, a.Ack(gen.Slots[0].PID()), "acks are ignored outside manual mode")
}

func TestAckState_Timer(t *testing.T) {
	spec := ackSpec(consts.AckTimer, consts.AckScopeProcess, 1)
	start := time.Now()
	gen := startedGeneration(t, spec)
	a := NewAckState(spec, start)

	assert.Equal(t, start.Add(time.Second), a.Deadline)
	assert.False(t, a.Evaluate(gen, start.Add(999*time.Millisecond)))
	assert.True(t, a.Evaluate(gen, start.Add(time.Second)))
	assert.Zero(t, a.Required(1))
}

func TestAckState_ManualProcessScope(t *testing.T) {
	spec := ackSpec(consts.AckManual, consts.AckScopeProcess, 2)
	gen := startedGeneration(t, spec)
	a := NewAckState(spec, time.Now())
	p0, p1 := gen.Slots[0].PID(), gen.Slots[1].PID()
	now := time.Now().Add(time.Hour)

	assert.Equal(t, 2, a.Required(2))
	assert.True(t, a.Ack(p0))
	assert.False(t, a.Ack(p0), "duplicate")
	assert.False(t, a.Evaluate(gen, now), "timeout never resolves a manual ack")

	a.Forget(p0)
	assert.Zero(t, a.Count())
	assert.True(t, a.Ack(p0))
	assert.True(t, a.Ack(p1))
	assert.True(t, a.Evaluate(gen, now))
	assert.False(t, a.Ack(p1), "late ack")
}

func TestAckState_ManualGroupScope(t *testing.T) {
	spec := ackSpec(consts.AckManual, consts.AckScopeGroup, 3)
	gen := startedGeneration(t, spec)
	a := NewAckState(spec, time.Now())

	assert.Equal(t, 1, a.Required(3))
	assert.False(t, a.Evaluate(gen, time.Now()))
	assert.True(t, a.Ack(gen.Slots[2].PID()))
	assert.True(t, a.Evaluate(gen, time.Now()))
	assert.Equal(t, 1, a.Count())
}
