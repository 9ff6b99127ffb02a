package supervisor

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

func TestRestartPolicy_Decide(t *testing.T) {
	clean := ExitStatus{Code: 0}
	failed := ExitStatus{Code: 1}
	killed := ExitStatus{Code: -1, Signal: syscall.SIGKILL}

	tests := []struct {
		mode    consts.RestartMode
		status  ExitStatus
		respawn bool
		reason  string
	}{
		{consts.RestartNone, failed, false, ReasonFailure},
		{consts.RestartNone, clean, false, ReasonExit},
		{consts.RestartOnFailure, clean, false, ReasonExit},
		{consts.RestartOnFailure, failed, true, ReasonFailure},
		{consts.RestartOnFailure, killed, true, ReasonFailure},
		{consts.RestartAlways, clean, true, ReasonExit},
		{consts.RestartAlways, failed, true, ReasonFailure},
	}
	for _, tt := range tests {
		p := NewRestartPolicy(&protocol.GroupSpec{Restart: tt.mode, NumProcesses: 1})
		respawn, reason := p.Decide(nil, tt.status)
		assert.Equal(t, tt.respawn, respawn, "%s %s", tt.mode, tt.status)
		assert.Equal(t, tt.reason, reason, "%s %s", tt.mode, tt.status)
	}
}

func TestRestartPolicy_SupervisorStopNeverRespawns(t *testing.T) {
	inst := &Instance{}
	inst.stopRequested.Store(true)
	p := NewRestartPolicy(&protocol.GroupSpec{Restart: consts.RestartAlways, NumProcesses: 1})
	respawn, _ := p.Decide(inst, ExitStatus{Code: -1, Signal: syscall.SIGTERM})
	assert.False(t, respawn)
}

func TestRestartPolicy_UnhealthyIsAbnormal(t *testing.T) {
	inst := &Instance{}
	inst.unhealthy.Store(true)
	p := NewRestartPolicy(&protocol.GroupSpec{Restart: consts.RestartOnFailure, NumProcesses: 1})
	respawn, reason := p.Decide(inst, ExitStatus{Code: 0})
	assert.True(t, respawn)
	assert.Equal(t, ReasonUnhealthy, reason)
}

func TestRestartPolicy_SpawnError(t *testing.T) {
	assert.True(t, NewRestartPolicy(&protocol.GroupSpec{Restart: consts.RestartOnFailure}).DecideSpawnError())
	assert.False(t, NewRestartPolicy(&protocol.GroupSpec{Restart: consts.RestartNone}).DecideSpawnError())
}

func TestRestartPolicy_Pacing(t *testing.T) {
	p := NewRestartPolicy(&protocol.GroupSpec{Restart: consts.RestartAlways, NumProcesses: 2, RespawnInterval: time.Second})
	now := time.Now()
	assert.Zero(t, p.Delay(now))
	assert.Zero(t, p.Delay(now), "burst covers one respawn per slot")
	d := p.Delay(now)
	assert.InDelta(t, float64(time.Second), float64(d), float64(10*time.Millisecond))

	unpaced := NewRestartPolicy(&protocol.GroupSpec{Restart: consts.RestartAlways, NumProcesses: 1})
	for i := 0; i < 5; i++ {
		assert.Zero(t, unpaced.Delay(now))
	}
}
