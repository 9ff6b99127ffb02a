package supervisor

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

// Restart reasons, used as metric labels.
const (
	ReasonFailure   = "failure"
	ReasonExit      = "exit"
	ReasonUnhealthy = "unhealthy"
	ReasonSpawn     = "spawn_error"
)

// RestartPolicy decides whether an exited process of the current generation
// is respawned, and paces respawns so a crash loop cannot spin the CPU.
// There is no retry cap.
type RestartPolicy struct {
	mode    consts.RestartMode
	limiter *rate.Limiter
}

// NewRestartPolicy builds the policy of spec. A zero respawn interval
// disables pacing.
func NewRestartPolicy(spec *protocol.GroupSpec) *RestartPolicy {
	limit := rate.Inf
	if spec.RespawnInterval > 0 {
		limit = rate.Every(spec.RespawnInterval)
	}
	burst := spec.NumProcesses
	if burst < 1 {
		burst = 1
	}
	return &RestartPolicy{mode: spec.Restart, limiter: rate.NewLimiter(limit, burst)}
}

// Decide returns whether inst should be respawned after exiting with st, and
// why. Processes the supervisor stopped itself are never respawned.
func (p *RestartPolicy) Decide(inst *Instance, st ExitStatus) (bool, string) {
	if inst != nil && inst.StopRequested() {
		return false, ""
	}
	reason := ReasonExit
	abnormal := !st.Success()
	switch {
	case inst != nil && inst.Unhealthy():
		reason, abnormal = ReasonUnhealthy, true
	case abnormal:
		reason = ReasonFailure
	}
	return p.decide(abnormal), reason
}

// DecideSpawnError handles an exec failure, which counts as an abnormal exit.
func (p *RestartPolicy) DecideSpawnError() bool {
	return p.decide(true)
}

func (p *RestartPolicy) decide(abnormal bool) bool {
	switch p.mode {
	case consts.RestartAlways:
		return true
	case consts.RestartOnFailure:
		return abnormal
	default:
		return false
	}
}

// Delay reserves a respawn slot and returns how long to wait for it.
func (p *RestartPolicy) Delay(now time.Time) time.Duration {
	return p.limiter.ReserveN(now, 1).DelayFrom(now)
}

// Personal.AI order the ending
