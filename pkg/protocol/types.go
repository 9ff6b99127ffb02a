package protocol

import (
	"time"

	"github.com/turtacn/vigil/pkg/consts"
)

// Config is the root configuration: daemon settings plus one entry per worker group.
type Config struct {
	ControlSock string        `koanf:"control_sock" yaml:"control_sock" validate:"required"`
	LogLevel    string        `koanf:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MetricsAddr string        `koanf:"metrics_addr" yaml:"metrics_addr"`
	StateDir    string        `koanf:"state_dir" yaml:"state_dir" validate:"required"`
	Tick        time.Duration `koanf:"tick" yaml:"tick" validate:"gt=0"`
	Groups      []GroupSpec   `koanf:"groups" yaml:"groups" validate:"required,min=1,dive"`
}

// GroupSpec describes one worker group. It is treated as immutable once loaded.
type GroupSpec struct {
	Name             string             `koanf:"name" yaml:"name" validate:"required,excludesall=/"`
	Command          []string           `koanf:"command" yaml:"command" validate:"required,min=1"`
	NumProcesses     int                `koanf:"numprocesses" yaml:"numprocesses" validate:"gte=1"`
	WorkingDirectory string             `koanf:"working_directory" yaml:"working_directory"`
	Restart          consts.RestartMode `koanf:"restart" yaml:"restart" validate:"oneof=none on-failure always"`
	RespawnInterval  time.Duration      `koanf:"respawn_interval" yaml:"respawn_interval" validate:"gte=0"`
	WarmupDelay      time.Duration      `koanf:"warmup_delay" yaml:"warmup_delay" validate:"gte=0"`
	StartImmediate   bool               `koanf:"start_immediate" yaml:"start_immediate"`
	Sockets          []string           `koanf:"sockets" yaml:"sockets" validate:"dive,required"`
	Environments     []string           `koanf:"environments" yaml:"environments" validate:"dive,contains=="`

	Ack             consts.AckMode  `koanf:"ack" yaml:"ack" validate:"oneof=timer manual none"`
	AckTimeout      time.Duration   `koanf:"ack_timeout" yaml:"ack_timeout" validate:"gte=0"`
	AckScope        consts.AckScope `koanf:"ack_scope" yaml:"ack_scope" validate:"oneof=process group"`
	GracefulTimeout time.Duration   `koanf:"graceful_timeout" yaml:"graceful_timeout" validate:"gte=0"`

	UID *uint32 `koanf:"uid" yaml:"uid"`
	GID *uint32 `koanf:"gid" yaml:"gid"`

	LiveCheckTimeout   time.Duration `koanf:"live_check_timeout" yaml:"live_check_timeout" validate:"gte=0"`
	LiveCheckTolerance time.Duration `koanf:"live_check_tolerance" yaml:"live_check_tolerance" validate:"gte=0"`

	AutoUpgrade       bool          `koanf:"auto_upgrade" yaml:"auto_upgrade"`
	Upgrader          []string      `koanf:"upgrader" yaml:"upgrader"`
	UpgraderActiveSec time.Duration `koanf:"upgrader_active_sec" yaml:"upgrader_active_sec" validate:"gte=0"`
	UpgraderTimeout   time.Duration `koanf:"upgrader_timeout" yaml:"upgrader_timeout" validate:"gte=0"`

	Stdout LogSinkSpec `koanf:"stdout" yaml:"stdout"`
	Stderr LogSinkSpec `koanf:"stderr" yaml:"stderr"`
}

// LiveCheckEnabled reports whether the health monitor watches this group.
func (g GroupSpec) LiveCheckEnabled() bool {
	return g.LiveCheckTimeout > 0
}

// LogSinkSpec configures a rotating output file. An empty Path inherits the
// supervisor's own stream. Backups caps the rotated files kept; unset means
// consts.DefaultLogBackups and 0 discards the old file on rotation.
type LogSinkSpec struct {
	Path     string `koanf:"path" yaml:"path"`
	MaxBytes int64  `koanf:"max_bytes" yaml:"max_bytes" validate:"gte=0"`
	Backups  *int   `koanf:"backups" yaml:"backups,omitempty" validate:"omitempty,gte=0"`
}

// Action is a control command verb.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionUpgrade Action = "upgrade"
	ActionAck     Action = "ack"
	ActionStatus  Action = "status"
	ActionList    Action = "list"
	ActionSignal  Action = "signal"
)

// Request is one control command. Group may be empty for list and status.
type Request struct {
	Group  string `json:"group,omitempty"`
	Action Action `json:"action"`
	PID    int    `json:"pid,omitempty"`
	Token  string `json:"token,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// Response answers one Request.
type Response struct {
	OK      bool          `json:"ok" yaml:"ok"`
	Error   string        `json:"error,omitempty" yaml:"error,omitempty"`
	Code    int           `json:"code,omitempty" yaml:"code,omitempty"`
	Message string        `json:"message,omitempty" yaml:"message,omitempty"`
	PID     int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	Status  *GroupStatus  `json:"status,omitempty" yaml:"status,omitempty"`
	Groups  []GroupStatus `json:"groups,omitempty" yaml:"groups,omitempty"`
	Names   []string      `json:"names,omitempty" yaml:"names,omitempty"`
}

// GroupStatus is a point in time snapshot of a worker group.
type GroupStatus struct {
	Name        string             `json:"name" yaml:"name"`
	State       consts.GroupState  `json:"state" yaml:"state"`
	Current     uint64             `json:"current_generation" yaml:"current_generation"`
	Upgrade     *UpgradeStatus     `json:"upgrade,omitempty" yaml:"upgrade,omitempty"`
	LastUpgrade *UpgradeStatus     `json:"last_upgrade,omitempty" yaml:"last_upgrade,omitempty"`
	Sockets     []string           `json:"sockets,omitempty" yaml:"sockets,omitempty"`
	Generations []GenerationStatus `json:"generations" yaml:"generations"`
}

// GenerationStatus describes one live generation.
type GenerationStatus struct {
	Seq       uint64          `json:"seq" yaml:"seq"`
	Role      string          `json:"role" yaml:"role"` // current, next or retiring
	StartedAt time.Time       `json:"started_at" yaml:"started_at"`
	Processes []ProcessStatus `json:"processes" yaml:"processes"`
}

// ProcessStatus describes one live process.
type ProcessStatus struct {
	PID       int                 `json:"pid" yaml:"pid"`
	Slot      int                 `json:"slot" yaml:"slot"`
	State     consts.ProcessState `json:"state" yaml:"state"`
	SpawnedAt time.Time           `json:"spawned_at" yaml:"spawned_at"`
}

// UpgradeStatus describes an in-flight or finished upgrade.
type UpgradeStatus struct {
	ID         string         `json:"id" yaml:"id"`
	Generation uint64         `json:"generation" yaml:"generation"`
	Reason     string         `json:"reason" yaml:"reason"`
	Ack        consts.AckMode `json:"ack" yaml:"ack"`
	Acked      int            `json:"acked" yaml:"acked"`
	Required   int            `json:"required" yaml:"required"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	Result     string         `json:"result,omitempty" yaml:"result,omitempty"` // succeeded, failed or aborted
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Personal.AI order the ending
