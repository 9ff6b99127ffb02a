package consts

import "time"

// ProcessState is the lifecycle state of one supervised process.
type ProcessState string

const (
	StateStarting    ProcessState = "STARTING"
	StateRunning     ProcessState = "RUNNING"
	StateAcked       ProcessState = "ACKED"
	StateTerminating ProcessState = "TERMINATING"
	StateExited      ProcessState = "EXITED"
)

// GroupState is the lifecycle state of a worker group.
type GroupState string

const (
	GroupPending  GroupState = "PENDING"
	GroupWaiting  GroupState = "WAITING" // Sockets bound, waiting for the first connection
	GroupRunning  GroupState = "RUNNING"
	GroupStopped  GroupState = "STOPPED"
	GroupStopping GroupState = "STOPPING"
	GroupFailed   GroupState = "FAILED"
)

// RestartMode selects when an exited process is respawned.
type RestartMode string

const (
	RestartNone      RestartMode = "none"
	RestartOnFailure RestartMode = "on-failure"
	RestartAlways    RestartMode = "always"
)

// AckMode selects how a new generation is declared ready.
type AckMode string

const (
	AckTimer  AckMode = "timer"
	AckManual AckMode = "manual"
	AckNone   AckMode = "none"
)

// AckScope selects who must acknowledge in manual mode.
type AckScope string

const (
	AckScopeProcess AckScope = "process"
	AckScopeGroup   AckScope = "group"
)

// Environment handed to child processes.
const (
	EnvInheritedFDs  = "VIGIL_INHERITED_FDS" // Count of FDs passed, starting at fd 3
	EnvListenAddrs   = "VIGIL_LISTEN_ADDRS"  // Comma separated, same order as the FDs
	EnvGroup         = "VIGIL_GROUP"
	EnvGeneration    = "VIGIL_GENERATION"
	EnvSlot          = "VIGIL_SLOT"
	EnvAckToken      = "VIGIL_ACK_TOKEN"
	EnvControlSock   = "VIGIL_CONTROL_SOCK"
	EnvLiveCheckFile = "VIGIL_LIVE_CHECK_FILE"
)

// Defaults applied to unset configuration fields.
const (
	DefaultControlSock     = "/tmp/vigil.sock"
	DefaultStateDir        = "/tmp/vigil"
	DefaultTick            = time.Second
	DefaultAckTimeout      = 10 * time.Second
	DefaultGracefulTimeout = 10 * time.Second
	DefaultRespawnInterval = 500 * time.Millisecond
	DefaultUpgraderTimeout = 60 * time.Second
	DefaultControlTimeout  = 5 * time.Second
	DefaultLogMaxBytes     = 10 * 1024 * 1024
	DefaultLogBackups      = 5
)

// Personal.AI order the ending
