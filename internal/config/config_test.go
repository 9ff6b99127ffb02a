package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
groups:
  - name: web
    command: ["./server", "--port", "0"]
    sockets: ["127.0.0.1:8080", "unix:/tmp/web.sock"]
    live_check_timeout: 5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, consts.DefaultControlSock, cfg.ControlSock)
	assert.Equal(t, consts.DefaultStateDir, cfg.StateDir)
	assert.Equal(t, time.Second, cfg.Tick)
	require.Len(t, cfg.Groups, 1)

	g := cfg.Groups[0]
	assert.Equal(t, 1, g.NumProcesses)
	assert.Equal(t, consts.RestartNone, g.Restart)
	assert.Equal(t, consts.AckTimer, g.Ack)
	assert.Equal(t, 10*time.Second, g.AckTimeout)
	assert.Equal(t, consts.AckScopeProcess, g.AckScope)
	assert.Equal(t, 10*time.Second, g.GracefulTimeout)
	assert.Equal(t, 500*time.Millisecond, g.RespawnInterval)
	assert.Equal(t, 5*time.Second, g.LiveCheckTolerance)
	assert.Equal(t, 60*time.Second, g.UpgraderTimeout)
	assert.False(t, g.StartImmediate)
	assert.False(t, g.AutoUpgrade)
	assert.Nil(t, g.UID)
}

func TestLoad_FullGroup(t *testing.T) {
	path := writeConfig(t, `
control_sock: /run/vigil.sock
log_level: debug
groups:
  - name: api
    command: ["/usr/bin/api"]
    numprocesses: 4
    restart: on-failure
    warmup_delay: 250ms
    start_immediate: true
    environments: ["MODE=prod"]
    ack: manual
    ack_scope: group
    uid: 1000
    gid: 1000
    auto_upgrade: true
    upgrader: ["/usr/bin/fetch-release"]
    upgrader_active_sec: 1m
    stdout:
      path: /var/log/api.out
      max_bytes: 1024
      backups: 3
    stderr:
      path: /var/log/api.err
      backups: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/vigil.sock", cfg.ControlSock)
	assert.Equal(t, "debug", cfg.LogLevel)

	g := cfg.Groups[0]
	assert.Equal(t, 4, g.NumProcesses)
	assert.Equal(t, consts.RestartOnFailure, g.Restart)
	assert.Equal(t, 250*time.Millisecond, g.WarmupDelay)
	assert.True(t, g.StartImmediate)
	assert.Equal(t, consts.AckManual, g.Ack)
	assert.Equal(t, consts.AckScopeGroup, g.AckScope)
	require.NotNil(t, g.UID)
	assert.Equal(t, uint32(1000), *g.UID)
	assert.Equal(t, time.Minute, g.UpgraderActiveSec)
	assert.Equal(t, "/var/log/api.out", g.Stdout.Path)
	assert.Equal(t, int64(1024), g.Stdout.MaxBytes)
	require.NotNil(t, g.Stdout.Backups)
	assert.Equal(t, 3, *g.Stdout.Backups)
	require.NotNil(t, g.Stderr.Backups, "an explicit zero is kept")
	assert.Zero(t, *g.Stderr.Backups)
}

func TestLoad_UnitlessDurationsAreSeconds(t *testing.T) {
	path := writeConfig(t, `
groups:
  - name: web
    command: ["/usr/bin/web"]
    live_check_timeout: 5
    ack_timeout: 10
    warmup_delay: 0.25
    graceful_timeout: "3"
    upgrader: ["/usr/bin/fetch"]
    upgrader_active_sec: 30
    respawn_interval: 750ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	g := cfg.Groups[0]
	assert.Equal(t, 5*time.Second, g.LiveCheckTimeout)
	assert.Equal(t, 5*time.Second, g.LiveCheckTolerance)
	assert.Equal(t, 10*time.Second, g.AckTimeout)
	assert.Equal(t, 250*time.Millisecond, g.WarmupDelay)
	assert.Equal(t, 3*time.Second, g.GracefulTimeout)
	assert.Equal(t, 30*time.Second, g.UpgraderActiveSec)
	assert.Equal(t, 750*time.Millisecond, g.RespawnInterval)
	assert.Equal(t, time.Second, cfg.Tick)
}

func TestLoad_EnvDurationSeconds(t *testing.T) {
	t.Setenv("VIGIL_TICK", "2")
	cfg, err := Load(writeConfig(t, `
groups:
  - name: web
    command: ["true"]
`))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Tick)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VIGIL_LOG_LEVEL", "warn")
	t.Setenv("VIGIL_STATE_DIR", "/var/lib/vigil")
	// Set for supervised children; must not leak into our own config.
	t.Setenv(consts.EnvControlSock, "/elsewhere.sock")

	path := writeConfig(t, `
groups:
  - name: web
    command: ["true"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/var/lib/vigil", cfg.StateDir)
	assert.Equal(t, consts.DefaultControlSock, cfg.ControlSock)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"no groups": `log_level: info`,
		"bad restart": `
groups:
  - name: web
    command: ["true"]
    restart: sometimes`,
		"bad ack": `
groups:
  - name: web
    command: ["true"]
    ack: later`,
		"empty command": `
groups:
  - name: web
    command: []`,
		"duplicate name": `
groups:
  - name: web
    command: ["true"]
  - name: web
    command: ["true"]`,
		"shared socket": `
groups:
  - name: a
    command: ["true"]
    sockets: ["unix:/tmp/x.sock"]
  - name: b
    command: ["true"]
    sockets: ["/tmp/x.sock"]`,
		"interval without upgrader": `
groups:
  - name: web
    command: ["true"]
    upgrader_active_sec: 10s`,
		"negative seconds": `
groups:
  - name: web
    command: ["true"]
    ack_timeout: -1`,
		"slash in name": `
groups:
  - name: a/b
    command: ["true"]`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.True(t, verrors.HasCode(err, verrors.ErrCodeConfigInvalid), err.Error())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, verrors.HasCode(err, verrors.ErrCodeConfigInvalid))
}
