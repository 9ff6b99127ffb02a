package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/vigil/internal/control"
	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/protocol"
)

func testConfig(t *testing.T) *protocol.Config {
	dir := t.TempDir()
	web := shSpec("web", "exec sleep 30")
	web.NumProcesses = 2
	web.Sockets = []string{"127.0.0.1:0"}
	jobs := shSpec("jobs", "exec sleep 30")
	return &protocol.Config{
		ControlSock: filepath.Join(dir, "ctl.sock"),
		StateDir:    filepath.Join(dir, "state"),
		Tick:        20 * time.Millisecond,
		Groups:      []protocol.GroupSpec{web, jobs},
	}
}

func TestDaemon_ControlCommands(t *testing.T) {
	cfg := testConfig(t)
	d := NewDaemon(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	client := control.NewClient(cfg.ControlSock)
	call := func(req protocol.Request) *protocol.Response {
		t.Helper()
		rctx, rcancel := context.WithTimeout(context.Background(), waitFor)
		defer rcancel()
		resp, err := client.Do(rctx, req)
		require.NoError(t, err)
		return resp
	}

	require.Eventually(t, func() bool {
		resp, err := client.Do(context.Background(), protocol.Request{Action: protocol.ActionList})
		if err != nil || !resp.OK || len(resp.Groups) != 2 {
			return false
		}
		for _, g := range resp.Groups {
			if g.State != consts.GroupRunning || len(pids(g, "current")) != map[string]int{"web": 2, "jobs": 1}[g.Name] {
				return false
			}
		}
		return true
	}, waitFor, poll)

	resp := call(protocol.Request{Action: protocol.ActionList})
	assert.Equal(t, []string{"web", "jobs"}, resp.Names)
	assert.Equal(t, os.Getpid(), resp.PID)

	resp = call(protocol.Request{Action: protocol.ActionStatus})
	assert.Len(t, resp.Groups, 2)

	resp = call(protocol.Request{Group: "web", Action: protocol.ActionStatus})
	require.True(t, resp.OK)
	require.NotNil(t, resp.Status)
	assert.Equal(t, "web", resp.Status.Name)
	assert.Equal(t, []string{"127.0.0.1:0"}, resp.Status.Sockets)

	resp = call(protocol.Request{Group: "nope", Action: protocol.ActionStatus})
	assert.False(t, resp.OK)
	assert.Equal(t, int(verrors.ErrCodeUnknownGroup), resp.Code)

	resp = call(protocol.Request{Group: "jobs", Action: protocol.ActionUpgrade})
	require.True(t, resp.OK, resp.Error)
	require.Eventually(t, func() bool { return d.Group("jobs").Status().Current == 2 }, waitFor, poll)
	assert.Equal(t, uint64(1), d.Group("web").Status().Current)

	d.UpgradeAll(context.Background(), "test")
	require.Eventually(t, func() bool {
		return d.Group("jobs").Status().Current == 3 && d.Group("web").Status().Current == 2
	}, waitFor, poll)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err := os.Stat(cfg.ControlSock)
	assert.True(t, os.IsNotExist(err), "control socket removed on shutdown")
	for _, name := range []string{"web", "jobs"} {
		st := d.Group(name).Status()
		assert.Empty(t, st.Generations, name)
	}
}

func TestDaemon_ControlSocketMode(t *testing.T) {
	cfg := testConfig(t)
	d := NewDaemon(cfg)
	require.NoError(t, d.control.Prepare())
	fi, err := os.Stat(cfg.ControlSock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())

	cfg = testConfig(t)
	uid := uint32(os.Getuid())
	cfg.Groups[1].UID = &uid
	d = NewDaemon(cfg)
	require.NoError(t, d.control.Prepare())
	fi, err = os.Stat(cfg.ControlSock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o777), fi.Mode().Perm())
}
