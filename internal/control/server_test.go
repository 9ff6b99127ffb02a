package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/vigil/pkg/consts"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/protocol"
)

func startServer(t *testing.T, h Handler) (string, context.CancelFunc, chan error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctl.sock")
	s := NewServer(path, 0o700, h)
	require.NoError(t, s.Prepare())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	return path, cancel, done
}

func TestServer_RoundTrip(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, req protocol.Request) protocol.Response {
		if req.Group != "web" {
			return ErrorResponse(verrors.New(verrors.ErrCodeUnknownGroup, "Handle", req.Group, nil))
		}
		return protocol.Response{OK: true, Message: string(req.Action), PID: req.PID,
			Status: &protocol.GroupStatus{Name: req.Group, State: consts.GroupRunning, Current: 2}}
	})
	path, cancel, done := startServer(t, h)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())

	c := NewClient(path)
	resp, err := c.Do(context.Background(), protocol.Request{Group: "web", Action: protocol.ActionAck, PID: 42})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "ack", resp.Message)
	assert.Equal(t, 42, resp.PID)
	require.NotNil(t, resp.Status)
	assert.Equal(t, uint64(2), resp.Status.Current)

	resp, err = c.Do(context.Background(), protocol.Request{Group: "db", Action: protocol.ActionStatus})
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, int(verrors.ErrCodeUnknownGroup), resp.Code)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
}

func TestServer_MalformedRequest(t *testing.T) {
	path, cancel, _ := startServer(t, HandlerFunc(func(context.Context, protocol.Request) protocol.Response {
		t.Error("handler must not run")
		return protocol.Response{}
	}))
	defer cancel()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), `"code":8002`)
}

func TestServer_ReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s := NewServer(path, 0o700, HandlerFunc(func(context.Context, protocol.Request) protocol.Response {
		return protocol.Response{OK: true}
	}))
	require.NoError(t, s.Prepare())
	require.NoError(t, s.Prepare(), "second prepare is a no-op")
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSocket)
	assert.Equal(t, "control", s.String())
}

func TestClient_NoDaemon(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := c.Do(context.Background(), protocol.Request{Action: protocol.ActionList})
	assert.Error(t, err)
}
