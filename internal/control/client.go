package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/goccy/go-json"

	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

// Client sends commands to a running daemon.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(path string) *Client {
	return &Client{path: path, timeout: consts.DefaultControlTimeout}
}

// Do sends req and waits for the answer. A daemon side failure comes back as
// a Response with OK false; the error reports transport problems only.
func (c *Client) Do(ctx context.Context, req protocol.Request) (*protocol.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// Personal.AI order the ending
