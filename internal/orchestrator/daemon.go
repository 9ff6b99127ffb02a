package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/turtacn/vigil/internal/control"
	"github.com/turtacn/vigil/internal/monitor"
	"github.com/turtacn/vigil/internal/resource"
	verrors "github.com/turtacn/vigil/pkg/errors"
	"github.com/turtacn/vigil/pkg/logger"
	"github.com/turtacn/vigil/pkg/protocol"
)

// treeSlack is added to the longest graceful timeout to bound how long the
// supervisor tree waits for a group to stop.
const treeSlack = 10 * time.Second

// Daemon is the supervisor process: the socket binder, one Group per worker
// group, the control socket and the optional metrics endpoint, all running
// under one suture tree.
type Daemon struct {
	cfg     *protocol.Config
	binder  *resource.SocketBinder
	groups  map[string]*Group
	order   []string
	control *control.Server
	metrics *monitor.Server
	tree    *suture.Supervisor
}

// NewDaemon wires a daemon for cfg. Nothing is bound until Run.
func NewDaemon(cfg *protocol.Config) *Daemon {
	d := &Daemon{
		cfg:    cfg,
		binder: resource.NewSocketBinder(),
		groups: make(map[string]*Group, len(cfg.Groups)),
	}

	var longest time.Duration
	mode := os.FileMode(0o700)
	for _, spec := range cfg.Groups {
		g := NewGroup(spec, Options{
			Binder:      d.binder,
			StateDir:    cfg.StateDir,
			ControlSock: cfg.ControlSock,
			Tick:        cfg.Tick,
			Logger:      logger.Log,
		})
		d.groups[spec.Name] = g
		d.order = append(d.order, spec.Name)
		if spec.GracefulTimeout > longest {
			longest = spec.GracefulTimeout
		}
		if spec.UID != nil || spec.GID != nil {
			// Children running as another user must still reach the socket to ack.
			mode = 0o777
		}
	}
	if mode != 0o700 {
		logger.Log.Warn("Daemon: Control socket is world accessible because a group drops privileges",
			"path", cfg.ControlSock)
	}
	d.control = control.NewServer(cfg.ControlSock, mode, d)
	if cfg.MetricsAddr != "" {
		d.metrics = monitor.NewServer(cfg.MetricsAddr)
	}

	hook := (&sutureslog.Handler{Logger: logger.Log.Slog()}).MustHook()
	timeout := longest + shutdownSlack + treeSlack
	d.tree = suture.New("vigil", suture.Spec{EventHook: hook, Timeout: timeout})
	groups := suture.New("groups", suture.Spec{EventHook: hook, Timeout: timeout})
	for _, name := range d.order {
		groups.Add(d.groups[name])
	}
	d.tree.Add(groups)
	d.tree.Add(d.control)
	if d.metrics != nil {
		d.tree.Add(d.metrics)
	}
	return d
}

// Group returns the named group, or nil.
func (d *Daemon) Group(name string) *Group { return d.groups[name] }

// Handle implements control.Handler.
func (d *Daemon) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	switch {
	case req.Action == protocol.ActionList:
		return d.list()
	case req.Action == protocol.ActionStatus && req.Group == "":
		return d.list()
	}

	g, ok := d.groups[req.Group]
	if !ok {
		return control.ErrorResponse(verrors.New(verrors.ErrCodeUnknownGroup, string(req.Action),
			fmt.Sprintf("unknown group %q", req.Group), nil))
	}
	return g.Do(ctx, req)
}

func (d *Daemon) list() protocol.Response {
	resp := protocol.Response{
		OK:      true,
		PID:     os.Getpid(),
		Names:   append([]string(nil), d.order...),
		Groups:  make([]protocol.GroupStatus, 0, len(d.order)),
		Message: fmt.Sprintf("%d groups", len(d.order)),
	}
	for _, name := range d.order {
		resp.Groups = append(resp.Groups, d.groups[name].Status())
	}
	return resp
}

// UpgradeAll starts an upgrade of every running group.
func (d *Daemon) UpgradeAll(ctx context.Context, reason string) {
	for _, name := range d.order {
		resp := d.groups[name].Do(ctx, protocol.Request{Group: name, Action: protocol.ActionUpgrade})
		if !resp.OK {
			logger.Log.Warn("Daemon: Upgrade not started", "group", name, "reason", reason, "err", resp.Error)
		}
	}
}

// Run serves until ctx is cancelled. SIGHUP upgrades every group. On return
// every child has been stopped and every socket closed.
func (d *Daemon) Run(ctx context.Context) error {
	monitor.Register()
	if err := os.MkdirAll(d.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := d.control.Prepare(); err != nil {
		return fmt.Errorf("failed to open control socket %s: %w", d.cfg.ControlSock, err)
	}
	defer d.binder.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger.Log.Info("Daemon: Starting", "pid", os.Getpid(), "groups", d.order, "control", d.cfg.ControlSock)
	done := d.tree.ServeBackground(ctx)

	for {
		select {
		case <-hup:
			logger.Log.Info("Daemon: SIGHUP received, upgrading all groups")
			go d.UpgradeAll(ctx, "SIGHUP")
		case err := <-done:
			if unstopped, _ := d.tree.UnstoppedServiceReport(); len(unstopped) > 0 {
				for _, svc := range unstopped {
					logger.Log.Warn("Daemon: Service failed to stop", "service", svc.Name)
				}
			}
			d.waitGroups()
			logger.Log.Info("Daemon: Stopped")
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// waitGroups covers groups the tree gave up on after its timeout.
func (d *Daemon) waitGroups() {
	deadline := time.After(shutdownSlack)
	for _, name := range d.order {
		select {
		case <-d.groups[name].Done():
		case <-deadline:
			logger.Log.Error("Daemon: Group did not stop in time", "group", name)
			return
		}
	}
}

// Personal.AI order the ending
