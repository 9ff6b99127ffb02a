package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/vigil/internal/control"
	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

var (
	sockPath   string
	jsonOutput bool
	ackPID     int
	ackToken   string
	signalPID  int
)

// defaultSock lets a supervised child reach its own supervisor without flags.
func defaultSock() string {
	if s := os.Getenv(consts.EnvControlSock); s != "" {
		return s
	}
	return consts.DefaultControlSock
}

func send(cmd *cobra.Command, req protocol.Request) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), consts.DefaultControlTimeout)
	defer cancel()

	resp, err := control.NewClient(sockPath).Do(ctx, req)
	if err != nil {
		return err
	}
	if err := render(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func render(w io.Writer, resp *protocol.Response) error {
	if jsonOutput {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(resp)
}

// groupCommand builds a command acting on one named group.
func groupCommand(action protocol.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " GROUP",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, protocol.Request{Group: args[0], Action: action})
		},
	}
}

func addControlCommands(root *cobra.Command) {
	root.PersistentFlags().StringVarP(&sockPath, "sock", "s", defaultSock(), "control socket path")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print responses as JSON")

	root.AddCommand(
		groupCommand(protocol.ActionStart, "Start a stopped group"),
		groupCommand(protocol.ActionStop, "Stop every process of a group"),
		groupCommand(protocol.ActionRestart, "Replace a group's processes without waiting for readiness"),
		groupCommand(protocol.ActionUpgrade, "Spawn a new generation and retire the old one once it is ready"),
	)

	statusCmd := &cobra.Command{
		Use:   "status [GROUP]",
		Short: "Show the state of one group or of all groups",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.Request{Action: protocol.ActionStatus}
			if len(args) == 1 {
				req.Group = args[0]
			}
			return send(cmd, req)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the configured groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, protocol.Request{Action: protocol.ActionList})
		},
	}

	ackCmd := &cobra.Command{
		Use:   "ack [GROUP]",
		Short: "Acknowledge that a process of a new generation is ready",
		Long: "Acknowledge readiness. Run from a supervised process, the group and token\n" +
			"are taken from " + consts.EnvGroup + " and " + consts.EnvAckToken + ".",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.Request{Group: os.Getenv(consts.EnvGroup), Action: protocol.ActionAck, PID: ackPID, Token: ackToken}
			if len(args) == 1 {
				req.Group = args[0]
			}
			if req.PID == 0 && req.Token == "" {
				req.Token = os.Getenv(consts.EnvAckToken)
			}
			if req.Group == "" {
				return fmt.Errorf("no group given and %s is not set", consts.EnvGroup)
			}
			return send(cmd, req)
		},
	}
	ackCmd.Flags().IntVar(&ackPID, "pid", 0, "pid of the process to acknowledge")
	ackCmd.Flags().StringVar(&ackToken, "token", "", "ack token of the process")

	signalCmd := &cobra.Command{
		Use:   "signal GROUP SIGNAL",
		Short: "Send a signal to every live process of a group, or to one pid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd, protocol.Request{Group: args[0], Action: protocol.ActionSignal, Signal: args[1], PID: signalPID})
		},
	}
	signalCmd.Flags().IntVar(&signalPID, "pid", 0, "only signal this pid")

	pidCmd := &cobra.Command{
		Use:   "pid",
		Short: "Print the pid of the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), consts.DefaultControlTimeout)
			defer cancel()
			resp, err := control.NewClient(sockPath).Do(ctx, protocol.Request{Action: protocol.ActionList})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strconv.Itoa(resp.PID))
			return err
		},
	}

	root.AddCommand(statusCmd, listCmd, ackCmd, signalCmd, pidCmd)
}

// Personal.AI order the ending
