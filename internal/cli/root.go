package cli

import (
	"context"
	"os"
	"syscall"

	"github.com/sharnoff/chord"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/vigil/internal/config"
	"github.com/turtacn/vigil/internal/orchestrator"
	"github.com/turtacn/vigil/pkg/logger"
)

var cfgFile string

// shutdown is the signal every entry of shutdownSignals is forwarded to.
type shutdown struct{}

var shutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}

// shutdownContext returns a context cancelled by the first shutdown signal.
func shutdownContext(mgr *chord.SignalManager) (context.Context, error) {
	forward := func(ctx context.Context) error { return mgr.Trigger(shutdown{}, ctx) }
	for _, sig := range shutdownSignals {
		if err := mgr.On(sig, context.Background(), forward); err != nil {
			return nil, err
		}
	}
	return mgr.Context(shutdown{}), nil
}

var rootCmd = &cobra.Command{
	Use:           "vigil",
	Short:         "vigil: a process supervisor with zero-downtime generational upgrades",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the supervisor daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger.InitLogger(cfg.LogLevel)

		mgr := chord.NewSignalManager()
		defer mgr.Stop()
		ctx, err := shutdownContext(mgr)
		if err != nil {
			return err
		}

		logger.Log.Info("Booting vigil", "config", cfgFile, "groups", len(cfg.Groups))
		if err := orchestrator.NewDaemon(cfg).Run(ctx); err != nil {
			logger.Log.Error("Daemon fatal error", "err", err)
			return err
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and print it with defaults applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "vigil.yaml", "config file path")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(validateCmd)
	addControlCommands(rootCmd)
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

// Personal.AI order the ending
