// Command dmritools runs multi-shell multi-tissue constrained spherical
// deconvolution on b-tensor encoded diffusion MRI and filters connectivity
// matrices.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmritools/internal/logging"
	"dmritools/pkg/config"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger

	// flagChecks run on the parsed flags before the configuration is read.
	flagChecks map[*cobra.Command]func() error
}

// checkFlags registers a check of the flags of cmd that needs no file.
func (a *app) checkFlags(cmd *cobra.Command, check func() error) {
	if a.flagChecks == nil {
		a.flagChecks = make(map[*cobra.Command]func() error)
	}
	a.flagChecks[cmd] = check
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "dmritools",
		Short: "Diffusion MRI reconstruction tools",
		Long: `dmritools fits multi-shell multi-tissue constrained spherical deconvolution
models on data acquired with several b-tensor encodings (linear, planar,
spherical or custom), and filters connectivity matrices.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if check, ok := a.flagChecks[cmd]; ok {
				if err := check(); err != nil {
					return err
				}
			}
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "Configuration file (YAML)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		newMemsmtCmd(a),
		newFilterConnectivityCmd(a),
		newConfigInitCmd(a),
	)
	return root
}

// init loads the configuration and builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	verbose := a.verbose || cfg.Output.Verbose
	if cfg.Output.JSONLogs {
		a.logger, err = logging.NewJSON(verbose)
	} else {
		a.logger, err = logging.New(verbose)
	}
	if err != nil {
		return err
	}
	a.logger.Debug("Loaded configuration", zap.String("path", a.configPath), zap.String("command", cmd.Name()))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
