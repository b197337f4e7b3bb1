// Command comboval evaluates signal combinations against daily prices and
// serves the resulting reports.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"comboval/internal/config"
	"comboval/internal/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaultPath := "config/comboval.yaml"
	if p := os.Getenv("COMBOVAL_CONFIG"); p != "" {
		defaultPath = p
	}

	root := &cobra.Command{
		Use:           "comboval",
		Short:         "Backtest and rank signal combinations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", defaultPath, "path to the YAML config (env COMBOVAL_CONFIG)")

	root.AddCommand(
		newRunCmd(),
		newScheduleCmd(),
		newServeCmd(),
		newReportsCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config named by --config and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "comboval", version)
		},
	}
}
