package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"comboval/internal/config"
	"comboval/internal/metrics"
	"comboval/internal/pipeline"
	"comboval/internal/scheduler"
)

func newRunCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate every configured combination once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}

			rec := metrics.NewRecorder()
			sum, err := pipeline.New(cfg, logger, rec).Run(cmd.Context(), runID)
			if sum != nil {
				printSummary(cmd, sum)
			}
			pushMetrics(logger, cfg, rec)
			return err
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random UUID)")
	addRunFlags(cmd)
	return cmd
}

func newScheduleCmd() *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Re-run the evaluation on the configured cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			ctx := cmd.Context()

			rec := metrics.NewRecorder()
			p := pipeline.New(cfg, logger, rec)
			job := func(ctx context.Context) error {
				runID := uuid.NewString()
				sum, err := p.Run(ctx, runID)
				if sum != nil {
					printSummary(cmd, sum)
				}
				pushMetrics(logger, cfg, rec)
				return err
			}

			sched := scheduler.New(logger)
			if err := sched.Add(cfg.Schedule.Cron, "evaluate", job); err != nil {
				return err
			}

			if cfg.Metrics.Listen != "" {
				srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: rec.Handler(), ReadHeaderTimeout: 10 * time.Second}
				go func() {
					logger.Info("metrics listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", "error", err)
					}
				}()
				defer srv.Close()
			}

			if now {
				if err := job(ctx); err != nil {
					logger.Error("initial run failed", "error", err)
				}
			}

			sched.Start()
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sched.Stop(stopCtx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "run once immediately before waiting for the schedule")
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Int("hold-days", 0, "override run.hold_days")
	cmd.Flags().Float64("stop-loss", 0, "override run.stop_loss")
	cmd.Flags().Float64("target", 0, "override run.target")
	cmd.Flags().Int("workers", 0, "override run.workers")
	cmd.Flags().Duration("budget", 0, "override run.budget")
}

// applyRunFlags copies explicitly set flags into cfg and revalidates it.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if !f.Changed("hold-days") && !f.Changed("stop-loss") && !f.Changed("target") &&
		!f.Changed("workers") && !f.Changed("budget") {
		return nil
	}
	if f.Changed("hold-days") {
		cfg.Run.Exit.HoldDays, _ = f.GetInt("hold-days")
	}
	if f.Changed("stop-loss") {
		cfg.Run.Exit.StopLoss, _ = f.GetFloat64("stop-loss")
	}
	if f.Changed("target") {
		cfg.Run.Exit.Target, _ = f.GetFloat64("target")
	}
	if f.Changed("workers") {
		cfg.Run.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("budget") {
		cfg.Run.Budget, _ = f.GetDuration("budget")
	}
	return cfg.Validate()
}

func printSummary(cmd *cobra.Command, sum *pipeline.Summary) {
	res := sum.Result
	fmt.Fprintf(cmd.OutOrStdout(),
		"run %s: %d combos, %d reports, %d absent, %d failed, %d skipped, %d instruments dropped, %s\n",
		sum.Run.RunID, sum.Run.Combos, len(res.Reports), len(res.Absent), len(res.Failed),
		res.Skipped, sum.Dropped, res.Elapsed.Round(time.Millisecond))
	if res.Cancelled {
		fmt.Fprintln(cmd.OutOrStdout(), "run was cancelled before every combination was evaluated")
	}
}

func pushMetrics(logger *slog.Logger, cfg *config.Config, rec *metrics.Recorder) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rec.Push(ctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		logger.Warn("pushing metrics", "error", err)
	}
}
