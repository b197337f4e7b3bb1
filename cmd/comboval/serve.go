package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"comboval/internal/api"
	"comboval/internal/domain"
	"comboval/internal/metrics"
	"comboval/internal/store"
	"comboval/pkg/comboval"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve persisted runs and reports over HTTP and gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath, cfg.Storage.Tables)
			if err != nil {
				return fmt.Errorf("opening sqlite store: %w", err)
			}
			defer db.Close()

			rec := metrics.NewRecorder()
			return api.NewServer(cfg.Server, db, rec.Handler(), logger).ListenAndServe(cmd.Context())
		},
	}
}

func newReportsCmd() *cobra.Command {
	var (
		addr     string
		useGRPC  bool
		filter   comboval.ReportFilter
		comboKey string
	)
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Query reports from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			var key domain.ComboKey
			if comboKey != "" {
				key = domain.ComboKey{Type: filter.ComboType, Name: comboKey}
				if key.Type == "" {
					key.Type = domain.ComboTypeOf(comboKey)
				}
			}

			if useGRPC {
				if addr == "" {
					addr = "localhost:9090"
				}
				conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
				if err != nil {
					return fmt.Errorf("connecting to %s: %w", addr, err)
				}
				defer conn.Close()
				c := api.NewReportClient(conn)
				if comboKey != "" {
					rep, err := c.GetReport(ctx, filter.RunID, key)
					if err != nil {
						return err
					}
					return enc.Encode(rep)
				}
				reports, err := c.ListReports(ctx, store.ReportQuery{
					RunID: filter.RunID, ComboType: filter.ComboType, MinUsed: filter.MinUsed,
					OrderBy: filter.OrderBy, Limit: filter.Limit,
				})
				if err != nil {
					return err
				}
				return enc.Encode(reports)
			}

			if addr == "" {
				addr = "localhost:8080"
			}
			c := comboval.NewClient("http://" + addr)
			if comboKey != "" {
				rep, err := c.GetReport(ctx, filter.RunID, key.Type, key.Name)
				if err != nil {
					return err
				}
				return enc.Encode(rep)
			}
			reports, err := c.ListReports(ctx, filter)
			if err != nil {
				return err
			}
			return enc.Encode(reports)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "server address (default localhost:8080, or localhost:9090 with --grpc)")
	f.BoolVar(&useGRPC, "grpc", false, "query the gRPC service instead of HTTP")
	f.StringVar(&filter.RunID, "run", "", "run id (default: latest)")
	f.StringVar(&filter.ComboType, "type", "", "combo type, e.g. p2")
	f.IntVar(&filter.MinUsed, "min-used", 0, "minimum number of used trades")
	f.StringVar(&filter.OrderBy, "order", "", "ordering column")
	f.IntVar(&filter.Limit, "limit", 20, "maximum number of reports")
	f.StringVar(&comboKey, "combo", "", "fetch a single combination by name")
	return cmd
}
