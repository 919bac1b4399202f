package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"SearchSync/internal/app"
	"SearchSync/internal/config"
	"SearchSync/internal/infrastructure/httpapi"
	"SearchSync/internal/logging"
)

const daemonAddrEnv = "SEARCHSYNC_ADDR"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "searchsync",
		Short:        "Keeps the search index in step with the relational store",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}

	root.AddCommand(newStatusCmd(), newHistoryCmd(), newResyncCmd())
	return root
}

func runDaemon() error {
	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)

	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "http_addr", cfg.HTTP.Addr, "sources", len(cfg.Sources))
	return application.Run(ctx)
}

// daemonAddr resolves the admin address for client subcommands: the --addr
// flag when set, otherwise SEARCHSYNC_ADDR, otherwise the local default.
func daemonAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("addr")
	if addr != "" {
		return addr
	}
	if env := os.Getenv(daemonAddrEnv); env != "" {
		return env
	}
	return "http://localhost:8080"
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline health from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := httpapi.NewClient(daemonAddr(cmd))
			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tSTATE\tCHECKPOINT\tCYCLES\tROWS\tERRORS\tLAST ERROR")
			for _, p := range status.Pipelines {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					p.SourceID, p.State, p.Checkpoint.Format(time.RFC3339),
					p.CyclesRun, p.RowsSynced, p.ErrorCount, p.LastError)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\nview refreshes: %d (last at %s)\n",
				status.Refresher.RefreshCount, status.Refresher.LastRefreshAt.Format(time.RFC3339))
			if !status.Healthy {
				return fmt.Errorf("one or more pipelines are unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "daemon address (default $"+daemonAddrEnv+" or http://localhost:8080)")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var source string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync cycles from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := httpapi.NewClient(daemonAddr(cmd))
			results, err := client.History(cmd.Context(), source, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSOURCE\tOUTCOME\tEXTRACTED\tLOADED\tDURATION\tERROR")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					r.StartedAt.Format(time.RFC3339), r.SourceID, r.Outcome,
					r.RowsExtracted, r.RowsLoaded, r.Duration.Round(time.Millisecond), r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("addr", "", "daemon address (default $"+daemonAddrEnv+" or http://localhost:8080)")
	cmd.Flags().StringVar(&source, "source", "", "limit to one data source")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum cycles to list")
	return cmd
}

func newResyncCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "resync [source]",
		Short: "Force a full resync by resetting checkpoints",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name a source or pass --all")
			}

			source := ""
			if len(args) == 1 {
				source = args[0]
			}

			client := httpapi.NewClient(daemonAddr(cmd))
			if err := client.Reset(cmd.Context(), source); err != nil {
				return err
			}

			if source == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "all checkpoints reset; full resync scheduled")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint for %s reset; full resync scheduled\n", source)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "daemon address (default $"+daemonAddrEnv+" or http://localhost:8080)")
	cmd.Flags().BoolVar(&all, "all", false, "reset every source")
	return cmd
}
