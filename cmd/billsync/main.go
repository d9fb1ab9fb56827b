package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/billsync/cmd/billsync/cli"
	"github.com/odyssey-erp/billsync/internal/app"
	"github.com/odyssey-erp/billsync/internal/ingest"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := execute(ctx, os.Args[1:])
	stop()
	os.Exit(status)
}

func execute(ctx context.Context, args []string) int {
	var (
		input, policyFile, queue string
		updateExisting, jsonOut  bool
	)
	code := cli.ExitOK

	root := &cobra.Command{
		Use:           "billsync",
		Short:         "Consolidate vendor invoice lines and sync them to the ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "print machine-readable JSON")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Aggregate an export and push the bills to the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			rt, err := app.NewRuntime(cmd.Context(), cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
			c, err := newSyncCLI(cfg, rt)
			if err != nil {
				return err
			}
			code = c.SyncCommand(cmd.Context(), cli.SyncOptions{
				Input:          input,
				PolicyFile:     policyFile,
				UpdateExisting: updateExisting,
				JSONOutput:     jsonOut,
				Stdout:         cmd.OutOrStdout(),
				Stderr:         cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	syncCmd.Flags().StringVar(&input, "input", "", "CSV or XLSX export")
	syncCmd.Flags().StringVar(&policyFile, "policy", "", "grouping policy YAML (defaults to GROUPING_POLICY_FILE)")
	syncCmd.Flags().BoolVar(&updateExisting, "update-existing", false, "update bills that already exist instead of skipping them")
	_ = syncCmd.MarkFlagRequired("input")

	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Aggregate an export and print the bills without contacting the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			c, err := newSyncCLI(cfg, nil)
			if err != nil {
				return err
			}
			code = c.PreviewCommand(cmd.Context(), cli.PreviewOptions{
				Input:      input,
				PolicyFile: policyFile,
				JSONOutput: jsonOut,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	previewCmd.Flags().StringVar(&input, "input", "", "CSV or XLSX export")
	previewCmd.Flags().StringVar(&policyFile, "policy", "", "grouping policy YAML (defaults to GROUPING_POLICY_FILE)")
	_ = previewCmd.MarkFlagRequired("input")

	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a billsync:run task to the worker queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
			defer func() { _ = jobsCLI.Close() }()
			code = jobsCLI.EnqueueCommand(cmd.Context(), cli.EnqueueOptions{
				Input:          input,
				PolicyFile:     policyFile,
				UpdateExisting: updateExisting,
				JSONOutput:     jsonOut,
				Stdout:         cmd.OutOrStdout(),
				Stderr:         cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	enqueueCmd.Flags().StringVar(&input, "input", "", "export path as seen by the worker")
	enqueueCmd.Flags().StringVar(&policyFile, "policy", "", "grouping policy YAML as seen by the worker")
	enqueueCmd.Flags().BoolVar(&updateExisting, "update-existing", false, "update bills that already exist")
	_ = enqueueCmd.MarkFlagRequired("input")

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print worker queue statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
			defer func() { _ = jobsCLI.Close() }()
			code = jobsCLI.InspectCommand(cmd.Context(), cli.InspectOptions{
				Queue:      queue,
				JSONOutput: jsonOut,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	inspectCmd.Flags().StringVar(&queue, "queue", "", "queue name (default queue when empty)")

	root.AddCommand(syncCmd, previewCmd, enqueueCmd, inspectCmd)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln("billsync:", err)
		return cli.ExitFailure
	}
	return code
}

func setup() (*app.Config, *slog.Logger, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := app.NewLoggerTo(os.Stderr, cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newSyncCLI(cfg *app.Config, rt *app.Runtime) (*cli.SyncCLI, error) {
	parser, err := cfg.DateParser()
	if err != nil {
		return nil, err
	}
	var syncer cli.Syncer
	if rt != nil {
		syncer = rt.Engine
	}
	return cli.NewSyncCLI(syncer, ingest.ReadFile, cfg.GroupingPolicy, parser)
}
