package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/helmsman-cd/helmsman/pkg/execution"
	"github.com/helmsman-cd/helmsman/pkg/stores"
	"github.com/helmsman-cd/helmsman/pkg/telemetry"
)

func newExecutionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Inspect and control workflow executions",
	}

	cmd.AddCommand(newExecutionListCommand())
	cmd.AddCommand(newExecutionGetCommand())
	cmd.AddCommand(newExecutionCancelCommand())
	cmd.AddCommand(newExecutionPauseCommand())
	cmd.AddCommand(newExecutionResumeCommand())
	cmd.AddCommand(newExecutionDeleteCommand())

	return cmd
}

// withRepository opens the execution repository over the configured
// database, runs fn, and closes the store afterwards.
func withRepository(ctx context.Context, fn func(context.Context, *execution.Repository) error) error {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  logLevel,
		Format: logFormat,
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: dbPath})
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	repo := execution.NewRepository(store, nil, execution.RepositoryConfig{}, logger, metrics)
	return fn(ctx, repo)
}

func parseExecutionType(raw string) (execution.ExecutionType, error) {
	switch raw {
	case "pipeline":
		return execution.ExecutionTypePipeline, nil
	case "orchestration":
		return execution.ExecutionTypeOrchestration, nil
	default:
		return "", fmt.Errorf("invalid execution type %q (must be 'pipeline' or 'orchestration')", raw)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newExecutionListCommand() *cobra.Command {
	var (
		application string
		execType    string
		statuses    []string
		page        int
		pageSize    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions for an application",
		Example: `  # List pipeline executions
  helmsman execution list --application gateapp

  # Only running ones, second page
  helmsman execution list --application gateapp --status RUNNING --page 1 --page-size 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseExecutionType(execType)
			if err != nil {
				return err
			}
			criteria := execution.Criteria{Page: page, PageSize: pageSize}
			for _, raw := range statuses {
				status, err := execution.ParseStatus(raw)
				if err != nil {
					return err
				}
				criteria.Statuses = append(criteria.Statuses, status)
			}

			return withRepository(cmd.Context(), func(ctx context.Context, repo *execution.Repository) error {
				executions, err := repo.RetrieveByApplication(ctx, t, application, criteria)
				if err != nil {
					return err
				}
				return printJSON(executions)
			})
		},
	}

	cmd.Flags().StringVarP(&application, "application", "a", "", "application name")
	cmd.Flags().StringVarP(&execType, "type", "t", "pipeline", "execution type (pipeline, orchestration)")
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "filter by status (repeatable)")
	cmd.Flags().IntVar(&page, "page", 0, "zero-based page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "page size, 0 for unbounded")
	_ = cmd.MarkFlagRequired("application")

	return cmd
}

func newExecutionGetCommand() *cobra.Command {
	var execType string

	cmd := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one execution with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseExecutionType(execType)
			if err != nil {
				return err
			}
			return withRepository(cmd.Context(), func(ctx context.Context, repo *execution.Repository) error {
				exec, err := repo.Retrieve(ctx, t, args[0])
				if err != nil {
					return err
				}
				return printJSON(exec)
			})
		},
	}

	cmd.Flags().StringVarP(&execType, "type", "t", "pipeline", "execution type (pipeline, orchestration)")
	return cmd
}

func newExecutionCancelCommand() *cobra.Command {
	var (
		execType string
		user     string
		reason   string
	)

	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cancellation of an execution",
		Long: `Request cancellation of an execution.

Cancellation is cooperative. A running execution keeps its status and
only carries a cancellation flag; the worker owning it stops advancing
at its next checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseExecutionType(execType)
			if err != nil {
				return err
			}
			return withRepository(cmd.Context(), func(ctx context.Context, repo *execution.Repository) error {
				if err := repo.Cancel(ctx, t, args[0], user, reason); err != nil {
					return err
				}
				fmt.Printf("Cancellation requested for %s %s\n", t, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&execType, "type", "t", "pipeline", "execution type (pipeline, orchestration)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user requesting the cancellation")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "cancellation reason")
	return cmd
}

func newExecutionPauseCommand() *cobra.Command {
	var (
		execType string
		user     string
	)

	cmd := &cobra.Command{
		Use:   "pause <execution-id>",
		Short: "Pause a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseExecutionType(execType)
			if err != nil {
				return err
			}
			return withRepository(cmd.Context(), func(ctx context.Context, repo *execution.Repository) error {
				if err := repo.Pause(ctx, t, args[0], user); err != nil {
					return err
				}
				fmt.Printf("Paused %s %s\n", t, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&execType, "type", "t", "pipeline", "execution type (pipeline, orchestration)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user requesting the pause")
	return cmd
}

func newExecutionResumeCommand() *cobra.Command {
	var (
		execType string
		user     string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseExecutionType(execType)
			if err != nil {
				return err
			}
			return withRepository(cmd.Context(), func(ctx context.Context, repo *execution.Repository) error {
				if err := repo.Resume(ctx, t, args[0], user, force); err != nil {
					return err
				}
				fmt.Printf("Resumed %s %s\n", t, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&execType, "type", "t", "pipeline", "execution type (pipeline, orchestration)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user requesting the resume")
	cmd.Flags().BoolVar(&force, "force", false, "resume regardless of current status")
	return cmd
}

func newExecutionDeleteCommand() *cobra.Command {
	var execType string

	cmd := &cobra.Command{
		Use:   "delete <execution-id>",
		Short: "Delete an execution and its indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseExecutionType(execType)
			if err != nil {
				return err
			}
			return withRepository(cmd.Context(), func(ctx context.Context, repo *execution.Repository) error {
				if err := repo.Delete(ctx, t, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s %s\n", t, args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&execType, "type", "t", "pipeline", "execution type (pipeline, orchestration)")
	return cmd
}
