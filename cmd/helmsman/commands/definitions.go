package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helmsman-cd/helmsman/pkg/telemetry"
	"github.com/helmsman-cd/helmsman/pkg/triggers"
)

func newDefinitionsCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Inspect workflow definitions",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "pipelines.yaml", "definitions file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions from a definitions file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := loadDefinitions(file)
			if err != nil {
				return err
			}
			defer cache.Close()
			return printJSON(cache.All())
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a definitions file and report matchable definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := loadDefinitions(file)
			if err != nil {
				return err
			}
			defer cache.Close()

			all := cache.All()
			matchable := cache.Matchable()
			fmt.Printf("%s: %d definition(s), %d matchable\n", file, len(all), len(matchable))
			return nil
		},
	}

	cmd.AddCommand(list)
	cmd.AddCommand(validate)
	return cmd
}

func loadDefinitions(path string) (*triggers.DefinitionCache, error) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  logLevel,
		Format: logFormat,
		Output: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return triggers.NewDefinitionCache(path, logger)
}
