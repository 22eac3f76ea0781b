// Package commands implements the epimem CLI: a thin cobra surface over
// the library operations spec.md §6 names (start_episode, log_execution_step,
// complete_episode, abort_episode, get_episode, query_memory, analyse_patterns,
// decay_patterns, storage_stats, storage_health, storage_sync, storage_vacuum,
// backup, restore), each printing a single JSON response via internal/output.
package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/d-o-hub/epimem/internal/app"
	"github.com/d-o-hub/epimem/internal/output"
)

// Execute runs the CLI application.
func Execute(version string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "epimem",
		Short:         "Self-learning episodic memory engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			showVersion, _ := cmd.Flags().GetBool("version")
			if showVersion {
				type resp struct {
					Version string `json:"version"`
				}
				return output.PrintSuccess(resp{Version: version})
			}
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := app.EnsureConfigDir(); err != nil {
				return err
			}
			if durableURL, err := cmd.Flags().GetString("durable-url"); err == nil && durableURL != "" {
				app.SetDurableURLOverride(durableURL)
			}
			if cachePath, err := cmd.Flags().GetString("cache-path"); err == nil && cachePath != "" {
				app.SetCachePathOverride(cachePath)
			}
			return nil
		},
	}

	root.PersistentFlags().String("durable-url", "", "Override durable store location")
	root.PersistentFlags().String("cache-path", "", "Override cache store location")
	root.Flags().BoolP("version", "v", false, "version for epimem")

	root.AddCommand(NewEpisodeCmd())
	root.AddCommand(NewQueryCmd())
	root.AddCommand(NewPatternsCmd())
	root.AddCommand(NewStorageCmd())
	root.AddCommand(NewServeCmd())

	err := root.Execute()
	if err != nil {
		var pe printedError
		if !errors.As(err, &pe) {
			slog.Default().Error("command failed", "error", err.Error())
		}
	}
	return err
}
