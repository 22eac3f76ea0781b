package commands

import (
	"github.com/spf13/cobra"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/output"
	"github.com/d-o-hub/epimem/internal/retrieval"
)

// NewQueryCmd implements query_memory (C6): a context-filtered search
// folding in matching patterns and synthesised heuristics.
func NewQueryCmd() *cobra.Command {
	var domain, language, tags, taskType string
	var limit int
	var minSuccessRate float64

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query memory for episodes, patterns and heuristics matching a context",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				result, err := rt.query.Query(cmd.Context(), retrieval.Request{
					Context: models.TaskContext{
						Domain:   domain,
						Language: language,
						Tags:     parseTags(tags),
					},
					TaskType:       models.TaskType(taskType),
					Limit:          limit,
					MinSuccessRate: minSuccessRate,
				})
				if err != nil {
					return err
				}
				return output.PrintSuccess(result)
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "context domain to filter by")
	cmd.Flags().StringVar(&language, "language", "", "context language to filter by")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated context tags")
	cmd.Flags().StringVar(&taskType, "task-type", "", "task type to filter by (empty = unconstrained)")
	cmd.Flags().IntVar(&limit, "limit", retrieval.DefaultLimit, "maximum episodes to return")
	cmd.Flags().Float64Var(&minSuccessRate, "min-success-rate", 0, "minimum pattern success rate to fold in")
	return cmd
}
