package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/d-o-hub/epimem/internal/extraction"
	"github.com/d-o-hub/epimem/internal/heuristics"
	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/output"
	"github.com/d-o-hub/epimem/internal/store"
)

// NewPatternsCmd groups the pattern-table operations: list_patterns,
// analyse_patterns (heuristic synthesis over the current table), and
// decay_patterns.
func NewPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect, synthesise heuristics from, and decay the pattern table",
	}
	cmd.AddCommand(newPatternsListCmd())
	cmd.AddCommand(newPatternsAnalyseCmd())
	cmd.AddCommand(newPatternsDecayCmd())
	return cmd
}

func newPatternsListCmd() *cobra.Command {
	var minConfidence float64
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patterns above a confidence floor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				var patterns any
				err := store.Transact(cmd.Context(), rt.db, func(tx *sql.Tx) error {
					ps, err := store.ListPatternsTx(cmd.Context(), tx, minConfidence, limit)
					patterns = ps
					return err
				})
				if err != nil {
					return err
				}
				return output.PrintSuccess(patterns)
			})
		},
	}
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "minimum pattern confidence")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum patterns to return")
	return cmd
}

func newPatternsAnalyseCmd() *cobra.Command {
	var minConfidence, confidenceFloor float64
	var limit int

	cmd := &cobra.Command{
		Use:   "analyse",
		Short: "Synthesise heuristics (C9) from the current pattern table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				var patterns []*models.Pattern
				err := store.Transact(cmd.Context(), rt.db, func(tx *sql.Tx) error {
					total, err := store.CountPatternsTx(cmd.Context(), tx)
					if err != nil {
						return err
					}
					ps, err := store.ListPatternsTx(cmd.Context(), tx, minConfidence, total)
					patterns = ps
					return err
				})
				if err != nil {
					return err
				}
				return output.PrintSuccess(heuristics.Synthesize(patterns, confidenceFloor, limit))
			})
		},
	}
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "minimum pattern confidence to consider")
	cmd.Flags().Float64Var(&confidenceFloor, "confidence-floor", heuristics.DefaultConfidenceFloor, "minimum confidence a synthesised heuristic must clear")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum heuristics to return")
	return cmd
}

func newPatternsDecayCmd() *cobra.Command {
	var rate float64

	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run one pattern decay pass immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				scheduler := extraction.NewDecayScheduler(rt.db, 0, rate, 0, nil)
				if err := scheduler.RunOnce(cmd.Context()); err != nil {
					return err
				}
				return output.PrintSuccess(struct {
					Decayed bool `json:"decayed"`
				}{Decayed: true})
			})
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", extraction.DefaultDecayRate, "decay rate per hour")
	return cmd
}
