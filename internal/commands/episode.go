package commands

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/output"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// NewEpisodeCmd groups the episode lifecycle operations (C4): start, step,
// complete, abort, get.
func NewEpisodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "episode",
		Short: "Episode lifecycle: start, step, complete, abort, get",
	}
	cmd.AddCommand(newEpisodeStartCmd())
	cmd.AddCommand(newEpisodeStepCmd())
	cmd.AddCommand(newEpisodeCompleteCmd())
	cmd.AddCommand(newEpisodeAbortCmd())
	cmd.AddCommand(newEpisodeGetCmd())
	return cmd
}

func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func newEpisodeStartCmd() *cobra.Command {
	var domain, language, tags, taskType, description string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				id, err := rt.engine.StartEpisode(cmd.Context(), description, models.TaskContext{
					Domain:   domain,
					Language: language,
					Tags:     parseTags(tags),
				}, models.TaskType(taskType))
				if err != nil {
					return err
				}
				type resp struct {
					EpisodeID string `json:"episode_id"`
				}
				return output.PrintSuccess(resp{EpisodeID: id.String()})
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&domain, "domain", "", "task context domain")
	cmd.Flags().StringVar(&language, "language", "", "task context language")
	cmd.Flags().StringVar(&tags, "tags", "", "comma-separated context tags")
	cmd.Flags().StringVar(&taskType, "task-type", string(models.TaskTypeOther), "task type")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func newEpisodeStepCmd() *cobra.Command {
	var episodeID, tool, action, stepOutput, observation string
	var success bool
	var durationMS int64

	cmd := &cobra.Command{
		Use:   "step",
		Short: "Log one execution step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				id, err := ids.ParseEpisodeID(episodeID)
				if err != nil {
					return err
				}
				step := models.Step{
					ToolName:    tool,
					Action:      action,
					Output:      stepOutput,
					Success:     success,
					DurationMS:  durationMS,
					Timestamp:   time.Now().UTC(),
					Observation: observation,
				}
				if err := rt.engine.LogExecutionStep(cmd.Context(), id, step); err != nil {
					return err
				}
				return output.PrintSuccess(struct {
					Logged bool `json:"logged"`
				}{Logged: true})
			})
		},
	}
	cmd.Flags().StringVar(&episodeID, "episode-id", "", "episode id")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name")
	cmd.Flags().StringVar(&action, "action", "", "action taken")
	cmd.Flags().StringVar(&stepOutput, "output", "", "tool output")
	cmd.Flags().StringVar(&observation, "observation", "", "observation drawn from the output")
	cmd.Flags().BoolVar(&success, "success", false, "whether the step succeeded")
	cmd.Flags().Int64Var(&durationMS, "duration-ms", 0, "step duration in milliseconds")
	_ = cmd.MarkFlagRequired("episode-id")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func newEpisodeCompleteCmd() *cobra.Command {
	var episodeID, kind, verdict, artifacts, errorInfo string

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete an episode and compute its reward score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				id, err := ids.ParseEpisodeID(episodeID)
				if err != nil {
					return err
				}
				report, err := rt.engine.CompleteEpisode(cmd.Context(), id, models.Outcome{
					Kind:      models.OutcomeKind(kind),
					Verdict:   verdict,
					Artifacts: parseTags(artifacts),
					ErrorInfo: errorInfo,
				})
				if err != nil {
					return err
				}
				return output.PrintSuccess(report)
			})
		},
	}
	cmd.Flags().StringVar(&episodeID, "episode-id", "", "episode id")
	cmd.Flags().StringVar(&kind, "kind", string(models.OutcomeSuccess), "outcome kind: success, failure, partial")
	cmd.Flags().StringVar(&verdict, "verdict", "", "human-readable verdict")
	cmd.Flags().StringVar(&artifacts, "artifacts", "", "comma-separated artifact references")
	cmd.Flags().StringVar(&errorInfo, "error-info", "", "error detail when the outcome is a failure")
	_ = cmd.MarkFlagRequired("episode-id")
	return cmd
}

func newEpisodeAbortCmd() *cobra.Command {
	var episodeID, reason string

	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort an in-progress episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				id, err := ids.ParseEpisodeID(episodeID)
				if err != nil {
					return err
				}
				if err := rt.engine.AbortEpisode(cmd.Context(), id, reason); err != nil {
					return err
				}
				return output.PrintSuccess(struct {
					Aborted bool `json:"aborted"`
				}{Aborted: true})
			})
		},
	}
	cmd.Flags().StringVar(&episodeID, "episode-id", "", "episode id")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for aborting")
	_ = cmd.MarkFlagRequired("episode-id")
	return cmd
}

func newEpisodeGetCmd() *cobra.Command {
	var episodeID string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch an episode by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				id, err := ids.ParseEpisodeID(episodeID)
				if err != nil {
					return err
				}
				ep, err := rt.coord.GetEpisode(cmd.Context(), id)
				if err != nil {
					return err
				}
				return output.PrintSuccess(ep)
			})
		},
	}
	cmd.Flags().StringVar(&episodeID, "episode-id", "", "episode id")
	_ = cmd.MarkFlagRequired("episode-id")
	return cmd
}
