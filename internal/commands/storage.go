package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/d-o-hub/epimem/internal/app"
	"github.com/d-o-hub/epimem/internal/output"
	"github.com/d-o-hub/epimem/internal/store"
)

// NewStorageCmd groups the storage-maintenance operations: stats, health,
// sync (WAL checkpoint), vacuum, backup, restore.
func NewStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Storage stats, health, maintenance, backup and restore",
	}
	cmd.AddCommand(newStorageStatsCmd())
	cmd.AddCommand(newStorageHealthCmd())
	cmd.AddCommand(newStorageSyncCmd())
	cmd.AddCommand(newStorageVacuumCmd())
	cmd.AddCommand(newStorageBackupCmd())
	cmd.AddCommand(newStorageRestoreCmd())
	return cmd
}

type storageStats struct {
	EpisodeCount  int     `json:"episode_count"`
	PatternCount  int     `json:"pattern_count"`
	SchemaVersion int64   `json:"schema_version"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
}

func newStorageStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report episode/pattern counts, schema version, cache hit rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				var stats storageStats
				err := store.Transact(cmd.Context(), rt.db, func(tx *sql.Tx) error {
					count, err := store.GetEpisodeCountTx(cmd.Context(), tx)
					if err != nil {
						return err
					}
					patternCount, err := store.CountPatternsTx(cmd.Context(), tx)
					if err != nil {
						return err
					}
					stats.EpisodeCount = count
					stats.PatternCount = patternCount
					return nil
				})
				if err != nil {
					return err
				}

				current, _, err := store.SchemaVersion(rt.db)
				if err != nil {
					return err
				}
				stats.SchemaVersion = current
				stats.CacheHitRate = rt.cache.HitRate()

				return output.PrintSuccess(stats)
			})
		},
	}
	return cmd
}

type storageHealth struct {
	DurableReachable bool   `json:"durable_reachable"`
	SchemaCurrent    bool   `json:"schema_current"`
	BreakerState     string `json:"cache_breaker_state"`
}

func newStorageHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Report durable store reachability, schema freshness, and cache breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				health := storageHealth{BreakerState: rt.coord.BreakerState()}

				if err := rt.db.PingContext(cmd.Context()); err == nil {
					health.DurableReachable = true
				}
				health.SchemaCurrent = store.CheckSchemaVersion(rt.db) == nil

				return output.PrintSuccess(health)
			})
		},
	}
	return cmd
}

func newStorageSyncCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Checkpoint the durable store's WAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				if err := store.CheckpointWAL(cmd.Context(), rt.db, mode); err != nil {
					return err
				}
				return output.PrintSuccess(struct {
					Synced bool `json:"synced"`
				}{Synced: true})
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "PASSIVE", "WAL checkpoint mode: PASSIVE, FULL, TRUNCATE, RESTART")
	return cmd
}

func newStorageVacuumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Rebuild the durable store file, reclaiming freed space",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				if _, err := rt.db.ExecContext(cmd.Context(), "VACUUM"); err != nil {
					return err
				}
				return output.PrintSuccess(struct {
					Vacuumed bool `json:"vacuumed"`
				}{Vacuumed: true})
			})
		},
	}
	return cmd
}

func newStorageBackupCmd() *cobra.Command {
	var dest string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a consistent point-in-time snapshot of the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *appRuntime) error {
				if err := store.BackupTo(cmd.Context(), rt.db, dest); err != nil {
					return err
				}
				return output.PrintSuccess(struct {
					BackedUpTo string `json:"backed_up_to"`
				}{BackedUpTo: dest})
			})
		},
	}
	cmd.Flags().StringVar(&dest, "output", "", "backup destination path")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newStorageRestoreCmd() *cobra.Command {
	var src string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the durable store from a backup snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := app.GetDurableURL()
			if err != nil {
				return cmdErr(err)
			}
			db, err := store.RestoreFrom(src, dest)
			if err != nil {
				return cmdErr(err)
			}
			defer func() { _ = store.CloseDB(db) }()

			return output.PrintSuccess(struct {
				RestoredFrom string `json:"restored_from"`
			}{RestoredFrom: src})
		},
	}
	cmd.Flags().StringVar(&src, "input", "", "backup source path")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
