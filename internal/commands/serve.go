package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/d-o-hub/epimem/internal/app"
	"github.com/d-o-hub/epimem/internal/cache"
	"github.com/d-o-hub/epimem/internal/eventbus"
	"github.com/d-o-hub/epimem/internal/extraction"
	"github.com/d-o-hub/epimem/internal/output"
	"github.com/d-o-hub/epimem/internal/store"
)

// NewServeCmd starts the long-running side of the engine: the embedded
// event bus, the pattern extraction worker pool (C5), and the pattern decay
// scheduler. It blocks until interrupted. Short-lived commands (episode,
// query, patterns, storage) never need this process running — durable
// pattern_jobs rows queue their work regardless — but extraction and decay
// only make progress while a `serve` process is up.
func NewServeCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pattern extraction worker pool and decay scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), workers)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "extraction worker count (0 = logical CPUs)")
	return cmd
}

func runServe(ctx context.Context, workers int) error {
	cfg, err := app.LoadSettings()
	if err != nil {
		return cmdErr(err)
	}

	db, err := store.InitDB()
	if err != nil {
		return cmdErr(err)
	}
	defer func() { _ = store.CloseDB(db) }()

	cachePath, err := app.GetCachePath()
	if err != nil {
		return cmdErr(err)
	}
	cacheStore, err := cache.Open(cachePath, cache.Options{MaxItems: cfg.MaxEpisodes})
	if err != nil {
		return cmdErr(err)
	}
	defer func() { _ = cacheStore.Close() }()

	natsServer, err := eventbus.StartEmbedded(eventbus.ServerOptions{})
	if err != nil {
		return cmdErr(err)
	}
	defer natsServer.Shutdown()

	bus, err := eventbus.NewBus(natsServer.ClientURL(), eventbus.Options{ClientID: "epimem-serve"})
	if err != nil {
		return cmdErr(err)
	}
	defer func() { _ = bus.Close() }()

	pipeline := extraction.New(db, bus, extraction.Options{Workers: workers}, slog.Default())
	if err := pipeline.Start(ctx); err != nil {
		return cmdErr(err)
	}
	defer pipeline.Stop()

	decayInterval := time.Duration(cfg.DecayIntervalMS) * time.Millisecond
	decay := extraction.NewDecayScheduler(db, decayInterval, cfg.DecayRatePerHr, 0, slog.Default())
	go decay.Run(ctx)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = output.PrintSuccess(struct {
		Serving bool `json:"serving"`
	}{Serving: true})

	<-runCtx.Done()
	return nil
}
