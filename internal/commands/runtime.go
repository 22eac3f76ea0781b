package commands

import (
	"database/sql"
	"log/slog"

	"github.com/d-o-hub/epimem/internal/app"
	"github.com/d-o-hub/epimem/internal/cache"
	"github.com/d-o-hub/epimem/internal/capacity"
	"github.com/d-o-hub/epimem/internal/coordinator"
	"github.com/d-o-hub/epimem/internal/lifecycle"
	"github.com/d-o-hub/epimem/internal/retrieval"
	"github.com/d-o-hub/epimem/internal/store"
)

// printedError marks an error whose JSON response has already been written
// to stdout, so root's top-level handler doesn't also dump it to stderr.
type printedError struct {
	err error
}

func (e printedError) Error() string { return "error already printed" }
func (e printedError) Unwrap() error { return e.err }

func cmdErr(err error) error {
	if err == nil {
		return nil
	}
	slog.Error("command failed", "error", err.Error())
	return printedError{err: err}
}

// appRuntime assembles the durable store, cache, coordinator and lifecycle
// engine a single CLI invocation needs. bus is always nil here: short-lived
// commands enqueue pattern_jobs durably and rely on `epimem serve` (or
// another long-running worker) to drain them, rather than standing up an
// embedded NATS server per invocation.
type appRuntime struct {
	db     *sql.DB
	cache  *cache.Store
	coord  *coordinator.Coordinator
	engine *lifecycle.Engine
	query  *retrieval.Engine
}

func openRuntime() (*appRuntime, func(), error) {
	cfg, err := app.LoadSettings()
	if err != nil {
		return nil, nil, err
	}

	db, err := store.InitDB()
	if err != nil {
		return nil, nil, err
	}

	cachePath, err := app.GetCachePath()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	cacheStore, err := cache.Open(cachePath, cache.Options{MaxItems: cfg.MaxEpisodes})
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	coord := coordinator.New(db, cacheStore, coordinator.Options{}, slog.Default())
	engine := lifecycle.New(db, nil, lifecycle.Options{
		MaxEpisodes:    cfg.MaxEpisodes,
		CapacityPolicy: capacity.Policy(cfg.EvictionPolicy),
	}, slog.Default())
	queryEngine := retrieval.New(db, coord, slog.Default())

	rt := &appRuntime{db: db, cache: cacheStore, coord: coord, engine: engine, query: queryEngine}
	closeFn := func() {
		coord.Close()
		if cerr := cacheStore.Close(); cerr != nil {
			slog.Default().Warn("close cache store", "error", cerr)
		}
		_ = store.CloseDB(db)
	}
	return rt, closeFn, nil
}

func withRuntime(fn func(rt *appRuntime) error) error {
	rt, closeFn, err := openRuntime()
	if err != nil {
		return cmdErr(err)
	}
	defer closeFn()

	if err := fn(rt); err != nil {
		return cmdErr(err)
	}
	return nil
}
