package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/crashes"
	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/debug"
	"github.com/fuzztriage/fuzztriage/internal/hooks"
	"github.com/fuzztriage/fuzztriage/internal/jobs"
	"github.com/fuzztriage/fuzztriage/internal/reassign"
	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/storage/dolt"
	"github.com/fuzztriage/fuzztriage/internal/storage/factory"
	"github.com/fuzztriage/fuzztriage/internal/telemetry"
	"github.com/fuzztriage/fuzztriage/internal/triage"
)

// app bundles the services a command works with.
type app struct {
	store   storage.Storage
	raw     storage.Storage // store without instrumentation
	cache   *crashinfo.Cache
	svc     *crashes.Service
	triager *triage.Triager
	log     *slog.Logger
}

// openApp opens the configured database and wires the services on top.
func openApp(ctx context.Context) (*app, error) {
	wsDir, wsErr := config.FindWorkspaceDir()
	if wsErr != nil && dbPath == "" && config.GetString("database.backend") == config.BackendEmbedded {
		return nil, wsErr
	}
	settings, err := config.Database(wsDir)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		settings.Path = dbPath
	}
	debug.Logf("opening %s database (path=%s name=%s)\n", settings.Backend, settings.Path, settings.Name)

	raw, err := factory.Open(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	var runner *hooks.Runner
	if wsDir != "" {
		runner = hooks.NewRunner(config.HooksDir(wsDir), config.HookTimeout())
	}
	return newApp(raw, runner)
}

// newApp wires services around an open store. runner may be nil.
func newApp(raw storage.Storage, runner *hooks.Runner) (*app, error) {
	cache, err := crashinfo.NewCache(config.CrashInfoCacheSize())
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	log := debug.Logger()
	store := telemetry.WrapStorage(raw)
	svc := crashes.New(store, cache, crashes.WithHooks(runner), crashes.WithLogger(log))
	return &app{
		store:   store,
		raw:     raw,
		cache:   cache,
		svc:     svc,
		triager: triage.New(svc, cache, log),
		log:     log,
	}, nil
}

// queue returns a triage queue sized by triage.workers.
func (a *app) queue() *triage.Queue {
	return triage.NewQueue(a.triager, config.TriageWorkers())
}

// engine returns a reassignment engine sending removed entries to q.
func (a *app) engine(q reassign.TriageEnqueuer) *reassign.Engine {
	opts := []reassign.Option{reassign.WithLogger(a.log)}
	if q != nil {
		opts = append(opts, reassign.WithTriage(q))
	}
	return reassign.New(a.store, a.cache, opts...)
}

// tokens opens the configured job token store. The returned func releases it.
func (a *app) tokens() (jobs.TokenSet, func(), error) {
	kind, ttl := config.TokenStore()
	switch kind {
	case config.TokenStoreMemory, "":
		return jobs.NewMemoryTokens(ttl), func() {}, nil
	case config.TokenStoreRedis:
		rt, err := jobs.NewRedisTokens(config.RedisURL(), jobs.WithTTL(ttl))
		if err != nil {
			return nil, nil, err
		}
		return rt, func() { _ = rt.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown jobs.token-store %q (want %s or %s)", kind, config.TokenStoreMemory, config.TokenStoreRedis)
}

// commit records a Dolt commit when the backend is versioned.
func (a *app) commit(ctx context.Context, message string) {
	ds, ok := a.raw.(*dolt.DoltStore)
	if !ok {
		return
	}
	if err := ds.Commit(ctx, message); err != nil {
		WarnError("dolt commit failed: %v", err)
	}
}

func (a *app) Close() error {
	return a.store.Close()
}
