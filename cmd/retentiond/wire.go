package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cliploop/retentiond/internal/cache"
	"github.com/cliploop/retentiond/internal/config"
	"github.com/cliploop/retentiond/internal/configstore"
	"github.com/cliploop/retentiond/internal/experiment"
	"github.com/cliploop/retentiond/internal/feedback"
	"github.com/cliploop/retentiond/internal/infrastructure/db"
	"github.com/cliploop/retentiond/internal/persistence"
	"github.com/cliploop/retentiond/internal/persistence/memory"
	"github.com/cliploop/retentiond/internal/prompt"
	"github.com/cliploop/retentiond/internal/recorder"
	"github.com/cliploop/retentiond/internal/scoring"
	"github.com/cliploop/retentiond/internal/suggest"
)

// app bundles the wired services plus the infrastructure handles the
// commands need.
type app struct {
	versions   *configstore.Store
	allocator  *experiment.Allocator
	recorder   *recorder.Recorder
	suggest    *suggest.Engine
	translator *prompt.Translator
	engine     *scoring.Engine
	loop       *feedback.Loop

	jobs     persistence.JobsRepo
	security persistence.SecurityEventsRepo
	guard    persistence.Guard
	health   persistence.RepositoryHealth
	breaker  func() string
	cache    cache.Cache

	cleanup func()
}

// buildApp wires the service graph, postgres-backed when the database is
// enabled and in-memory otherwise.
func buildApp(cfg *config.Config) (*app, error) {
	engine := scoring.NewEngine()

	var (
		repos   *persistence.Repository
		guard   persistence.Guard
		health  persistence.RepositoryHealth
		breaker func() string
	)
	cleanup := func() {}

	if cfg.Database.Enabled {
		manager, err := db.NewManager(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		repos = manager.Repository()
		guard = manager.Guard
		health = manager.Health()
		breaker = manager.BreakerState
		cleanup = func() { _ = manager.Close() }
		log.Info().Msg("Postgres store connected")
	} else {
		mem := memory.NewStore()
		repos = &persistence.Repository{
			ConfigVersions: mem.ConfigVersions(),
			Experiments:    mem.Experiments(),
			Metrics:        mem.Metrics(),
			Feedback:       mem.FeedbackState(),
			Security:       mem.SecurityEvents(),
			Jobs:           mem.Jobs(),
		}
		log.Warn().Msg("Database disabled, state lives in memory only")
	}

	versions := configstore.New(repos.ConfigVersions, guard)
	rec := recorder.New(engine, versions, repos.Metrics, guard)
	allocator := experiment.New(repos.Experiments, repos.Metrics, versions, guard,
		experiment.NewRand(uint64(time.Now().UnixNano())))
	sugg := suggest.New(rec, versions)

	return &app{
		versions:   versions,
		allocator:  allocator,
		recorder:   rec,
		suggest:    sugg,
		translator: prompt.New(sugg),
		engine:     engine,
		loop:       feedback.New(repos.Feedback, repos.Jobs, rec, versions, guard),
		jobs:       repos.Jobs,
		security:   repos.Security,
		guard:      guard,
		health:     health,
		breaker:    breaker,
		cache:      cache.New(cfg.Cache.Redis),
		cleanup:    cleanup,
	}, nil
}
