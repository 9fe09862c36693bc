package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cliploop/retentiond/internal/config"
	httpapi "github.com/cliploop/retentiond/internal/interfaces/http"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the retention control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	addConfigFlag(cmd.Flags(), &configPath)
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	a, err := buildApp(&cfg)
	if err != nil {
		return err
	}
	defer a.cleanup()
	defer func() { _ = a.cache.Close() }()

	if _, err := a.versions.EnsureDefault(ctx); err != nil {
		log.Warn().Err(err).Msg("Default config seed failed")
	}

	srv := httpapi.NewServer(httpapi.Config{
		Addr:              cfg.Server.Addr(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		OwnerEmails:       cfg.Auth.OwnerEmails,
		ControlKey:        cfg.Auth.ControlKey,
		RateLimitWindowMs: cfg.RateLimit.WindowMs,
		RateLimitMax:      cfg.RateLimit.Max,
	}, httpapi.Deps{
		Versions:     a.versions,
		Allocator:    a.allocator,
		Recorder:     a.recorder,
		Suggest:      a.suggest,
		Translator:   a.translator,
		Engine:       a.engine,
		Jobs:         a.jobs,
		Security:     a.security,
		Guard:        a.guard,
		StoreHealth:  a.health,
		BreakerState: a.breaker,
		Cache:        a.cache,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
