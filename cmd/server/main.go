package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/carlcord/voice/internal/adapters/http"
	"github.com/carlcord/voice/internal/adapters/membership"
	signaladapter "github.com/carlcord/voice/internal/adapters/signal"
	"github.com/carlcord/voice/internal/app"
	"github.com/carlcord/voice/internal/app/orch"
	"github.com/carlcord/voice/internal/config"
	"github.com/carlcord/voice/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	store, closeStore, err := membershipStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Membership.Backend).Msg("membership store")
	}
	defer closeStore()

	o := &orch.Orchestrator{
		Registry:     app.NewRegistry(),
		Channels:     app.NewChannelManager(),
		Policy:       app.SimplePolicy{Action: app.ParseBackpressureAction(cfg.Backpressure)},
		Limiter:      signaladapter.NewJoinRateLimiter(cfg.JoinRate.Limit, cfg.JoinRate.Interval),
		Store:        store,
		StoreTimeout: cfg.Membership.Timeout,
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{Orch: o, Store: store})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voice gateway started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}

// membershipStore opens the configured backend. The gateway mirrors live
// presence into it and serves the REST membership API from it.
func membershipStore(ctx context.Context, cfg *config.Config) (core.MembershipStore, func(), error) {
	noop := func() {}
	switch cfg.Membership.Backend {
	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Membership.Redis.Addr,
			Password: cfg.Membership.Redis.Password,
			DB:       cfg.Membership.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Membership.Timeout)
		defer cancel()
		if err := rc.Ping(pingCtx).Err(); err != nil {
			_ = rc.Close()
			return nil, noop, fmt.Errorf("redis ping %s: %w", cfg.Membership.Redis.Addr, err)
		}
		log.Info().Str("addr", cfg.Membership.Redis.Addr).Msg("membership store: redis")
		return membership.NewRedisStore(rc, cfg.Membership.Redis.KeyPrefix), func() { _ = rc.Close() }, nil
	case "rest":
		log.Info().Str("url", cfg.Membership.URL).Msg("membership store: rest")
		return membership.NewRESTStore(cfg.Membership.URL, cfg.Membership.Token, cfg.Membership.Timeout), noop, nil
	default:
		log.Info().Msg("membership store: memory")
		return membership.NewMemoryStore(), noop, nil
	}
}
