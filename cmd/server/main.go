package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Meet/internal/adapters/http"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/app/store"
	"github.com/dkeye/Meet/internal/auth"
	"github.com/dkeye/Meet/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(config.New())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	chat, closeStore := openStore(ctx, cfg)
	defer closeStore()

	o := &orch.Orchestrator{
		Registry:        app.NewRegistry(),
		Meetings:        app.NewMeetingManager(),
		Policy:          app.PolicyFor(cfg.Backpressure),
		Store:           chat,
		Limiter:         app.NewRateLimiter(cfg.ChatRate.Limit, cfg.ChatRate.Interval),
		Grace:           cfg.PresenceGrace,
		MaxParticipants: cfg.MaxParticipants,
		HistoryLimit:    cfg.ChatHistoryLimit,
	}
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)

	r := router.SetupRouter(ctx, cfg, o, tokens)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Meet hub started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		o.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}

func openStore(ctx context.Context, cfg *config.Config) (store.ChatStore, func()) {
	if !cfg.Redis.Enabled {
		return store.NewMemory(cfg.ChatHistoryLimit), func() {}
	}
	rdb, err := store.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, chat kept in memory")
		return store.NewMemory(cfg.ChatHistoryLimit), func() {}
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("chat store on redis")
	return store.NewRedis(rdb, cfg.ChatHistoryLimit, cfg.Redis.TTL), func() { _ = rdb.Close() }
}
