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

	router "github.com/dkeye/conference/internal/adapters/http"
	"github.com/dkeye/conference/internal/adapters/rtc"
	sig "github.com/dkeye/conference/internal/adapters/signal"
	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/app/orch"
	"github.com/dkeye/conference/internal/app/sfu"
	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	retention, err := app.RetentionFromConfig(cfg.Rooms.EmptyPolicy)
	if err != nil {
		return err
	}
	codecs, err := rtc.CodecsFromConfig(cfg.Media.Codecs)
	if err != nil {
		return err
	}
	engine, err := rtc.NewEngine(cfg.Media, sfu.NewRelayManager())
	if err != nil {
		return err
	}

	reg := app.NewRegistry(engine, codecs, retention)
	conns := app.NewConnections(app.SimplePolicy{})
	o := orch.New(reg, conns)
	m := metrics.New(reg, conns)
	limiter := sig.NewRoomRateLimiter(cfg.Signal.JoinRateLimit, cfg.Signal.JoinRateInterval)
	ctl := sig.NewSignalWSController(o, cfg, limiter, m)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, reg, ctl, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("SFU signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return limiter.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		stats := reg.Stats()
		log.Info().Int("rooms", stats.Rooms).Int("peers", stats.Peers).Msg("registry at shutdown")
		return nil
	})
	return g.Wait()
}
