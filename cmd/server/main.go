package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/calltower/switchboard/internal/adapters/http"
	wssignal "github.com/calltower/switchboard/internal/adapters/signal"
	"github.com/calltower/switchboard/internal/app"
	"github.com/calltower/switchboard/internal/auth"
	"github.com/calltower/switchboard/internal/config"
	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/notify"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	clock := core.SystemClock{}
	registry := app.NewRegistry()
	calls := app.NewCallStore(clock)
	cast := app.NewBroadcaster(registry)
	relay := app.NewRelay(registry, calls, cast, notify.NewLogNotifier(), notify.NewStaticConversationResolver())

	reaper := app.NewReaper(relay, clock, cfg.ReapInterval, cfg.CallTTL)
	go reaper.Run(ctx)

	authenticator := auth.NewTokenAuthenticator(cfg.OwnerToken)
	ctrl := wssignal.NewController(relay, authenticator, cfg)

	r := router.SetupRouter(ctx, cfg, ctrl, authenticator)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Switchboard server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
