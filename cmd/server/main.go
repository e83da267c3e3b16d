package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmeet/roomcore/internal/app"
	"github.com/openmeet/roomcore/internal/config"
	"github.com/openmeet/roomcore/internal/metrics"
	"github.com/openmeet/roomcore/internal/registry"
	"github.com/openmeet/roomcore/internal/store/sqlite"
	router "github.com/openmeet/roomcore/internal/transport/http"
	"github.com/openmeet/roomcore/internal/transport/ws"
)

func main() {
	root := &cobra.Command{
		Use:   "roomcore",
		Short: "Real-time meeting room coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return err
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Str("db", cfg.DBPath).Msg("failed to open store")
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	clients := registry.NewClients()
	rooms := registry.NewRooms(clients)

	ctl := ws.NewController(cfg)
	eng := app.New(clients, rooms, store, store, ctl, m)
	ctl.Bind(eng)

	r := router.SetupRouter(ctx, cfg, eng, ctl, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("roomcore server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	log.Info().Msg("server exited gracefully")
	return nil
}
