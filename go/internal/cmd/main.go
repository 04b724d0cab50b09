package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/go/internal/broadcast"
	"github.com/pointdeck/pointdeck/go/internal/config"
	"github.com/pointdeck/pointdeck/go/internal/gateway"
	"github.com/pointdeck/pointdeck/go/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	natsCfg := broadcast.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	channel, err := broadcast.NewNATSChannel(natsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer channel.Close()

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), channel)
	go cm.Start(ctx)

	handler := gateway.NewHandler(cm, st)
	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: handler.Routes(),
	}

	go func() {
		log.Info().
			Str("port", cfg.HTTPPort).
			Str("nats_url", cfg.NATSURL).
			Str("database", cfg.Database.Database).
			Msg("session gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	cancel()
}
