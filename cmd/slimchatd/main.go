// Command slimchatd runs the sync daemon: it keeps the relay pool connected,
// ingests and sends encrypted direct messages and private profiles for every
// local identity, and serves the local control API.
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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/941design/slim-chat/internal/config"
	httpapi "github.com/941design/slim-chat/internal/http"
	"github.com/941design/slim-chat/internal/http/handlers"
	"github.com/941design/slim-chat/internal/observability"
	"github.com/941design/slim-chat/internal/relayconfig"
	"github.com/941design/slim-chat/internal/repo"
	"github.com/941design/slim-chat/internal/sysutil"
)

const version = "0.1.0-dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("slimchatd stopped")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.GinMode)

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DBDriver, cfg.DBPath, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	store, closeStore, err := openSecrets(ctx, cfg.Secrets, db)
	if err != nil {
		return fmt.Errorf("secret store: %w", err)
	}
	defer closeStore()

	var relayFiles *relayconfig.Store
	if cfg.RelayConfigDir != "" {
		if relayFiles, err = relayconfig.New(cfg.RelayConfigDir); err != nil {
			return fmt.Errorf("relay config dir: %w", err)
		}
	}

	d := newDaemon(cfg, db, store, relayFiles)
	if err := d.start(ctx); err != nil {
		return err
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, handlers.Services{
		Identities: d.ids,
		Contacts:   d.contacts,
		Messages:   d.msgs,
		Profiles:   d.profiles,
		Relays:     d.pool,
		Events:     d.hub,
	}, cfg)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-serveErr:
		log.Error().Err(err).Msg("control API failed")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		log.Warn().Err(serr).Msg("graceful shutdown failed")
	}
	d.stop(sctx)
	return err
}
