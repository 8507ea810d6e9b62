package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"courier/internal/api"
	"courier/internal/auth"
	"courier/internal/commands"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/http"
	"courier/internal/logger"
	"courier/internal/push"
	"courier/internal/storage"
	"courier/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("courier", flag.ContinueOnError)
	issueToken := fs.String("issue-token", "", "User ID to issue a bearer token for (asks the running server's admin API)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*issueToken != "")
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return commands.IssueToken(*issueToken, cfg, os.Stdout)
	}

	log := logger.New(cfg.LogLevel, cfg.Env)

	authService, err := auth.NewService(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	var counters storage.Counters
	if cfg.RedisAddr != "" {
		redisCounters, err := storage.NewRedisCounters(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return err
		}
		defer func() { _ = redisCounters.Close() }()
		counters = redisCounters
		log.Info().Str("addr", cfg.RedisAddr).Msg("unread counters kept in redis")
	}
	store := storage.NewStore(bbStorage, counters)

	var pusher delivery.Pusher
	if cfg.PushEnabled() {
		notifier := push.NewNotifier(store, push.Config{
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subject:         cfg.VAPIDSubject,
			BaseURL:         cfg.BaseURL,
		}, log)
		defer notifier.Close()
		pusher = notifier
	}

	hub := ws.NewHub(ws.Config{
		AuthTimeout:      cfg.AuthTimeout,
		SendBuffer:       cfg.SendBuffer,
		WriteTimeout:     cfg.WriteTimeout,
		PingInterval:     cfg.PingInterval,
		MaxContentLength: cfg.MaxContentLength,
	}, authService, store, pusher, log)
	wsServer := ws.NewServer(hub, ws.ServerConfig{
		MaxFrameSize:   cfg.MaxFrameSize,
		PongTimeout:    cfg.PongTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	}, log)

	apiHandlers := api.New(authService, store, hub, cfg.VAPIDPublicKey, log)
	adminHandler := api.NewAdminHandler(store, authService, hub, log)

	adminServer := http.NewAdminServer(adminHandler, cfg.AdminPasswordHash, cfg.AdminAddr, log)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr, log)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(adminServer.Start)
	g.Go(apiServer.Start)

	// Wait for context cancellation (signal) or a server failure.
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by http.Server.
		if err := hub.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("hub shutdown")
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin server shutdown")
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API server shutdown")
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
}
