package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"chatrelay/config"
	"chatrelay/internal/chat"
	"chatrelay/internal/events"
	"chatrelay/internal/handlers"
	"chatrelay/internal/queue"
	"chatrelay/internal/rate"
	"chatrelay/internal/scheduler"
	"chatrelay/internal/store"
	"chatrelay/internal/transport"
	"chatrelay/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	q := queue.New(db, cfg.RetryCeiling)
	governor := rate.New(rate.Limits{
		PerMinute:   cfg.RatePerMinute,
		Burst:       cfg.RateBurst,
		MinInterval: cfg.RateMinInterval,
	})
	publisher := events.NewPublisher(cfg.AMQPURL, cfg.AMQPQueue)
	defer publisher.Close()

	conn := transport.NewManager(transport.Options{
		URL:                  cfg.WSURL,
		AckTimeout:           cfg.AckTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		BackoffBase:          cfg.BackoffBase,
		BackoffMax:           cfg.BackoffMax,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	defer conn.Close()

	fallback := transport.NewRESTClient(cfg.RESTBaseURL, cfg.APIKey)
	svc := chat.NewService(conn, fallback, q, governor, publisher, cfg.FallbackAfter)

	go svc.Run(ctx, conn.Events())

	if err := conn.Connect(ctx, cfg.AuthToken); err != nil {
		// Auth rejection is fatal; the auth layer must supply a new token.
		log.Fatal().Err(err).Msg("Transport authentication failed")
	}

	sched := scheduler.New(cfg.DrainInterval, svc, conn.ConnectedSignal())
	go sched.Run(ctx)

	// Offer entries that survived the previous process to the first
	// drain right away instead of waiting for the first tick.
	if pending, err := q.Count(); err == nil && pending > 0 {
		log.Info().Int64("pending", pending).Msg("Replaying queue entries from previous session")
		go sched.TriggerNow(ctx)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.New(svc, q, conn).Router(),
	}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-conn.Fatal():
		log.Error().Err(err).Msg("Transport is unrecoverable, shutting down")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	log.Info().Msg("Shutdown complete")
}
