// Goofish Agent - marketplace messaging auto-responder
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/goofish-agent/internal/agent"
	"github.com/ashureev/goofish-agent/internal/aggregator"
	"github.com/ashureev/goofish-agent/internal/api"
	"github.com/ashureev/goofish-agent/internal/codec"
	"github.com/ashureev/goofish-agent/internal/config"
	"github.com/ashureev/goofish-agent/internal/events"
	"github.com/ashureev/goofish-agent/internal/geoip"
	"github.com/ashureev/goofish-agent/internal/identity"
	"github.com/ashureev/goofish-agent/internal/orders"
	"github.com/ashureev/goofish-agent/internal/pipeline"
	"github.com/ashureev/goofish-agent/internal/queue"
	"github.com/ashureev/goofish-agent/internal/session"
	"github.com/ashureev/goofish-agent/internal/store"
	"github.com/ashureev/goofish-agent/internal/transcript"
	"github.com/ashureev/goofish-agent/internal/worker"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Agent stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := identity.New(cfg.Session.Cookies)
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}
	slog.Info("Starting agent", "self_id", id.SelfID, "workers", cfg.Queue.Workers, "db_driver", cfg.Database.Driver)

	repo, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}

	q := queue.NewRedisQueue(rdb, cfg.Queue.Prefix, cfg.Queue.MaxAttempts)
	if n, err := q.Recover(ctx); err != nil {
		slog.Warn("Failed to recover in-flight entries", "error", err)
	} else if n > 0 {
		slog.Info("Recovered in-flight entries from previous run", "count", n)
	}

	publisher := openPublisher(cfg.Events, logger)
	defer publisher.Close()

	conversationLog, err := transcript.NewLogger(transcript.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation log, continuing without it", "error", err)
		conversationLog = transcript.Nop{}
	}
	defer func() {
		if closeErr := conversationLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation log", "error", closeErr)
		}
	}()

	replies := agent.NewService(newReplier(cfg.Reply), cfg.Reply.Fallback, logger)

	supervisor := session.NewSupervisor(session.Config{
		URL:               cfg.Session.URL,
		UserAgent:         cfg.Session.UserAgent,
		Origin:            cfg.Session.Origin,
		AppKey:            cfg.Session.AppKey,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Session.HeartbeatTimeout,
		RegisterGrace:     cfg.Session.RegisterGrace,
	}, id, newTokenSource(cfg.Session), q, cfg.Session.ReconnectDelay, logger)

	agg := aggregator.New(aggregator.Config{
		Window:        cfg.Batch.Window,
		FlushInterval: cfg.Batch.FlushInterval,
		HistoryLimit:  cfg.Batch.HistoryLimit,
		SelfID:        id.SelfID,
	}, repo, replies, supervisor, logger)
	agg.SetPublisher(publisher)
	agg.SetTranscript(conversationLog)

	markers := orders.NewMarkers(rdb, cfg.Queue.Prefix, cfg.Orders.MarkerTTL, cfg.Orders.DedupeTTL)
	tracker := orders.New(repo, markers, replies, supervisor, cfg.Orders.ReconcileInterval, id.SelfID, logger)
	tracker.SetTranscript(conversationLog)

	pipe := pipeline.New(codec.NewDecoder(codec.MsgpackDecrypter{}), agg, tracker, cfg.Batch.StaleAfter, logger)
	pipe.SetPublisher(publisher)
	if cfg.GeoIP.Enabled {
		pipe.SetLocator(geoip.NewResolver(cfg.GeoIP.URL, logger))
	}

	pool := worker.NewPool(q, pipe, worker.Config{
		Workers:     cfg.Queue.Workers,
		PollTimeout: cfg.Queue.PollTimeout,
	}, logger)
	pool.SetPublisher(publisher)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	status := api.NewStatusHandler(api.Sources{
		Session:    supervisor,
		Queue:      q,
		Workers:    pool,
		Pipeline:   pipe,
		Aggregator: agg,
		Orders:     tracker,
	}, repo, map[string]api.Pinger{
		"database": repo,
		"redis":    redisPinger{rdb},
	}, logger)
	status.RegisterRoutes(r)

	srv := &http.Server{
		Addr:        ":" + cfg.StatusPort,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Background loops.
	var wg sync.WaitGroup
	goLoop := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	pool.Start(ctx)
	goLoop(func() { agg.Run(ctx) })
	goLoop(func() { tracker.Run(ctx) })
	goLoop(func() { _ = supervisor.Run(ctx) })

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Status server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("Status server failed", "error", err)
		stop()
	}

	slog.Info("Shutting down gracefully...")

	if !pool.Stop(cfg.Queue.ShutdownGrace) {
		slog.Warn("Workers did not finish within grace period; in-flight entries will be recovered on next start")
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}

func openStore(cfg config.DatabaseConfig) (store.Repository, error) {
	if cfg.Driver == "postgres" {
		return store.NewPostgres(cfg.URL)
	}
	return store.NewSQLite(cfg.Path)
}

func openPublisher(cfg config.EventsConfig, logger *slog.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.NewFallback(logger)
	}
	p, err := events.NewAMQP(cfg.AMQPURL, cfg.Exchange, logger)
	if err != nil {
		slog.Warn("AMQP unavailable, events will only be logged", "error", err)
		return events.NewFallback(logger)
	}
	slog.Info("Publishing events", "exchange", cfg.Exchange)
	return p
}

func newReplier(cfg config.ReplyConfig) agent.Replier {
	if cfg.Provider == "dify" {
		return agent.NewDifyReplier(cfg.DifyBaseURL, cfg.DifyKey)
	}
	return agent.NewOpenAIReplier(agent.OpenAIConfig{
		APIKey:       cfg.OpenAIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		SystemPrompt: cfg.SystemPrompt,
	})
}

func newTokenSource(cfg config.SessionConfig) identity.TokenSource {
	if cfg.AccessToken != "" || cfg.TokenURL == "" {
		return identity.StaticToken(cfg.AccessToken)
	}
	appKey := cfg.AppKey
	if appKey == "" {
		appKey = codec.DefaultAppKey
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = session.DefaultUserAgent
	}
	return identity.NewHTTPTokenSource(cfg.TokenURL, appKey, userAgent)
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
