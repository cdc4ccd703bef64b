package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"escrowflow/arbitration"
	"escrowflow/audit"
	"escrowflow/authz"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/deal"
	"escrowflow/triage"
	"escrowflow/trust"
)

const tokenTTL = 24 * time.Hour

// logPublisher emits drained outbox messages to the structured log. It stands
// in for a real broker until one is provisioned.
type logPublisher struct {
	log *slog.Logger
}

func (p *logPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.log.Info("outbox message", "topic", topic, "payload", string(payload))
	return nil
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log.Level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DB.URL)
	if err != nil {
		log.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	policy := authz.NewPGPolicy(pool)
	tokens := authz.NewTokenService(cfg.Auth.JWTSecret, tokenTTL)
	recorder := audit.NewRecorder()

	trustService := trust.NewService(pool, trust.NewRepository(pool), policy, recorder)
	dealService := deal.NewService(pool, deal.NewRepository(pool), policy, recorder)

	triageService := newTriageService(cfg, log)

	arbCfg := arbitration.Config{
		Quorum:             cfg.Arbitration.Quorum,
		EscalationMax:      cfg.Arbitration.EscalationMax,
		EscalationCooldown: cfg.Arbitration.EscalationCooldown,
		StartPaused:        cfg.Arbitration.StartPaused,
	}
	arbService := arbitration.NewService(
		pool,
		arbitration.NewRepository(pool),
		deal.NewRepository(pool),
		trust.NewRepository(pool),
		triageService,
		policy,
		recorder,
		arbCfg,
	)

	dispatcher := audit.NewDispatcher(pool, &logPublisher{log: log.With("component", "outbox")}, log)
	go dispatcher.Run(ctx, cfg.Server.OutboxInterval)

	server := &Server{
		dealService:    dealService,
		disputeService: arbService,
		trustService:   trustService,
		triageService:  triageService,
		tokens:         tokens,
		log:            log,
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("api listening", "port", cfg.Server.Port, "quorum", cfg.Arbitration.Quorum)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server", "error", err)
		os.Exit(1)
	}
}

func newTriageService(cfg *config.Config, log *slog.Logger) *triage.Service {
	var limiter triage.Limiter
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		limiter = triage.NewRedisLimiter(client, cfg.Triage.RateLimit)
	} else {
		limiter = triage.NewMemoryLimiter(cfg.Triage.RateLimit)
	}

	opts := []triage.Option{
		triage.WithLogger(log.With("component", "triage")),
		triage.WithRetries(cfg.Triage.ClassifierRetries, cfg.Triage.ClassifierBackoff),
	}
	if cfg.Triage.ClassifierEndpoint != "" {
		opts = append(opts, triage.WithPrimary(triage.NewHTTPClassifier(cfg.Triage.ClassifierEndpoint, cfg.Triage.ClassifierTimeout)))
	}
	if cfg.Triage.FallbackDisabled {
		opts = append(opts, triage.WithoutFallback())
	}
	return triage.NewService(limiter, opts...)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
