package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/harborlabs/chatgate/internal/admission"
	"github.com/harborlabs/chatgate/internal/api"
	"github.com/harborlabs/chatgate/internal/auth"
	"github.com/harborlabs/chatgate/internal/chat"
	"github.com/harborlabs/chatgate/internal/circuitbreaker"
	"github.com/harborlabs/chatgate/internal/config"
	"github.com/harborlabs/chatgate/internal/credit"
	"github.com/harborlabs/chatgate/internal/httputil"
	"github.com/harborlabs/chatgate/internal/notifications"
	"github.com/harborlabs/chatgate/internal/queue"
	"github.com/harborlabs/chatgate/internal/registry"
	"github.com/harborlabs/chatgate/internal/repository"
	"github.com/harborlabs/chatgate/internal/search"
	"github.com/harborlabs/chatgate/internal/secrets"
	"github.com/harborlabs/chatgate/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chatgate", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "chatgate", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	applySecretOverrides(ctx, cfg)

	accounts, sessions := buildStores(cfg)

	var counters admission.CounterStore
	if cfg.RedisURL != "" {
		redisCounters, err := admission.NewRedisCounterStore(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisCounters.Close()
		counters = redisCounters
		slog.Info("using redis rate counters")
	} else {
		counters = admission.NewInMemoryCounterStore()
		slog.Info("using in-memory rate counters")
	}

	controller := admission.NewController(counters, admission.Config{
		ChatRPM:       cfg.ChatRPM,
		WebSearchRPM:  cfg.WebSearchRPM,
		MaxStreams:    cfg.MaxConcurrentStreams,
		CountRejected: cfg.RateCountRejected,
	})

	var notifier notifications.Notifier
	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("sns notifier unavailable", "error", err)
			notifier = nil
		} else {
			slog.Info("credit notifications enabled", "topic", cfg.SNSTopicARN)
		}
	}

	ledger := credit.NewLedger(accounts, notifier, credit.Config{
		Enabled:       cfg.CreditsEnabled,
		ChatCost:      cfg.ChatCreditCost,
		WebSearchCost: cfg.WebSearchCreditCost,
	})

	var usage queue.Publisher
	if cfg.UsageQueueURL != "" && cfg.AWSRegion != "" {
		usage, err = queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			slog.Warn("usage publisher unavailable", "error", err)
			usage = nil
		} else {
			slog.Info("usage events enabled", "queue", cfg.UsageQueueURL)
		}
	}

	reg := registry.New()
	reg.RegisterFromConfig(ctx, cfg)
	if len(reg.List()) == 0 {
		slog.Warn("no providers configured, chat requests will be rejected")
	}

	var searcher search.Client
	if cfg.SearchAPIKey != "" {
		searcher = search.NewHTTPClient(cfg.SearchAPIKey, cfg.SearchBaseURL, httputil.DefaultClient())
		slog.Info("web search enabled")
	}

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	if notifier != nil {
		breakers.NotifyOnOpen(func(provider string) {
			err := notifier.Send(context.Background(), notifications.Notification{
				Type:    notifications.NotificationProviderDown,
				Message: fmt.Sprintf("circuit breaker opened for provider %s", provider),
				Data:    map[string]interface{}{"provider": provider},
			})
			if err != nil {
				slog.Warn("provider-down notification failed", "error", err, "provider", provider)
			}
		})
	}

	orchestrator := chat.New(chat.Config{
		Registry:     reg,
		Admission:    controller,
		Ledger:       ledger,
		Sessions:     sessions,
		Searcher:     searcher,
		Breakers:     breakers,
		Usage:        usage,
		HistoryLimit: cfg.HistoryLimit,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Resolver:     auth.NewResolver(accounts),
		Orchestrator: orchestrator,
		Registry:     reg,
		Breakers:     breakers,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Streaming responses can run for minutes; WriteTimeout stays
		// generous and per-request deadlines live upstream.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

// buildStores returns the account and session stores, Postgres-backed when a
// DSN is configured and in-memory otherwise.
func buildStores(cfg *config.Config) (repository.AccountStore, repository.SessionStore) {
	if cfg.DatabaseURL == "" {
		slog.Info("using in-memory stores, no database configured")
		return repository.NewInMemoryAccountStore(), repository.NewInMemorySessionStore()
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if err := db.Ping(); err != nil {
		slog.Error("failed to reach database", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("connected to postgres")
	return repository.NewPostgresAccountStore(db), repository.NewPostgresSessionStore(db)
}

// applySecretOverrides fetches provider credentials from Secrets Manager and
// overlays any non-empty fields onto the env-derived config. Failure is
// non-fatal; the env values stand.
func applySecretOverrides(ctx context.Context, cfg *config.Config) {
	if cfg.SecretsName == "" || cfg.AWSRegion == "" {
		return
	}

	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Warn("secrets manager unavailable", "error", err)
		return
	}

	var creds secrets.ProviderSecrets
	if err := store.GetSecretJSON(ctx, cfg.SecretsName, &creds); err != nil {
		slog.Warn("failed to fetch provider secrets", "error", err, "secret", cfg.SecretsName)
		return
	}

	if creds.OpenAIAPIKey != "" {
		cfg.OpenAIAPIKey = creds.OpenAIAPIKey
	}
	if creds.DeepSeekAPIKey != "" {
		cfg.DeepSeekAPIKey = creds.DeepSeekAPIKey
	}
	if creds.GeminiAPIKey != "" {
		cfg.GeminiAPIKey = creds.GeminiAPIKey
	}
	if creds.SearchAPIKey != "" {
		cfg.SearchAPIKey = creds.SearchAPIKey
	}

	slog.Info("provider secrets applied", "secret", cfg.SecretsName)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
