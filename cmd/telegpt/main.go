package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/naumanjadev/telegpt/internal/config"
	"github.com/naumanjadev/telegpt/internal/db"
	dbRedis "github.com/naumanjadev/telegpt/internal/db/redis"
	logpkg "github.com/naumanjadev/telegpt/internal/logger"
	"github.com/naumanjadev/telegpt/internal/metrics"
	usagerepo "github.com/naumanjadev/telegpt/internal/repository/usage"
	chiTransport "github.com/naumanjadev/telegpt/internal/transport/chi"
	openaiTransport "github.com/naumanjadev/telegpt/internal/transport/openai"
	"github.com/naumanjadev/telegpt/internal/transport/telegram"
	"github.com/naumanjadev/telegpt/internal/usecase/dispatch"
	"github.com/naumanjadev/telegpt/internal/usecase/ledger"
	usageuc "github.com/naumanjadev/telegpt/internal/usecase/usage"
	"github.com/naumanjadev/telegpt/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.New(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting telegpt",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Bool("stream", cfg.OpenAI.Stream),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger, with durable counters when a database is configured
	usageLedger := ledger.New(logger).WithKeyPrefix(cfg.Database.KeyPrefix)

	var store db.Store
	if len(cfg.Database.Addrs) > 0 {
		store, err = dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Username: cfg.Database.Username,
			Password: cfg.Database.Password,
			DB:       cfg.Database.DB,
		})
		if err != nil {
			logger.Fatal("Failed to create database store", zap.Error(err))
		}
		defer store.Close()

		if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
			logger.Fatal("Database not ready", zap.Error(err))
		}
		logger.Info("Connected to database")

		counters := usagerepo.New(store,
			time.Duration(cfg.Database.DailyTTLHours)*time.Hour,
			time.Duration(cfg.Database.MonthlyTTLDays)*24*time.Hour)
		usageLedger.WithPersistence(counters)
	} else {
		logger.Warn("No database configured, usage counters are in-memory only")
	}

	// Register bot metrics explicitly (no init())
	metrics.Register()

	policyCfg := cfg.PolicyConfig()

	// Completion backend
	completer := openaiTransport.New(openaiTransport.Config{
		APIKey:             cfg.OpenAI.APIKey,
		BaseURL:            cfg.OpenAI.BaseURL,
		Model:              cfg.OpenAI.Model,
		Temperature:        cfg.OpenAI.Temperature,
		MaxTokens:          cfg.OpenAI.MaxTokens,
		SystemPrompt:       cfg.OpenAI.SystemPrompt,
		MaxHistorySize:     cfg.OpenAI.MaxHistorySize,
		MaxConversationAge: time.Duration(cfg.OpenAI.MaxConversationAgeMin) * time.Minute,
		TokenWindow:        cfg.OpenAI.TokenWindow,
		ImageSize:          cfg.OpenAI.ImageSize,
	}, logger)

	// Chat transport
	bot, err := telegram.NewClient(telegram.Config{
		Token:   cfg.Telegram.Token,
		BaseURL: cfg.Telegram.BaseURL,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create telegram client", zap.Error(err))
	}
	resolver := telegram.NewResolver(bot, policyCfg, logger)

	// Usage reporting, shared by /stats and the HTTP surface
	usageSvc := usageuc.New(usageLedger, policyCfg, logger)

	dispatcher := dispatch.New(
		bot, bot, bot, bot,
		completer,
		resolver,
		usageLedger,
		usageSvc,
		cfg.Tuning(),
		dispatch.Config{
			Stream:        cfg.OpenAI.Stream,
			ChunkCapacity: cfg.Stream.ChunkCapacity,
			Policy:        policyCfg,
			Prices:        cfg.PriceTable(),
			Messages: dispatch.Messages{
				Help:            cfg.Messages.Help,
				Disallowed:      cfg.Messages.Disallowed,
				BudgetReached:   cfg.Messages.BudgetReached,
				TurnFailed:      cfg.Messages.TurnFailed,
				ResetDone:       cfg.Messages.ResetDone,
				NothingToResend: cfg.Messages.NothingToResend,
			},
			IgnoreGroupTranscriptions: cfg.Telegram.IgnoreGroupTranscriptions,
		},
		logger,
	)

	// Stats server
	var health chiTransport.HealthChecker
	if store != nil {
		health = store.Ping
	}
	statsServer := chiTransport.NewServer(usageSvc, health, logger)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      statsServer.Router(cfg.Auth.APIKeys),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("Starting stats server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Stats server error", zap.Error(err))
		}
	}()

	// Update loop, blocks until shutdown
	poller := telegram.NewPoller(bot, dispatcher, telegram.PollerConfig{
		PollTimeout:    time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
		TriggerKeyword: cfg.Telegram.GroupTriggerKeyword,
	}, logger)

	if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Poller stopped", zap.Error(err))
	}
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Stopped gracefully")
}
