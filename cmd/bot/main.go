package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marzgate-bot/internal/bot"
	"marzgate-bot/internal/config"
	"marzgate-bot/internal/database"
	"marzgate-bot/internal/engine"
	"marzgate-bot/internal/lib/sl"
	"marzgate-bot/internal/marzban"
	"marzgate-bot/internal/storage"
	"marzgate-bot/internal/tariffs"
	"marzgate-bot/internal/worker"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Could not connect to redis: %v", err)
	}

	catalog, err := tariffs.Load(cfg.TariffsPath)
	if err != nil {
		log.Fatalf("Could not load tariffs: %v", err)
	}

	panel := marzban.NewClient(cfg.MarzbanPanelURL, cfg.MarzbanUsername, cfg.MarzbanPassword, cfg.SubscriptionURLPrefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fail fast on bad panel credentials; a transient outage is tolerable.
	if _, err := panel.GetSystemStats(ctx); err != nil {
		var authErr *marzban.AuthenticationError
		if errors.As(err, &authErr) {
			log.Fatalf("Could not authenticate with panel: %v", err)
		}
		logger.Warn("panel is unreachable at startup", sl.Err(err))
	}

	store := storage.New(db)
	eng := engine.New(store, panel, catalog, logger)

	tgBot, err := bot.NewBot(cfg.BotToken, eng, store, catalog, panel, cfg, logger)
	if err != nil {
		log.Fatalf("Could not create bot: %v", err)
	}

	sweeper := worker.NewSweeper(store, panel, eng, tgBot, worker.NewRedisMarker(rdb), worker.Config{
		Interval:             cfg.SweepInterval,
		NotifyBeforeHours:    cfg.NotifyBeforeHours,
		PaymentRetentionDays: cfg.PaymentRetentionDays,
	}, logger)
	go sweeper.Run(ctx)

	logger.Info("service started")

	if err := tgBot.Start(ctx); err != nil {
		log.Fatalf("Bot stopped with error: %v", err)
	}
}
