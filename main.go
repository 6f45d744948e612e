package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bybit-position-bot/config"
	"bybit-position-bot/internal/api"
	"bybit-position-bot/internal/bot"
	"bybit-position-bot/internal/circuit"
	"bybit-position-bot/internal/database"
	"bybit-position-bot/internal/events"
	"bybit-position-bot/internal/exchange"
	"bybit-position-bot/internal/execution"
	"bybit-position-bot/internal/health"
	"bybit-position-bot/internal/logging"
	"bybit-position-bot/internal/notification"
	"bybit-position-bot/internal/position"
	"bybit-position-bot/internal/reconcile"
	"bybit-position-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logger.Info().Str("symbol", cfg.TradingConfig.Symbol).Msg("Starting position bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewBus()

	// Notifications subscribe to the bus; delivery failures never reach
	// business logic.
	notifyManager := notification.NewManager()
	if cfg.NotificationConfig.Enabled {
		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
			logger.Info().Msg("Telegram notifications enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info().Msg("Discord notifications enabled")
		}
		notification.Bridge(eventBus, notifyManager, logger)
	}

	// Exchange credentials come from Vault when enabled, config otherwise
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Vault client")
	}
	creds, err := vaultClient.Fetch(ctx, vault.Credentials{
		APIKey:    cfg.BybitConfig.APIKey,
		SecretKey: cfg.BybitConfig.SecretKey,
		IsTestnet: cfg.BybitConfig.TestNet,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to fetch exchange credentials")
	}

	var client exchange.Client
	if cfg.BybitConfig.MockMode || cfg.TradingConfig.DryRun {
		logger.Warn().Msg("Running against the in-process mock exchange")
		// Seed price so sizing works before any SetPrice call
		client = exchange.NewMockClient(50000)
	} else {
		client = exchange.NewBybitClient(creds.APIKey, creds.SecretKey, creds.IsTestnet, logger).
			WithBaseURL(cfg.BybitConfig.BaseURL)
	}

	// Optional PostgreSQL trade journal
	var journal *database.TradeJournal
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(cfg.DatabaseConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
		journal = database.NewTradeJournal(db)
	}

	// Redis position snapshots with in-memory fallback
	redisClient := database.NewRedisClient(cfg.RedisConfig)
	snapshots := database.NewRedisSnapshotStore(redisClient, logger)

	var sizer position.Sizer
	switch cfg.TradingConfig.SizingMethod {
	case "compound":
		sizer = &position.CompoundingSizer{
			BaseUSD:     cfg.TradingConfig.CompoundBaseUSD,
			ReinvestPct: cfg.TradingConfig.CompoundReinvestPct,
			Leverage:    cfg.TradingConfig.Leverage,
		}
	default:
		sizer = &position.FixedNotionalSizer{
			NotionalUSD: cfg.TradingConfig.FixedNotionalUSD,
			Leverage:    cfg.TradingConfig.Leverage,
		}
	}

	var journalIface position.Journal
	if journal != nil {
		journalIface = journal
	}
	pipeline := execution.NewPipeline(client, cfg.ExecutionConfig, logger)
	manager := position.NewManager(client, pipeline, eventBus, sizer, journalIface, snapshots, cfg.TradingConfig, logger)
	reconciler := reconcile.NewService(client, manager, eventBus, cfg.ReconcilerConfig, logger)
	monitor := health.NewMonitor(manager, eventBus, cfg.HealthConfig, logger)

	breakers := circuit.NewRegistry(circuit.Config{
		FailureThreshold: cfg.CircuitConfig.FailureThreshold,
		Timeout:          time.Duration(cfg.CircuitConfig.TimeoutSecs) * time.Second,
		BackoffBase:      cfg.CircuitConfig.BackoffBase,
		MaxBackoff:       time.Duration(cfg.CircuitConfig.MaxBackoffSecs) * time.Second,
		HalfOpenAttempts: cfg.CircuitConfig.HalfOpenAttempts,
	}, logger)

	var stream *exchange.PriceStream
	if cfg.BybitConfig.WSURL != "" && !cfg.BybitConfig.MockMode {
		stream = exchange.NewPriceStream(cfg.BybitConfig.WSURL, []string{cfg.TradingConfig.Symbol}, logger)
	}

	supervisor := bot.NewSupervisor(*cfg, client, manager, reconciler, monitor, breakers, stream, eventBus, logger)
	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start supervisor")
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(*cfg, manager, monitor, breakers, pipeline, journal, client, logger)
		server.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	supervisor.Stop()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("API shutdown failed")
		}
	}
	logger.Info().Msg("Shutdown complete")
}
