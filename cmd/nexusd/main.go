package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nexuschat/internal/app"
	"nexuschat/internal/config"
	"nexuschat/internal/crypto"
	"nexuschat/internal/httpapi"
	"nexuschat/internal/metrics"
	"nexuschat/internal/queue"
	"nexuschat/internal/session"
	"nexuschat/internal/storage"
	"nexuschat/internal/telegram"
	"nexuschat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("access_mode", cfg.BotAccessMode).
		Bool("dev_polling", cfg.DevPolling).
		Bool("telegram", cfg.BotToken != "").
		Msg("starting nexusd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, cfg.DB.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	var sealer *crypto.Sealer
	if cfg.Crypto.Enabled() {
		sealer, err = crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize sealer")
		}
	} else {
		log.Warn().Msg("no master key configured, per-user API keys are disabled")
	}

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}

	chatEngine, err := app.BuildEngine(ctx, cfg, httpClient, log.Logger, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build chat engine")
	}
	engine, err := session.NewEngine(session.EngineConfig{
		Base:    chatEngine.Orchestrator,
		Primary: chatEngine.Primary,
		Store:   store,
		Sealer:  sealer,
		Logger:  log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize orchestrator")
	}

	cancelBus := queue.NewCancelBus(rdb, cfg.Redis.CancelChannel, log.Logger)
	sessions := session.New(session.Config{
		Store:        store,
		Engine:       engine,
		Gate:         queue.NewTurnGate(rdb, cfg.Redis.GateTTL),
		Cancel:       cancelBus,
		SystemPrompt: cfg.Orchestrator.SystemPrompt,
		HistoryLimit: cfg.Orchestrator.HistoryLimit,
		Logger:       log.Logger,
	})
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	rateLimiter := queue.NewRateLimiter(rdb, cfg.Rate.PerHour)

	errCh := make(chan error, 4)
	go func() {
		if err := cancelBus.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("cancel bus: %w", err)
		}
	}()

	var bot *gotgbot.Bot
	if cfg.BotToken != "" {
		bot, err = gotgbot.NewBot(cfg.BotToken, nil)
		if err != nil {
			log.Fatal().Str("error", sanitizeTelegramErr(err, cfg.BotToken)).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("bot_id", bot.User.Id).Msg("telegram bot initialized")
	}

	var updater *ext.Updater
	var webhookHandler http.HandlerFunc
	var webhookRoute string
	logTelegramErr := func(err error) {
		log.Error().Str("component", "telegram").Msg(sanitizeTelegramErr(err, cfg.BotToken))
	}

	runPolling := bot != nil && cfg.DevPolling && (cfg.AppMode == config.ModeAll || cfg.AppMode == config.ModeWebhook)
	runWebhook := bot != nil && !runPolling && (cfg.AppMode == config.ModeWebhook || cfg.AppMode == config.ModeAll)
	if runPolling || runWebhook {
		allowedUserID := int64(0)
		if cfg.BotAccessMode == config.AccessModePrivate {
			allowedUserID = cfg.AdminUserID
		}
		dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
			MaxRoutines:      100,
			UnhandledErrFunc: logTelegramErr,
			Processor: telegram.Processor{
				Dedupe:        queue.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
				Metrics:       m,
				Logger:        log.Logger,
				AllowedUserID: allowedUserID,
			},
		})
		service := telegram.NewService(telegram.Config{
			Store:       store,
			Queue:       jobQueue,
			Sessions:    sessions,
			Sealer:      sealer,
			RateLimiter: rateLimiter,
			Redis:       rdb,
			HTTPClient:  httpClient,
			Logger:      log.Logger,
			Metrics:     m,
			AccessMode:  cfg.BotAccessMode,
			AdminUserID: cfg.AdminUserID,
		})
		service.Register(dispatcher)
		updater = ext.NewUpdater(dispatcher, &ext.UpdaterOpts{
			UnhandledErrFunc: logTelegramErr,
		})

		if runPolling {
			if err := updater.StartPolling(bot, &ext.PollingOpts{
				EnableWebhookDeletion: true,
				DropPendingUpdates:    true,
				GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
					Timeout: 50,
					RequestOpts: &gotgbot.RequestOpts{
						Timeout: 60 * time.Second,
					},
				},
			}); err != nil {
				log.Fatal().Err(err).Msg("failed to start polling")
			}
			log.Info().Msg("polling mode started")
		} else {
			path := strings.Trim(cfg.Webhook.SecretPath, "/")
			if path == "" {
				path = "telegram"
			}
			if cfg.Webhook.PublicURL == "" {
				log.Fatal().Msg("WEBHOOK_URL is required in webhook mode")
			}
			if err := updater.AddWebhook(bot, path, &ext.AddWebhookOpts{SecretToken: cfg.Webhook.SecretToken}); err != nil {
				log.Fatal().Err(err).Msg("failed to configure webhook handler")
			}

			webhookURL := strings.TrimSuffix(cfg.Webhook.PublicURL, "/") + "/" + path
			if _, err := bot.SetWebhook(webhookURL, &gotgbot.SetWebhookOpts{
				SecretToken: cfg.Webhook.SecretToken,
			}); err != nil {
				log.Fatal().Str("error", sanitizeTelegramErr(err, cfg.BotToken)).Msg("failed to set telegram webhook")
			}
			log.Info().Str("webhook_url", webhookURL).Msg("webhook registered")
			webhookRoute = "/" + path
			webhookHandler = updater.GetHandlerFunc("/")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Webhook.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Webhook.MetricsPath, promhttp.Handler())
	if webhookHandler != nil && webhookRoute != "" {
		mux.HandleFunc(webhookRoute, webhookHandler)
	}
	servers := []*http.Server{{
		Addr:              cfg.Webhook.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Webhook.WebhookTimeout,
	}}

	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		api := httpapi.New(httpapi.Config{
			Store:        store,
			Sessions:     sessions,
			Queue:        jobQueue,
			RateLimiter:  rateLimiter,
			AllowOrigins: cfg.HTTPAPI.AllowOrigins,
			HealthPath:   cfg.Webhook.HealthPath,
			MetricsPath:  cfg.Webhook.MetricsPath,
			Logger:       log.Logger,
			Metrics:      m,
		})
		// No ReadTimeout/WriteTimeout: SSE and websocket turns stay open for
		// the length of a generation.
		servers = append(servers, &http.Server{
			Addr:              cfg.HTTPAPI.ListenAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	for _, srv := range servers {
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("http server started")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}()
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		notifiers := map[string]worker.Notifier{}
		if bot != nil {
			notifiers[queue.SourceTelegram] = telegram.NewNotifier(bot, log.Logger)
		} else {
			log.Warn().Msg("BOT_TOKEN is empty, telegram jobs will not be answered")
		}
		w := worker.New(worker.Config{
			Sessions:         sessions,
			Queue:            jobQueue,
			Notifiers:        notifiers,
			ProgressInterval: cfg.Orchestrator.ProgressInterval,
			MaxJobRetries:    cfg.Worker.MaxRetries,
			Logger:           log.Logger,
			Metrics:          m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if updater != nil {
		if err := updater.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop updater")
		}
	}
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// sanitizeTelegramErr strips the bot token from errors gotgbot builds out of
// request URLs.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}

	msg = strings.ReplaceAll(msg, token, "<redacted-token>")
	if idx := strings.Index(token, ":"); idx > 0 {
		botID := token[:idx]
		msg = strings.ReplaceAll(msg, "/bot"+botID+":", "/bot<redacted>:")
		msg = strings.ReplaceAll(msg, "bot"+botID+"/", "bot<redacted>/")
	}
	return msg
}
