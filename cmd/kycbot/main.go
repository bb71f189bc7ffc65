package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kyc-onboarding/internal/bot"
	"kyc-onboarding/internal/cache"
	"kyc-onboarding/internal/config"
	"kyc-onboarding/internal/events"
	"kyc-onboarding/internal/handler"
	"kyc-onboarding/internal/logging"
	"kyc-onboarding/internal/queue"
	"kyc-onboarding/internal/repository"
	"kyc-onboarding/internal/service"
)

const (
	shutdownTimeout  = 15 * time.Second
	reminderTimeout  = 5 * time.Minute
	purgeInterval    = 6 * time.Hour
	readHeaderLimit  = 10 * time.Second
	cacheSweepPeriod = time.Minute
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, err := repository.NewDB(cfg.DatabaseDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	provider, err := cache.New(cache.Options{
		Driver:        cfg.CacheDriver,
		RedisURL:      cfg.RedisURL,
		RedisPrefix:   cfg.RedisPrefix,
		SweepInterval: cacheSweepPeriod,
	}, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	partnerRepo := repository.NewPartnerRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	appRepo := repository.NewApplicationRepository(db)
	refRepo := repository.NewReferenceRepository(db)

	if cfg.BotToken != "" {
		name := cfg.PartnerName
		if name == "" {
			name = cfg.PartnerCode
		}
		partner, err := partnerRepo.UpsertByCode(ctx, cfg.PartnerCode, name, cfg.BotToken)
		if err != nil {
			return err
		}
		logger.Info("partner bootstrapped", zap.Uint("partner_id", partner.ID), zap.String("partner", partner.Code))
	}

	publisher := events.New(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer publisher.Close()

	manager := bot.NewManager(partnerRepo, cfg.TelegramAPIEndpoint, logger)

	sessionSvc := service.NewSessionService(sessionRepo, appRepo, provider, logger, service.SessionOptions{})
	appSvc := service.NewApplicationService(appRepo, manager, publisher, nil, logger)
	refSvc := service.NewReferenceService(refRepo, provider, logger)
	reminderSvc := service.NewReminderService(sessionSvc, manager, cfg.ReminderStaleAfter, cfg.SessionPurgeAfter, logger)

	conversation := bot.NewHandler(sessionSvc, appSvc, refSvc, manager, bot.CaptionExtractor{}, logger)
	jobs := queue.New(provider, conversation.Handle, logger, queue.Options{
		Concurrency: cfg.QueueConcurrency,
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
	})

	connected, err := manager.Connect(ctx)
	if err != nil {
		return err
	}
	if connected == 0 {
		logger.Warn("no partner bot connected; only the admin API is served")
	}

	scheduler := service.NewSchedulerService(time.Local, logger)
	if _, err := scheduler.ScheduleDaily("resume-reminders", cfg.ReminderTime, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), reminderTimeout)
		defer cancel()
		sent, err := reminderSvc.SendResumeReminders(jobCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("send resume reminders", zap.Error(err))
			return
		}
		logger.Info("resume reminders sent", zap.Int("count", sent))
	}); err != nil {
		return err
	}
	if _, err := scheduler.ScheduleInterval("session-purge", purgeInterval, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), reminderTimeout)
		defer cancel()
		purged, err := reminderSvc.PurgeStale(jobCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("purge stale sessions", zap.Error(err))
			return
		}
		logger.Info("stale sessions purged", zap.Int("count", purged))
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewRouter(handler.NewApplicationHandler(appSvc, jobs, logger), manager, cfg.AdminToken, logger),
		ReadHeaderTimeout: readHeaderLimit,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx, jobs)
	})
	g.Go(func() error {
		logger.Info("admin API listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := jobs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("queue shutdown", zap.Error(err))
		}
		appSvc.Wait()
		return nil
	})

	logger.Info("KYC onboarding bot started", zap.Int("bots", connected))
	return g.Wait()
}
