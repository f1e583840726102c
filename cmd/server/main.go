// Command qsession-server starts the session engine HTTP server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seclith/qsession/internal/config"
	"github.com/seclith/qsession/internal/feed"
	"github.com/seclith/qsession/internal/keygen"
	"github.com/seclith/qsession/internal/limiter"
	"github.com/seclith/qsession/internal/logging"
	"github.com/seclith/qsession/internal/migrate"
	"github.com/seclith/qsession/internal/repository/postgres"
	"github.com/seclith/qsession/internal/risk"
	"github.com/seclith/qsession/internal/server/httpapi"
	"github.com/seclith/qsession/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration, runs migrations, and starts the HTTP server.
func main() {
	cfgPath := flag.String("config", "", "config file path (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddress),
	)

	if cfg.JWTKey == "" {
		logger.Fatal("missing jwt signing key (QSESSION_JWT_KEY)")
	}
	if cfg.DatabaseDSN == "" {
		logger.Fatal("missing database dsn (QSESSION_DATABASE_DSN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DatabaseDSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("pgxpool.New", zap.Error(err))
	}
	defer pool.Close()

	// Repositories
	db := &postgres.DB{Pool: pool}
	sessionRepo := postgres.NewSessionRepo(db)
	messageRepo := postgres.NewMessageRepo(db)
	auditRepo := postgres.NewAuditRepo(db)
	typingRepo := postgres.NewTypingRepo(db)
	fileRepo := postgres.NewFileRepo(db)

	lim := limiter.NewPG(pool, cfg.JoinFailWindow, cfg.JoinMaxFails, cfg.JoinBlockFor)

	hub := feed.NewHub(logger)
	keys := keygen.NewProvider(cfg.Entropy.URL, cfg.Entropy.Timeout, keygen.WithLogger(logger))

	var assessor risk.Assessor
	if cfg.Risk.URL != "" {
		assessor = risk.NewClient(cfg.Risk.URL, cfg.Risk.APIKey, cfg.Risk.Model, cfg.Risk.Timeout, logger)
	}

	// Services
	rotationSvc := service.NewRotationService(sessionRepo, auditRepo, keys, hub, logger)
	scheds := service.NewSchedulerSet(rotationSvc, nil, logger)

	intrusionSvc := service.NewIntrusionResponder(service.IntrusionResponderConfig{
		Sessions: sessionRepo,
		Messages: messageRepo,
		Audit:    auditRepo,
		Rotation: rotationSvc,
		Assessor: assessor,
		Resync:   scheds,
		Feed:     hub,
		Log:      logger,
	})
	sessionSvc := service.NewSessionService(service.SessionServiceConfig{
		Sessions:   sessionRepo,
		Messages:   messageRepo,
		Typing:     typingRepo,
		Keys:       keys,
		Intrusions: intrusionSvc,
		Limiter:    lim,
		Feed:       hub,
		Log:        logger,
	})
	lifecycleSvc := service.NewLifecycleManager(service.LifecycleConfig{
		Sessions: sessionRepo,
		Messages: messageRepo,
		Files:    fileRepo,
		Typing:   typingRepo,
		Audit:    auditRepo,
		Sched:    scheds,
		Hub:      hub,
		Log:      logger,
	})
	sweeper := service.NewSweeper(messageRepo, typingRepo, hub, logger)

	// Resume rotation schedulers for sessions that survived a restart.
	active, err := sessionRepo.ListActive(ctx)
	if err != nil {
		logger.Fatal("list active sessions", zap.Error(err))
	}
	for _, s := range active {
		scheds.StartFor(ctx, s.ID, s.SecurityLevel, s.SessionKey)
	}
	logger.Info("rotation schedulers resumed", zap.Int("sessions", len(active)))

	go lifecycleSvc.RunExpirySweep(ctx, cfg.ExpirySweep)
	go sweeper.Run(ctx, cfg.TypingSweep)

	srv := httpapi.NewServer(httpapi.ServerConfig{
		SignKey:   []byte(cfg.JWTKey),
		Sessions:  sessionSvc,
		Rotation:  rotationSvc,
		Intrusion: intrusionSvc,
		Lifecycle: lifecycleSvc,
		Keys:      keys,
		Sched:     scheds,
		Hub:       hub,
		Log:       logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddress))
		errCh <- srv.Start(cfg.HTTPAddress)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server stopped", zap.Error(err))
	}

	scheds.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("stopped", zap.Duration("grace", cfg.ShutdownGrace))
}
