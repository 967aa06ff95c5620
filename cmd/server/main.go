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
	"syscall"
	"time"
	_ "time/tzdata"

	"medicine-reminder/internal/auth"
	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/config"
	"medicine-reminder/internal/database"
	"medicine-reminder/internal/engine"
	"medicine-reminder/internal/escalation"
	"medicine-reminder/internal/handlers"
	"medicine-reminder/internal/inventory"
	"medicine-reminder/internal/logging"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/notify"
	"medicine-reminder/internal/repository"
	"medicine-reminder/internal/services"

	"golang.org/x/sync/errgroup"
)

// recoverAttempts bounds startup recovery while storage is unavailable.
const recoverAttempts = 5

func main() {
	// Load environment variables
	envErr := loadEnv(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.NewStdout(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to read .env", slog.Any("err", envErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	clk := clock.Real{}
	s := &handlers.Server{
		Config:        cfg,
		DB:            db,
		Users:         repository.NewUserRepository(db),
		Medicines:     repository.NewMedicineRepository(db),
		Schedules:     repository.NewScheduleRepository(db),
		Reminders:     repository.NewReminderRepository(db),
		Inventory:     repository.NewInventoryRepository(db),
		Caregivers:    repository.NewCaregiverRepository(db),
		Notifications: repository.NewNotificationRepository(db),
		Audit:         repository.NewAuditRepository(db),
		Clock:         clk,
		Logger:        logger,
	}

	var email *notify.Email
	if cfg.SendGrid.Enabled {
		email = notify.NewEmail(cfg.SendGrid.APIKey, cfg.SendGrid.FromName, cfg.SendGrid.FromEmail)
		logger.Info("email delivery enabled", slog.String("from", cfg.SendGrid.FromEmail))
	}
	notifier := notify.NewRouter(notify.NewInbox(s.Notifications), email)

	s.Ledger = inventory.NewLedger(s.Inventory, s.Medicines, notifier, cfg.Inventory.DefaultLowStockThreshold, clk, logger)
	s.Coordinator = escalation.NewCoordinator(escalation.Deps{
		Records:    repository.NewEscalationRepository(db),
		Caregivers: s.Caregivers,
		Reminders:  s.Reminders,
		Medicines:  s.Medicines,
		Users:      s.Users,
		Notifier:   notifier,
		Clock:      clk,
		Logger:     logger,
	})
	s.Engine = engine.New(cfg.Reminder, engine.Deps{
		Reminders: s.Reminders,
		Schedules: s.Schedules,
		Medicines: s.Medicines,
		Ledger:    s.Ledger,
		Escalator: s.Coordinator,
		Notifier:  notifier,
		Clock:     clk,
		Logger:    logger,
	})

	// Initialize security components
	s.JWT = auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.SessionDuration, clk)
	s.RateLimiter = middleware.NewRateLimiter(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow, clk)
	s.LoginRateLimiter = middleware.NewRateLimiter(cfg.Security.LoginRateLimit, cfg.Security.LoginRateWindow, clk)

	maintenance := services.NewMaintenance(cfg.Maintenance, services.Deps{
		Users:           s.Users,
		Reminders:       s.Reminders,
		Caregivers:      s.Caregivers,
		Notifications:   s.Notifications,
		Notifier:        notifier,
		DefaultTimezone: cfg.Reminder.DefaultTimezone,
		Clock:           clk,
		Logger:          logger,
	})

	if _, err := s.Engine.RecoverWithRetry(ctx, recoverAttempts); err != nil {
		return fmt.Errorf("failed to recover reminder state: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handlers.NewRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", srv.Addr), slog.String("environment", cfg.Server.Environment))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error { return ignoreCanceled(s.Engine.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(maintenance.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(s.RateLimiter.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(s.LoginRateLimiter.Run(ctx)) })

	err = g.Wait()
	logger.Info("server stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadEnv loads KEY=VALUE lines from an env file. Variables already set in
// the environment win.
func loadEnv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		os.Setenv(key, strings.Trim(strings.TrimSpace(value), `"'`))
	}
	return nil
}
