package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/famstack/calsyncd/internal/calsync"
	"github.com/famstack/calsyncd/internal/config"
	"github.com/famstack/calsyncd/internal/httpapi"
	"github.com/famstack/calsyncd/internal/remotecal"
)

const webhookSyncTimeout = 2 * time.Minute

func main() {
	cfg, err := config.Load(strings.TrimSpace(os.Getenv("CALSYNC_CONFIG")))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	applyEnvOverrides(&cfg)

	logger := log.New(os.Stderr, "calsyncd ", log.LstdFlags)

	store, err := calsync.BuildStoreFromDSN(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	remote := remotecal.NewHTTPClient(cfg.RemoteBaseURL, buildTokenProvider(cfg), nil)
	hub := calsync.NewHub(logger)
	engine := calsync.NewEngine(store, remote, calsync.EngineOptions{
		Notifier: hub,
		Logger:   logger,
	})
	channels := calsync.NewChannelManager(store, remote, calsync.ChannelManagerOptions{
		CallbackBaseURL:  cfg.CallbackBaseURL,
		ChannelTTL:       cfg.ChannelTTL(),
		RenewalLookahead: cfg.RenewalLookahead(),
		Logger:           logger,
	})
	extender := calsync.NewExtender(store, calsync.ExtenderOptions{
		Lookahead: cfg.HorizonLookahead(),
		Window:    cfg.HorizonWindow(),
		Logger:    logger,
	})
	runner := calsync.NewRunner(store, engine, channels, extender, calsync.RunnerOptions{
		SyncStaleAfter: cfg.SyncInterval(),
		Logger:         logger,
	})
	ingestor := calsync.NewIngestor(channels, func(linkID int64) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), webhookSyncTimeout)
			defer cancel()
			if _, err := engine.PerformIncrementalSync(ctx, linkID); err != nil &&
				!errors.Is(err, calsync.ErrSyncInFlight) {
				logger.Printf("webhook sync link %d: %v", linkID, err)
			}
		}()
	}, logger)

	server := httpapi.NewServer(store, engine, runner, ingestor, hub, httpapi.ServerConfig{
		JWTSecret: cfg.JWTSecret,
		JobSecret: cfg.JobSecret,
	}, logger)

	var scheduler *cron.Cron
	if cfg.Scheduler.Enabled {
		scheduler = startScheduler(cfg.Scheduler, runner, logger)
		defer scheduler.Stop()
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Printf("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}
}

func buildTokenProvider(cfg config.Config) remotecal.TokenProvider {
	if cfg.TokenServiceURL != "" {
		return remotecal.NewHTTPTokenProvider(cfg.TokenServiceURL, nil)
	}
	return remotecal.StaticTokenProvider{Token: os.Getenv("CALSYNC_ACCESS_TOKEN")}
}

func startScheduler(sched config.Scheduler, runner *calsync.Runner, logger *log.Logger) *cron.Cron {
	c := cron.New()
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"sync-due-calendars", sched.SyncSpec, func(ctx context.Context) error {
			_, err := runner.SyncDueCalendars(ctx)
			return err
		}},
		{"renew-expiring-channels", sched.RenewSpec, func(ctx context.Context) error {
			_, err := runner.RenewExpiringChannels(ctx)
			return err
		}},
		{"setup-missing-channels", sched.SetupSpec, func(ctx context.Context) error {
			_, err := runner.SetupMissingChannels(ctx)
			return err
		}},
		{"extend-recurring-events", sched.ExtendSpec, func(ctx context.Context) error {
			_, err := runner.ExtendRecurringEvents(ctx)
			return err
		}},
		{"cleanup-expired-tokens", sched.CleanupSpec, func(ctx context.Context) error {
			_, err := runner.CleanupExpiredTokens(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		job := job
		if _, err := c.AddFunc(job.spec, func() {
			if err := job.run(context.Background()); err != nil {
				logger.Printf("scheduled job %s: %v", job.name, err)
			}
		}); err != nil {
			log.Fatalf("invalid cron spec for %s: %v", job.name, err)
		}
	}
	c.Start()
	return c
}

func applyEnvOverrides(cfg *config.Config) {
	if v := strings.TrimSpace(os.Getenv("CALSYNC_ADDR")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_REMOTE_BASE_URL")); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_CALLBACK_BASE_URL")); v != "" {
		cfg.CallbackBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CALSYNC_TOKEN_SERVICE_URL")); v != "" {
		cfg.TokenServiceURL = v
	}
	if v := os.Getenv("CALSYNC_JOB_SECRET"); v != "" {
		cfg.JobSecret = v
	}
	if v := os.Getenv("CALSYNC_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	cfg.SyncIntervalMinutes = intEnv("CALSYNC_SYNC_INTERVAL_MINUTES", cfg.SyncIntervalMinutes)
	cfg.ChannelTTLHours = intEnv("CALSYNC_CHANNEL_TTL_HOURS", cfg.ChannelTTLHours)
	cfg.RenewalLookaheadMinutes = intEnv("CALSYNC_RENEWAL_LOOKAHEAD_MINUTES", cfg.RenewalLookaheadMinutes)
	cfg.HorizonLookaheadDays = intEnv("CALSYNC_HORIZON_LOOKAHEAD_DAYS", cfg.HorizonLookaheadDays)
	cfg.HorizonWindowDays = intEnv("CALSYNC_HORIZON_WINDOW_DAYS", cfg.HorizonWindowDays)
	if v := strings.TrimSpace(os.Getenv("CALSYNC_SCHEDULER_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			log.Printf("invalid CALSYNC_SCHEDULER_ENABLED=%q, keeping %v", v, cfg.Scheduler.Enabled)
		} else {
			cfg.Scheduler.Enabled = enabled
		}
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
