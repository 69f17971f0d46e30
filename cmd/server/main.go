/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the hostel billing server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the zap logger
  3. Initialize the SQLite ledger store
  4. Wire the Paystack gateway and the optional collaborators
     (SMTP notifier, RabbitMQ publisher, Redis reference lock)
  5. Start the orphan reconciliation scheduler (only when
     RECONCILE_INTERVAL is set)
  6. Configure the HTTP router and start serving

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT, default 8080)
  -db      SQLite database path (overrides DB_PATH, default hostel.db)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Wait for post-commit hooks (emails, events) to drain
  4. Close broker, redis and database connections

ENVIRONMENT:
  See config/config.go for the full variable list.

SEE ALSO:
  - api/server.go: Router configuration
  - billing/engine.go: Engine wiring
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/hostel-billing/api"
	"github.com/warp/hostel-billing/billing"
	"github.com/warp/hostel-billing/config"
	"github.com/warp/hostel-billing/events"
	"github.com/warp/hostel-billing/gateway/paystack"
	"github.com/warp/hostel-billing/lock"
	"github.com/warp/hostel-billing/notify"
	"github.com/warp/hostel-billing/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat, "hostel-billing")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty; every authenticated route will answer 401")
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	gateway := paystack.New(paystack.Config{
		SecretKey:   cfg.Paystack.SecretKey,
		BaseURL:     cfg.Paystack.BaseURL,
		CallbackURL: cfg.Paystack.CallbackURL,
		Timeout:     cfg.Paystack.Timeout,
		RetryCount:  2,
	}, logger.Named("paystack"))

	engine := billing.NewEngine(store, gateway, logger.Named("billing"))
	engine.Policy = cfg.Policy
	engine.Codes = billing.NewAccessCodeIssuer(cfg.Policy.AccessCodeLength)
	engine.AsyncHooks = true

	if cfg.SMTP.Enabled() {
		engine.Notifier = notify.NewEmailSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, logger.Named("smtp"))
	} else {
		logger.Info("SMTP_HOST not set; resident emails are disabled")
	}

	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, events.DefaultExchange, logger.Named("events"))
		if err != nil {
			// Events are best-effort; the ledger works without a broker.
			logger.Warn("rabbitmq unavailable; events disabled", zap.Error(err))
		} else {
			defer pub.Close()
			engine.Publisher = pub
		}
	}

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("redis unavailable; using the in-process reference lock", zap.Error(err))
		} else {
			engine.Locker = lock.NewRedisLocker(rdb, "", 0)
		}
	}

	handler := api.NewHandler(engine, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret: []byte(cfg.JWTSecret),
		Ready:     store.Ping,
	})

	if cfg.ReconcileInterval > 0 {
		scheduler := api.NewReconciliationScheduler(engine, logger.Named("scheduler"))
		scheduler.CheckInterval = cfg.ReconcileInterval
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", *port), zap.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	engine.WaitHooks()

	logger.Info("server stopped")
	return nil
}
