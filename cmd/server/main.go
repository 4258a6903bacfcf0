package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kasirpoin/backend/internal/cache"
	"kasirpoin/backend/internal/checkout"
	"kasirpoin/backend/internal/config"
	"kasirpoin/backend/internal/feed"
	"kasirpoin/backend/internal/httpapi"
	"kasirpoin/backend/internal/logger"
	"kasirpoin/backend/internal/metrics"
	"kasirpoin/backend/internal/payment"
	"kasirpoin/backend/internal/reconcile"
	"kasirpoin/backend/internal/service"
	"kasirpoin/backend/internal/store"
	"kasirpoin/backend/internal/store/memory"
	pgstore "kasirpoin/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Environment: cfg.Environment, ServiceName: "kasirpoin"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped with error", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Warn("close failed", zap.Error(err))
			}
		}
	}()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(setupCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing to fall back to memory: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(setupCtx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		repo = pg
		log.Info("repository ready", zap.String("backend", "postgres"))
	} else {
		repo = memory.NewSeeded()
		log.Info("repository ready", zap.String("backend", "memory"))
	}

	var pubsub feed.PubSub = feed.NewHub()
	var carts cache.CartStore = cache.NewMemoryCartStore()
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCarts := cache.NewRedisCartStore(client)
		if err := redisCarts.Ping(setupCtx); err != nil {
			_ = client.Close()
			log.Warn("redis unavailable, payment feed and carts stay in process", zap.Error(err))
		} else {
			closers = append(closers, client.Close)
			pubsub = feed.NewRedisFeed(client, log)
			carts = redisCarts
			log.Info("redis ready", zap.String("addr", cfg.RedisAddr))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	retrier := store.DefaultRetrier()
	retrier.MaxAttempts = cfg.AtomicMaxAttempts
	engine := checkout.NewEngine(repo, policyFromConfig(cfg), retrier, log, m)

	provider, signer, sandbox := paymentProvider(cfg)
	if sandbox {
		log.Warn("PayOS credentials missing, using the sandbox payment provider")
	}
	broker := payment.NewBroker(repo, provider, nil, log, m)
	reconciler := payment.NewReconciler(repo, signer, pubsub, log, m)
	listener := reconcile.NewListener(repo, pubsub, engine, reconcile.Config{Timeout: cfg.PaymentWatchTTL}, log, m)

	svc := service.New(service.Deps{
		Repo:     repo,
		Engine:   engine,
		Broker:   broker,
		Listener: listener,
		Carts:    carts,
		CartTTL:  cfg.CartSessionTTL,
		Logger:   log,
	})
	auth := httpapi.NewAuthManager(setupCtx, cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)

	opts := httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Reconciler:    reconciler,
		Metrics:       m,
		Logger:        log,
	}
	if sandbox {
		opts.Sandbox = &signer
	}
	api := httpapi.New(svc, auth, opts)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Run(gctx)
	})
	g.Go(func() error {
		log.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func policyFromConfig(cfg config.Config) checkout.Policy {
	return checkout.Policy{
		TaxRate:       cfg.TaxRate,
		PointValue:    cfg.PointValue,
		EarnThreshold: cfg.PointEarnThreshold,
	}
}

// paymentProvider returns the PayOS client when credentials are configured
// and the sandbox provider otherwise. The sandbox signs with a throwaway key
// known only to this process.
func paymentProvider(cfg config.Config) (payment.Provider, payment.Signer, bool) {
	if cfg.PayOSConfigured() {
		client := payment.NewPayOSClient(payment.PayOSConfig{
			ClientID:    cfg.PayOSClientID,
			APIKey:      cfg.PayOSAPIKey,
			ChecksumKey: cfg.PayOSChecksumKey,
			BaseURL:     cfg.PayOSBaseURL,
			ReturnURL:   cfg.PaymentReturnURL,
			CancelURL:   cfg.PaymentCancelURL,
		}, &http.Client{Timeout: 15 * time.Second})
		return client, client.Signer(), false
	}
	return payment.SandboxProvider{BaseURL: "http://127.0.0.1" + cfg.Address() + "/sandbox"}, payment.NewSigner(rand.Text()), true
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Environment == "production" {
		if !cfg.PayOSConfigured() {
			return fmt.Errorf("PAYOS_CLIENT_ID, PAYOS_API_KEY and PAYOS_CHECKSUM_KEY are required in production")
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if cfg.AllowedOrigin == "" || cfg.AllowedOrigin == "*" {
			return fmt.Errorf("ALLOWED_ORIGIN must name the POS frontend in production")
		}
	}
	return nil
}
