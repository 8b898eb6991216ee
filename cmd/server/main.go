package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"bookshop/pos/internal/auth"
	"bookshop/pos/internal/cache"
	"bookshop/pos/internal/catalog"
	"bookshop/pos/internal/config"
	"bookshop/pos/internal/events"
	"bookshop/pos/internal/finalize"
	"bookshop/pos/internal/httpapi"
	"bookshop/pos/internal/ledger"
	"bookshop/pos/internal/payment"
	"bookshop/pos/internal/store"
	"bookshop/pos/internal/store/memory"
	pgstore "bookshop/pos/internal/store/postgres"
	"bookshop/pos/internal/terminal"
)

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 4)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.Migrate(); err != nil {
			logger.Fatal("postgres migration failed", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	cacheStore := cache.AvailabilityCache(cache.NoopAvailabilityCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisAvailabilityCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}

	authority := auth.NewAuthority(cfg.ServiceTokenSecret, cfg.ServiceTokenTTL())
	for clientID, secret := range cfg.ServiceClients {
		if err := authority.RegisterClient(clientID, secret); err != nil {
			logger.Fatal("register service client", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	tokens := authority.SelfSigned("pos-terminal")

	var upstream catalog.Catalog = catalog.NewStoreCatalog(repo)
	if cfg.CatalogURL != "" {
		upstream = catalog.NewHTTPClient(cfg.CatalogURL, tokens, cfg.RequestTimeout(), logger)
		logger.Info("catalog: http", zap.String("url", cfg.CatalogURL))
	}
	books := catalog.NewCached(upstream, cacheStore, cfg.AvailabilityCacheTTL(), logger)

	var sales ledger.Ledger = ledger.NewStoreLedger(repo)
	if cfg.LedgerURL != "" {
		sales = ledger.NewHTTPClient(cfg.LedgerURL, tokens, cfg.RequestTimeout(), logger)
		logger.Info("ledger: http", zap.String("url", cfg.LedgerURL))
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.SaleEventsTopic, cfg.KafkaBrokers...)
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		logger.Info("sale events: kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.SaleEventsTopic))
	}

	finalizer := finalize.New(sales, publisher, books, logger)
	terminals := terminal.NewRegistry(terminal.Deps{
		Catalog:    books,
		Finalizer:  finalizer,
		CardReader: payment.ManualCardReader{},
		QRGateway:  payment.SimulatedQRGateway{Latency: cfg.QRGenerationDelay()},
		Logger:     logger,
	}, terminal.Config{
		VATRate:           cfg.DefaultVATRate,
		QRWindowSeconds:   cfg.QRExpirySeconds,
		MaxHeldSales:      cfg.MaxHeldSales,
		LookupDebounce:    cfg.LookupDebounce(),
		CatalogRatePerSec: cfg.CatalogRatePerSec,
		CatalogBurst:      cfg.CatalogBurst,
	})

	api := httpapi.New(terminals, repo, authority, cfg.AllowedOrigin,
		httpapi.WithInvalidator(books),
		httpapi.WithLogger(logger))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	terminals.Close()
	if err := finalizer.Drain(shutdownCtx); err != nil {
		logger.Warn("sale events still pending at shutdown", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	if cfg.LogFormat == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zcfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.ServiceTokenSecret) < 32 {
		return fmt.Errorf("SERVICE_TOKEN_SECRET must be set and at least 32 characters")
	}
	if err := validateSecretStrength(cfg.ServiceTokenSecret); err != nil {
		return fmt.Errorf("SERVICE_TOKEN_SECRET is too weak: %w", err)
	}
	for clientID, secret := range cfg.ServiceClients {
		if len(secret) < 12 {
			return fmt.Errorf("secret for service client %q must be at least 12 characters", clientID)
		}
	}
	return nil
}

// validateSecretStrength rejects secrets made of one repeated character or
// built from a known placeholder.
func validateSecretStrength(secret string) error {
	lower := strings.ToLower(secret)
	for _, placeholder := range []string{"changeme", "secret", "password", "example"} {
		if strings.Contains(lower, placeholder) {
			return fmt.Errorf("placeholder value %q not allowed", placeholder)
		}
	}

	distinct := make(map[rune]struct{})
	for _, r := range secret {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 8 {
		return fmt.Errorf("secret uses too few distinct characters")
	}
	return nil
}
