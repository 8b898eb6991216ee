package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port          string
	AllowedOrigin string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CatalogURL string
	LedgerURL  string

	ServiceTokenSecret     string
	ServiceTokenTTLSeconds int
	// ServiceClients maps client ids to the secrets they exchange for tokens.
	ServiceClients map[string]string

	KafkaBrokers    []string
	SaleEventsTopic string

	LookupDebounceMS            int
	CatalogRatePerSec           float64
	CatalogBurst                int
	AvailabilityCacheTTLSeconds int
	QRExpirySeconds             int
	QRGenerationMS              int
	DefaultVATRate              decimal.Decimal
	MaxHeldSales                int
	RequestTimeoutSeconds       int

	LogLevel  string
	LogFormat string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ratePerSec, err := strconv.ParseFloat(getEnv("CATALOG_RATE_PER_SEC", "5"), 64)
	if err != nil {
		ratePerSec = 5
	}
	vat, err := decimal.NewFromString(getEnv("DEFAULT_VAT_RATE", "16"))
	if err != nil {
		vat = decimal.NewFromInt(16)
	}

	return Config{
		Port:                        getEnv("PORT", "8080"),
		AllowedOrigin:               getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		RedisAddr:                   os.Getenv("REDIS_ADDR"),
		RedisPassword:               os.Getenv("REDIS_PASSWORD"),
		RedisDB:                     redisDB,
		CatalogURL:                  strings.TrimSpace(os.Getenv("CATALOG_URL")),
		LedgerURL:                   strings.TrimSpace(os.Getenv("LEDGER_URL")),
		ServiceTokenSecret:          strings.TrimSpace(os.Getenv("SERVICE_TOKEN_SECRET")),
		ServiceTokenTTLSeconds:      getInt("SERVICE_TOKEN_TTL_SECONDS", 900),
		ServiceClients:              parseClients(os.Getenv("SERVICE_CLIENTS")),
		KafkaBrokers:                splitList(os.Getenv("KAFKA_BROKERS")),
		SaleEventsTopic:             getEnv("SALE_EVENTS_TOPIC", "pos.sales.finalized"),
		LookupDebounceMS:            getInt("LOOKUP_DEBOUNCE_MS", 300),
		CatalogRatePerSec:           ratePerSec,
		CatalogBurst:                getInt("CATALOG_BURST", 3),
		AvailabilityCacheTTLSeconds: getInt("AVAILABILITY_CACHE_TTL_SECONDS", 5),
		QRExpirySeconds:             getInt("QR_EXPIRY_SECONDS", 120),
		QRGenerationMS:              getInt("QR_GENERATION_MS", 2000),
		DefaultVATRate:              vat,
		MaxHeldSales:                getInt("MAX_HELD_SALES", 50),
		RequestTimeoutSeconds:       getInt("REQUEST_TIMEOUT_SECONDS", 5),
		LogLevel:                    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:                   strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric, got %q", c.Port))
	}
	if c.DefaultVATRate.IsNegative() || c.DefaultVATRate.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("DEFAULT_VAT_RATE must be between 0 and 100"))
	}
	if c.QRExpirySeconds < 1 {
		errs = append(errs, errors.New("QR_EXPIRY_SECONDS must be positive"))
	}
	if c.MaxHeldSales < 1 {
		errs = append(errs, errors.New("MAX_HELD_SALES must be positive"))
	}
	if c.RequestTimeoutSeconds < 1 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT_SECONDS must be positive"))
	}
	if c.ServiceTokenTTLSeconds < 60 {
		errs = append(errs, errors.New("SERVICE_TOKEN_TTL_SECONDS must be at least 60"))
	}
	if c.LookupDebounceMS < 0 || c.QRGenerationMS < 0 || c.AvailabilityCacheTTLSeconds < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.CatalogRatePerSec < 0 {
		errs = append(errs, errors.New("CATALOG_RATE_PER_SEC must not be negative"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) LookupDebounce() time.Duration {
	return time.Duration(c.LookupDebounceMS) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) ServiceTokenTTL() time.Duration {
	return time.Duration(c.ServiceTokenTTLSeconds) * time.Second
}

func (c Config) AvailabilityCacheTTL() time.Duration {
	return time.Duration(c.AvailabilityCacheTTLSeconds) * time.Second
}

func (c Config) QRGenerationDelay() time.Duration {
	return time.Duration(c.QRGenerationMS) * time.Millisecond
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseClients reads "id:secret,id2:secret2". Malformed pairs are skipped.
func parseClients(raw string) map[string]string {
	clients := make(map[string]string)
	for _, pair := range splitList(raw) {
		id, secret, ok := strings.Cut(pair, ":")
		id, secret = strings.TrimSpace(id), strings.TrimSpace(secret)
		if !ok || id == "" || secret == "" {
			continue
		}
		clients[id] = secret
	}
	return clients
}
