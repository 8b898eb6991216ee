// Package httpclient carries the plumbing shared by the outbound service
// clients: traced transport, circuit breaking and bearer tokens.
package httpclient

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"bookshop/pos/internal/auth"
)

func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// NewBreaker trips after five consecutive failures and probes again after
// the open timeout. isSuccessful decides which errors count as failures.
func NewBreaker[T any](name string, logger *zap.Logger, isSuccessful func(error) bool) *gobreaker.CircuitBreaker[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Authorize sets the bearer header when a token source is configured.
func Authorize(ctx context.Context, req *http.Request, tokens auth.TokenSource) error {
	if tokens == nil {
		return nil
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
