package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"bookshop/pos/internal/auth"
	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/httpclient"
)

type HTTPClient struct {
	baseURL string
	client  *http.Client
	tokens  auth.TokenSource
	breaker *gobreaker.CircuitBreaker[string]
	logger  *zap.Logger
}

func NewHTTPClient(baseURL string, tokens auth.TokenSource, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpclient.New(timeout),
		tokens:  tokens,
		// A rejected sale means the ledger is healthy.
		breaker: httpclient.NewBreaker[string]("ledger", logger, func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrFinalizationRejected)
		}),
		logger: logger,
	}
}

func (c *HTTPClient) CreateSale(ctx context.Context, req domain.SaleRequest) (string, error) {
	id, err := c.breaker.Execute(func() (string, error) {
		return c.post(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: ledger circuit open", domain.ErrServiceUnavailable)
	}
	return id, err
}

func (c *HTTPClient) post(ctx context.Context, sale domain.SaleRequest) (string, error) {
	body, err := json.Marshal(sale)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sales", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sale.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", sale.IdempotencyKey)
	}
	if err := httpclient.Authorize(ctx, req, c.tokens); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()
	payload := io.LimitReader(resp.Body, 1<<20)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var created domain.SaleResponse
		if err := json.NewDecoder(payload).Decode(&created); err != nil || created.SaleID == "" {
			return "", fmt.Errorf("%w: malformed ledger response", domain.ErrServiceUnavailable)
		}
		return created.SaleID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusUnauthorized &&
		resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests:
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(payload).Decode(&failure)
		if failure.Error == "" {
			failure.Error = http.StatusText(resp.StatusCode)
		}
		c.logger.Info("sale rejected by ledger",
			zap.String("idempotency_key", sale.IdempotencyKey),
			zap.Int("status", resp.StatusCode),
			zap.String("reason", failure.Error))
		return "", fmt.Errorf("%w: %s", domain.ErrFinalizationRejected, failure.Error)
	default:
		_, _ = io.Copy(io.Discard, payload)
		c.logger.Warn("ledger submission failed",
			zap.String("idempotency_key", sale.IdempotencyKey),
			zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("%w: ledger returned status %d", domain.ErrServiceUnavailable, resp.StatusCode)
	}
}
