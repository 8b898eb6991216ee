package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	breaker *gobreaker.CircuitBreaker[domain.AvailabilityRecord]
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
		breaker: httpclient.NewBreaker[domain.AvailabilityRecord]("catalog", logger, nil),
		logger:  logger,
	}
}

func (c *HTTPClient) Availability(ctx context.Context, identifier string) (domain.AvailabilityRecord, error) {
	rec, err := c.breaker.Execute(func() (domain.AvailabilityRecord, error) {
		return c.fetch(ctx, identifier)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.AvailabilityRecord{}, fmt.Errorf("%w: catalog circuit open", domain.ErrServiceUnavailable)
	}
	return rec, err
}

func (c *HTTPClient) fetch(ctx context.Context, identifier string) (domain.AvailabilityRecord, error) {
	endpoint := c.baseURL + "/api/v1/books/availability/" + url.PathEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.AvailabilityRecord{}, err
	}
	req.Header.Set("Accept", "application/json")
	if err := httpclient.Authorize(ctx, req, c.tokens); err != nil {
		return domain.AvailabilityRecord{}, fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.AvailabilityRecord{}, fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Warn("catalog lookup failed",
			zap.String("identifier", identifier),
			zap.Int("status", resp.StatusCode))
		return domain.AvailabilityRecord{}, fmt.Errorf("%w: catalog returned status %d", domain.ErrServiceUnavailable, resp.StatusCode)
	}

	var body domain.BookResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return domain.AvailabilityRecord{}, fmt.Errorf("%w: malformed catalog response: %v", domain.ErrServiceUnavailable, err)
	}
	if !body.Success || body.Book == nil || !body.Book.BookFound {
		return domain.AvailabilityRecord{Identifier: identifier, Found: false}, nil
	}

	rec := body.Book.Record()
	if rec.Identifier == "" {
		rec.Identifier = identifier
	}
	return rec, nil
}
