package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshop/pos/internal/auth"
	"bookshop/pos/internal/cache"
	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/store/memory"
)

func TestStoreCatalog(t *testing.T) {
	c := NewStoreCatalog(memory.NewSeeded())
	ctx := context.Background()

	rec, err := c.Availability(ctx, "9780141439518")
	require.NoError(t, err)
	assert.True(t, rec.Found)
	assert.Equal(t, "Pride and Prejudice", rec.Title)
	assert.True(t, rec.UnitPrice.Equal(decimal.NewFromInt(450)))
	assert.Equal(t, 3, rec.AvailableQuantity)

	rec, err = c.Availability(ctx, "9999999999")
	require.NoError(t, err)
	assert.False(t, rec.Found)
	assert.Equal(t, "9999999999", rec.Identifier)
}

type failingFinder struct{}

func (failingFinder) FindBook(context.Context, string) (*domain.Book, error) {
	return nil, errors.New("connection refused")
}

func TestStoreCatalogUnavailable(t *testing.T) {
	_, err := NewStoreCatalog(failingFinder{}).Availability(context.Background(), "9780141439518")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func catalogServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	authority := auth.NewAuthority("0123456789abcdef0123456789abcdef", time.Hour)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		token := r.Header.Get("Authorization")
		if len(token) < 8 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if _, err := authority.Parse(token[len("Bearer "):]); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/books/availability/9780141439518":
			_ = json.NewEncoder(w).Encode(domain.BookResponse{
				Success: true,
				Book: &domain.BookAvailability{
					BookFound:         true,
					ISBN:              "9780141439518",
					Title:             "Pride and Prejudice",
					Author:            "Jane Austen",
					AvailableQuantity: 3,
					SalePrice:         decimal.NewFromInt(450),
				},
			})
		case "/api/v1/books/availability/boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(domain.BookResponse{Success: false, Message: "Book not found"})
		}
	}))
}

func TestHTTPClientAvailability(t *testing.T) {
	srv := catalogServer(t, nil)
	defer srv.Close()

	tokens := auth.NewAuthority("0123456789abcdef0123456789abcdef", time.Hour).SelfSigned("pos-terminal")
	c := NewHTTPClient(srv.URL+"/", tokens, time.Second, nil)
	ctx := context.Background()

	rec, err := c.Availability(ctx, "9780141439518")
	require.NoError(t, err)
	assert.True(t, rec.Found)
	assert.Equal(t, "Jane Austen", rec.Author)
	assert.Equal(t, 3, rec.AvailableQuantity)

	rec, err = c.Availability(ctx, "9780000000000")
	require.NoError(t, err)
	assert.False(t, rec.Found)

	_, err = c.Availability(ctx, "boom")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestHTTPClientWithoutTokenIsUnavailable(t *testing.T) {
	srv := catalogServer(t, nil)
	defer srv.Close()

	c := NewHTTPClient(srv.URL, nil, time.Second, nil)
	_, err := c.Availability(context.Background(), "9780141439518")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestHTTPClientBreakerOpens(t *testing.T) {
	var hits int32
	srv := catalogServer(t, &hits)
	defer srv.Close()

	tokens := auth.NewAuthority("0123456789abcdef0123456789abcdef", time.Hour).SelfSigned("pos-terminal")
	c := NewHTTPClient(srv.URL, tokens, time.Second, nil)
	for i := 0; i < 8; i++ {
		_, err := c.Availability(context.Background(), "boom")
		assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}

type countingCatalog struct {
	calls   int32
	release chan struct{}
	rec     domain.AvailabilityRecord
}

func (c *countingCatalog) Availability(_ context.Context, identifier string) (domain.AvailabilityRecord, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.release != nil {
		<-c.release
	}
	rec := c.rec
	rec.Identifier = identifier
	return rec, nil
}

func TestCachedServesRepeatLookupsFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisAvailabilityCache(mr.Addr(), "", 0)
	defer rc.Close()

	next := &countingCatalog{rec: domain.AvailabilityRecord{Found: true, Title: "Sapiens", UnitPrice: decimal.NewFromInt(1800), AvailableQuantity: 4}}
	c := NewCached(next, rc, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec, err := c.Availability(ctx, "9780099590088")
		require.NoError(t, err)
		assert.Equal(t, 4, rec.AvailableQuantity)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&next.calls))

	c.Invalidate(ctx, "9780099590088")
	_, err := c.Availability(ctx, "9780099590088")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&next.calls))
}

func TestCachedDoesNotCacheMisses(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := cache.NewRedisAvailabilityCache(mr.Addr(), "", 0)
	defer rc.Close()

	next := &countingCatalog{rec: domain.AvailabilityRecord{Found: false}}
	c := NewCached(next, rc, time.Minute, nil)

	for i := 0; i < 2; i++ {
		rec, err := c.Availability(context.Background(), "9780000000000")
		require.NoError(t, err)
		assert.False(t, rec.Found)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&next.calls))
}

func TestCachedCollapsesConcurrentMisses(t *testing.T) {
	next := &countingCatalog{
		release: make(chan struct{}),
		rec:     domain.AvailabilityRecord{Found: true, AvailableQuantity: 1},
	}
	c := NewCached(next, nil, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Availability(context.Background(), "9780307455925")
		}()
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&next.calls) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(next.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&next.calls))
}

// blockingCatalog holds each lookup until released or until its context ends.
type blockingCatalog struct {
	calls   int32
	release chan struct{}
}

func (c *blockingCatalog) Availability(ctx context.Context, identifier string) (domain.AvailabilityRecord, error) {
	atomic.AddInt32(&c.calls, 1)
	select {
	case <-ctx.Done():
		return domain.AvailabilityRecord{}, ctx.Err()
	case <-c.release:
	}
	return domain.AvailabilityRecord{Identifier: identifier, Found: true, AvailableQuantity: 2}, nil
}

func TestCachedSharedLookupSurvivesLeaderCancel(t *testing.T) {
	next := &blockingCatalog{release: make(chan struct{})}
	c := NewCached(next, nil, time.Minute, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Availability(leaderCtx, "9780141439518")
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&next.calls) == 1 }, time.Second, time.Millisecond)

	type result struct {
		rec domain.AvailabilityRecord
		err error
	}
	follower := make(chan result, 1)
	go func() {
		rec, err := c.Availability(context.Background(), "9780141439518")
		follower <- result{rec: rec, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(next.release)
	select {
	case res := <-follower:
		require.NoError(t, res.err)
		assert.True(t, res.rec.Found)
		assert.Equal(t, 2, res.rec.AvailableQuantity)
	case <-time.After(time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&next.calls))
}
