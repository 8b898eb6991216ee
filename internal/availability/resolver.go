// Package availability turns scanned or typed identifiers into availability
// records, discarding answers that a newer input has overtaken.
package availability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bookshop/pos/internal/catalog"
	"bookshop/pos/internal/domain"
)

const (
	MinIdentifierLength = 10
	DefaultDebounce     = 300 * time.Millisecond
)

// LocalLookup answers from state the caller already holds, such as a line
// already in the cart. ok=false falls through to the catalog.
type LocalLookup func(identifier string) (rec domain.AvailabilityRecord, ok bool)

type Result struct {
	Record   domain.AvailabilityRecord
	Token    uint64
	FromCart bool
}

type Option func(*Resolver)

func WithDebounce(d time.Duration) Option {
	return func(r *Resolver) { r.debounce = d }
}

// WithRateLimit paces catalog calls; perSecond <= 0 leaves them unpaced.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Resolver) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLocalLookup(fn LocalLookup) Option {
	return func(r *Resolver) { r.local = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type Resolver struct {
	catalog  catalog.Catalog
	local    LocalLookup
	debounce time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	seq      atomic.Uint64
	mu       sync.Mutex
	inFlight context.CancelFunc
}

func NewResolver(c catalog.Catalog, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:  c,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve blocks through the debounce window and the lookup. Only the
// newest call can succeed; older calls return domain.ErrSuperseded whatever
// the catalog answered.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (Result, error) {
	id := strings.TrimSpace(identifier)
	token := r.seq.Add(1)
	if len(id) < MinIdentifierLength {
		return Result{Token: token}, fmt.Errorf("%w: identifier must be at least %d characters", domain.ErrValidation, MinIdentifierLength)
	}

	if r.debounce > 0 {
		timer := time.NewTimer(r.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Token: token}, ctx.Err()
		case <-timer.C:
		}
	}
	if !r.Current(token) {
		return Result{Token: token}, domain.ErrSuperseded
	}

	if r.local != nil {
		if rec, ok := r.local(id); ok {
			return Result{Record: rec, Token: token, FromCart: true}, nil
		}
	}

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	if r.inFlight != nil {
		r.inFlight()
	}
	r.inFlight = cancel
	r.mu.Unlock()

	if r.limiter != nil {
		if err := r.limiter.Wait(lookupCtx); err != nil {
			if !r.Current(token) {
				return Result{Token: token}, domain.ErrSuperseded
			}
			return Result{Token: token}, err
		}
	}

	rec, err := r.catalog.Availability(lookupCtx, id)
	if !r.Current(token) {
		r.logger.Debug("stale availability response dropped", zap.String("identifier", id), zap.Uint64("token", token))
		return Result{Token: token}, domain.ErrSuperseded
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Token: token}, ctxErr
		}
		if !errors.Is(err, domain.ErrServiceUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
		}
		r.logger.Warn("availability lookup failed", zap.String("identifier", id), zap.Error(err))
		return Result{Token: token}, err
	}
	if !rec.Found {
		return Result{Token: token}, fmt.Errorf("%w: no book matches %s", domain.ErrNotFound, id)
	}
	if rec.Identifier == "" {
		rec.Identifier = id
	}
	return Result{Record: rec, Token: token}, nil
}

// Current reports whether token still belongs to the newest call.
func (r *Resolver) Current(token uint64) bool {
	return r.seq.Load() == token
}

// Cancel supersedes every outstanding call and aborts the in-flight lookup.
func (r *Resolver) Cancel() {
	r.seq.Add(1)
	r.mu.Lock()
	if r.inFlight != nil {
		r.inFlight()
		r.inFlight = nil
	}
	r.mu.Unlock()
}
