// Package httpapi exposes the terminal sessions and the backoffice catalog
// and ledger endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"bookshop/pos/internal/auth"
	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/store"
	"bookshop/pos/internal/terminal"
)

// StockInvalidator drops cached availability after stock changes.
type StockInvalidator interface {
	Invalidate(ctx context.Context, identifiers ...string)
}

type API struct {
	terminals     *terminal.Registry
	repo          store.Repository
	authority     *auth.Authority
	invalidate    StockInvalidator
	allowedOrigin string
	logger        *zap.Logger
	tokenLimiter  *attemptLimiter
}

type Option func(*API)

// WithInvalidator makes backoffice writes evict cached availability.
func WithInvalidator(inv StockInvalidator) Option {
	return func(a *API) { a.invalidate = inv }
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func New(terminals *terminal.Registry, repo store.Repository, authority *auth.Authority, allowedOrigin string, opts ...Option) *API {
	if strings.TrimSpace(allowedOrigin) == "" {
		allowedOrigin = "*"
	}
	a := &API{
		terminals:     terminals,
		repo:          repo,
		authority:     authority,
		allowedOrigin: allowedOrigin,
		logger:        zap.NewNop(),
		tokenLimiter:  newAttemptLimiter(5, time.Minute),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it fits in the window.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(a.secure)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", a.handleToken)

		r.Route("/terminals/{terminalID}", func(r chi.Router) {
			r.Use(a.withSession)
			r.Get("/", a.handleView)
			r.Post("/scan", a.handleScan)
			r.Patch("/lines/{lineID}", a.handleUpdateLine)
			r.Delete("/lines/{lineID}", a.handleRemoveLine)
			r.Put("/discount", a.handleDiscount)
			r.Put("/notes", a.handleNotes)
			r.Post("/clear", a.handleClear)
			r.Post("/hold", a.handleHold)
			r.Get("/held", a.handleListHeld)
			r.Post("/held/{heldID}/resume", a.handleResume)
			r.Delete("/held/{heldID}", a.handleDiscardHeld)
			r.Route("/payment", func(r chi.Router) {
				r.Post("/method", a.handleSelectMethod)
				r.Post("/cash", a.handleCash)
				r.Post("/card", a.handleCard)
				r.Post("/mpesa", a.handleGenerateQR)
				r.Post("/mpesa/confirm", a.handleConfirmQR)
				r.Post("/cancel", a.handleCancelPayment)
				r.Post("/reset", a.handleResetPayment)
			})
			r.Post("/finalize", a.handleFinalize)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireService)
			r.Get("/books", a.handleListBooks)
			r.Put("/books/{isbn}", a.handleUpsertBook)
			r.Get("/books/availability/{identifier}", a.handleAvailability)
			r.Post("/sales", a.handleCreateSale)
			r.Get("/sales/{saleID}", a.handleGetSale)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	return otelhttp.NewHandler(r, "pos-api")
}

func (a *API) secure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(startedAt)))
	})
}

// requireService admits requests carrying a valid service bearer token.
func (a *API) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		principal, err := a.authority.Parse(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if principal.Scope != auth.ScopeLedger {
			writeError(w, http.StatusForbidden, errors.New("token scope not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"terminals": a.terminals.Len(),
		"at":        time.Now().UTC().Format(time.RFC3339),
	})
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if !a.tokenLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many token requests"))
		return
	}

	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.authority.Exchange(req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps domain and store errors to response codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidSale),
		errors.Is(err, store.ErrInvalidBook):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrLineNotFound),
		errors.Is(err, domain.ErrHeldSaleNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStockExceeded),
		errors.Is(err, domain.ErrFinalizeInFlight),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrPaymentInProgress),
		errors.Is(err, domain.ErrPaymentNotReady),
		errors.Is(err, domain.ErrSuperseded),
		errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrFinalizationRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrServiceUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the message of 5xx responses; 4xx messages reach the client.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = http.StatusText(status)
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
