// Package terminal holds the per-terminal session: the active cart, its
// held sales, the payment attempt and the effect runner that drives it.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bookshop/pos/internal/availability"
	"bookshop/pos/internal/cart"
	"bookshop/pos/internal/catalog"
	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/finalize"
	"bookshop/pos/internal/held"
	"bookshop/pos/internal/payment"
	"bookshop/pos/internal/xid"
)

type Config struct {
	VATRate           decimal.Decimal
	QRWindowSeconds   int
	TickInterval      time.Duration
	MaxHeldSales      int
	LookupDebounce    time.Duration
	CatalogRatePerSec float64
	CatalogBurst      int
}

func (c Config) withDefaults() Config {
	if c.VATRate.IsZero() {
		c.VATRate = cart.DefaultVATRate
	}
	if c.QRWindowSeconds <= 0 {
		c.QRWindowSeconds = payment.DefaultQRWindow
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxHeldSales <= 0 {
		c.MaxHeldSales = held.DefaultLimit
	}
	if c.LookupDebounce < 0 {
		c.LookupDebounce = 0
	}
	return c
}

// SaleFinalizer records a paid cart with the ledger.
type SaleFinalizer interface {
	Finalize(ctx context.Context, req finalize.Request) (string, error)
}

type Deps struct {
	Catalog    catalog.Catalog
	Finalizer  SaleFinalizer
	CardReader payment.CardReader
	QRGateway  payment.QRGateway
	Logger     *zap.Logger
}

type Receipt struct {
	SaleID         string               `json:"sale_id"`
	AttemptID      string               `json:"attempt_id"`
	Method         domain.PaymentMethod `json:"payment_method"`
	Total          decimal.Decimal      `json:"total"`
	AmountReceived decimal.Decimal      `json:"amount_received"`
	ChangeGiven    decimal.Decimal      `json:"change_given"`
	Reference      string               `json:"reference,omitempty"`
	FinalizedAt    time.Time            `json:"finalized_at"`
}

// View is the read model of a session.
type View struct {
	TerminalID string          `json:"terminal_id"`
	Lines      []cart.Line     `json:"lines"`
	Discount   decimal.Decimal `json:"discount"`
	Notes      string          `json:"notes,omitempty"`
	Totals     cart.Totals     `json:"totals"`
	Payment    *payment.Status `json:"payment,omitempty"`
	HeldCount  int             `json:"held_count"`
	LastSale   *Receipt        `json:"last_sale,omitempty"`
}

// Session serializes every mutation of one terminal behind a single mutex.
// Slow work (lookups, card charges, code generation, ledger submission)
// runs outside the lock and re-enters through attempt-id checks.
type Session struct {
	id        string
	cfg       Config
	finalizer SaleFinalizer
	cards     payment.CardReader
	qr        payment.QRGateway
	resolver  *availability.Resolver
	logger    *zap.Logger
	now       func() time.Time

	mu             sync.Mutex
	cart           *cart.Cart
	held           *held.Manager
	attempt        *payment.Attempt
	attemptCancel  context.CancelFunc
	attemptCtx     context.Context
	countdown      *countdown
	finalizeCancel context.CancelFunc
	lastSale       *Receipt
}

func NewSession(id string, deps Deps, cfg Config) *Session {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cards := deps.CardReader
	if cards == nil {
		cards = payment.ManualCardReader{}
	}
	qr := deps.QRGateway
	if qr == nil {
		qr = payment.SimulatedQRGateway{}
	}

	s := &Session{
		id:        id,
		cfg:       cfg,
		finalizer: deps.Finalizer,
		cards:     cards,
		qr:        qr,
		logger:    logger.With(zap.String("terminal_id", id)),
		now:       func() time.Time { return time.Now().UTC() },
		cart:      cart.New(cart.WithDefaultVATRate(cfg.VATRate)),
		held:      held.NewManager(cfg.MaxHeldSales),
	}
	s.resolver = availability.NewResolver(deps.Catalog,
		availability.WithDebounce(cfg.LookupDebounce),
		availability.WithRateLimit(cfg.CatalogRatePerSec, cfg.CatalogBurst),
		availability.WithLocalLookup(s.lookupInCart),
		availability.WithLogger(s.logger),
	)
	return s
}

func (s *Session) ID() string { return s.id }

// lookupInCart answers a rescan from the line's stock snapshot.
func (s *Session) lookupInCart(identifier string) (domain.AvailabilityRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.cart.FindByIdentifier(identifier)
	if !ok {
		return domain.AvailabilityRecord{}, false
	}
	return domain.AvailabilityRecord{
		Identifier:        line.Identifier,
		Found:             true,
		Title:             line.Title,
		Author:            line.Author,
		UnitPrice:         line.UnitPrice,
		AvailableQuantity: line.StockCeiling,
	}, true
}

// Scan resolves the identifier and adds one unit of the book. A lookup that
// a newer scan overtakes returns domain.ErrSuperseded and changes nothing.
func (s *Session) Scan(ctx context.Context, identifier string) (cart.Line, error) {
	s.mu.Lock()
	err := s.guardEditLocked()
	s.mu.Unlock()
	if err != nil {
		return cart.Line{}, err
	}

	res, err := s.resolver.Resolve(ctx, identifier)
	if err != nil {
		return cart.Line{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resolver.Current(res.Token) {
		return cart.Line{}, domain.ErrSuperseded
	}
	if err := s.guardEditLocked(); err != nil {
		return cart.Line{}, err
	}
	line, err := s.cart.AddOrIncrement(res.Record)
	if err != nil {
		return line, err
	}
	s.repriceLocked()
	return line, nil
}

func (s *Session) SetQuantity(lineID string, n int) error {
	return s.edit(func(c *cart.Cart) error { return c.SetQuantity(lineID, n) })
}

func (s *Session) RemoveLine(lineID string) error {
	return s.edit(func(c *cart.Cart) error { return c.RemoveLine(lineID) })
}

// UpdateLine edits quantity, discount and VAT rate of one line as a unit.
func (s *Session) UpdateLine(lineID string, u cart.LineUpdate) error {
	return s.edit(func(c *cart.Cart) error { return c.UpdateLine(lineID, u) })
}

func (s *Session) SetDiscount(amount decimal.Decimal) error {
	return s.edit(func(c *cart.Cart) error { return c.SetDiscount(amount) })
}

// SetNotes does not touch the amount, so only a running submission blocks it.
func (s *Session) SetNotes(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != nil && s.attempt.Finalizing {
		return domain.ErrFinalizeInFlight
	}
	s.cart.SetNotes(text)
	return nil
}

func (s *Session) edit(fn func(*cart.Cart) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guardEditLocked(); err != nil {
		return err
	}
	if err := fn(s.cart); err != nil {
		return err
	}
	s.repriceLocked()
	return nil
}

// Clear empties the cart and abandons the payment attempt. During a ledger
// submission the cart still clears; a late answer is then ignored.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) Hold() (held.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizingLocked() {
		return held.Sale{}, domain.ErrFinalizeInFlight
	}
	sale, err := s.held.Hold(s.cart.Snapshot())
	if err != nil {
		return held.Sale{}, err
	}
	s.resetLocked()
	s.logger.Info("sale held", zap.String("held_id", sale.ID), zap.Int("lines", len(sale.Cart.Lines)))
	return sale, nil
}

// Resume replaces the active cart with a held one. Whatever was in the
// active cart is discarded, as is its payment attempt.
func (s *Session) Resume(heldID string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizingLocked() {
		return View{}, domain.ErrFinalizeInFlight
	}
	sale, err := s.held.Resume(heldID)
	if err != nil {
		return View{}, err
	}
	s.resetLocked()
	s.cart.Restore(sale.Cart)
	return s.viewLocked(), nil
}

func (s *Session) DiscardHeld(heldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held.Discard(heldID)
}

func (s *Session) ListHeld() []held.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sales := s.held.List()
	out := make([]held.Summary, 0, len(sales))
	for _, sale := range sales {
		out = append(out, sale.Summary())
	}
	return out
}

// SelectMethod starts a fresh attempt for method unless one is already
// running for it.
func (s *Session) SelectMethod(method domain.PaymentMethod) (payment.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureAttemptLocked(method); err != nil {
		return payment.Status{}, err
	}
	return s.attempt.Status(s.cart.IsEmpty()), nil
}

func (s *Session) TenderCash(amount decimal.Decimal) (payment.Status, error) {
	return s.applyFor(domain.PaymentCash, payment.Tender{Amount: amount})
}

// SubmitCard hands the total to the card reader; the verdict arrives later.
func (s *Session) SubmitCard() (payment.Status, error) {
	return s.applyFor(domain.PaymentCard, payment.Submit{})
}

func (s *Session) GenerateQR(phone string) (payment.Status, error) {
	return s.applyFor(domain.PaymentMpesa, payment.Generate{Phone: phone})
}

// ConfirmQR records the mobile-money sale once the customer has paid.
func (s *Session) ConfirmQR(ctx context.Context, customer *domain.Customer) (Receipt, error) {
	s.mu.Lock()
	if s.attempt == nil || s.attempt.Method != domain.PaymentMpesa {
		s.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: no mobile money payment is active", domain.ErrPaymentNotReady)
	}
	s.mu.Unlock()
	return s.Finalize(ctx, customer)
}

// CancelPayment abandons the active attempt. The method stays selected
// under a fresh attempt id.
func (s *Session) CancelPayment() (*payment.Status, error) {
	return s.restart(payment.Cancel{})
}

// ResetPayment returns an expired or failed attempt to its start.
func (s *Session) ResetPayment() (*payment.Status, error) {
	return s.restart(payment.Reset{})
}

func (s *Session) restart(ev payment.Event) (*payment.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil {
		return nil, nil
	}
	if s.attempt.Finalizing {
		return nil, domain.ErrFinalizeInFlight
	}
	if err := s.applyLocked(ev); err != nil {
		return nil, err
	}
	method := s.attempt.Method
	s.dropAttemptLocked()
	if err := s.newAttemptLocked(method); err != nil {
		return nil, err
	}
	st := s.attempt.Status(s.cart.IsEmpty())
	return &st, nil
}

// Finalize submits the sale exactly once per attempt. On success the cart is
// cleared; on failure cart and attempt are left as they were so the operator
// can retry.
func (s *Session) Finalize(ctx context.Context, customer *domain.Customer) (Receipt, error) {
	s.mu.Lock()
	attempt := s.attempt
	if attempt == nil {
		s.mu.Unlock()
		return Receipt{}, fmt.Errorf("%w: select a payment method first", domain.ErrPaymentNotReady)
	}
	if err := attempt.CheckFinalize(s.cart.IsEmpty()); err != nil {
		s.mu.Unlock()
		return Receipt{}, err
	}
	if attempt.Method == domain.PaymentMpesa && attempt.QR.State == payment.StateReady {
		if err := s.applyLocked(payment.Confirm{}); err != nil {
			s.mu.Unlock()
			return Receipt{}, err
		}
	}
	if err := attempt.BeginFinalize(); err != nil {
		s.mu.Unlock()
		return Receipt{}, err
	}
	snapshot := s.cart.Snapshot()
	total := snapshot.Totals().Total
	req := finalize.Request{
		TerminalID:     s.id,
		AttemptID:      attempt.ID,
		IdempotencyKey: attempt.SubmissionKey,
		Cart:           snapshot,
		Payment:        attempt.Summary(total),
		Customer:       customer,
		PayerPhone:     attempt.QR.Phone,
	}
	fctx, cancel := context.WithCancel(ctx)
	s.finalizeCancel = cancel
	s.mu.Unlock()

	saleID, err := s.finalizer.Finalize(fctx, req)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	receipt := Receipt{
		SaleID:         saleID,
		AttemptID:      attempt.ID,
		Method:         attempt.Method,
		Total:          total,
		AmountReceived: req.Payment.AmountReceived,
		ChangeGiven:    req.Payment.ChangeGiven,
		Reference:      req.Payment.Reference,
		FinalizedAt:    s.now(),
	}

	if s.attempt != attempt {
		// The cart was cleared or held while the ledger was answering.
		if err == nil {
			s.logger.Warn("sale recorded after its cart was abandoned",
				zap.String("sale_id", saleID), zap.String("attempt_id", attempt.ID))
			return receipt, nil
		}
		return Receipt{}, fmt.Errorf("%w: cart changed during finalization", domain.ErrSuperseded)
	}
	s.finalizeCancel = nil
	attempt.EndFinalize()

	if err != nil {
		attempt.SubmitFailed()
		if attempt.Method == domain.PaymentMpesa {
			if applyErr := s.applyLocked(payment.FinalizeFailed{Reason: err.Error()}); applyErr != nil {
				s.logger.Warn("mobile money attempt could not return to ready", zap.Error(applyErr))
			}
		}
		return Receipt{}, err
	}

	if attempt.Method == domain.PaymentMpesa {
		if applyErr := s.applyLocked(payment.Finalized{SaleID: saleID}); applyErr != nil {
			s.logger.Warn("mobile money attempt did not complete", zap.Error(applyErr))
		}
	}
	s.lastSale = &receipt
	s.resetLocked()
	return receipt, nil
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Close stops timers and outstanding payment work.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAttemptLocked()
	s.resolver.Cancel()
}

func (s *Session) viewLocked() View {
	v := View{
		TerminalID: s.id,
		Lines:      s.cart.Lines(),
		Discount:   s.cart.Discount(),
		Notes:      s.cart.Notes(),
		Totals:     s.cart.Totals(),
		HeldCount:  s.held.Len(),
		LastSale:   s.lastSale,
	}
	if s.attempt != nil {
		st := s.attempt.Status(s.cart.IsEmpty())
		v.Payment = &st
	}
	return v
}

func (s *Session) finalizingLocked() bool {
	return s.attempt != nil && s.attempt.Finalizing
}

func (s *Session) guardEditLocked() error {
	if s.attempt == nil {
		return nil
	}
	if s.attempt.Finalizing {
		return domain.ErrFinalizeInFlight
	}
	if s.attempt.Locked() {
		return fmt.Errorf("%w: cancel the %s payment before editing the cart", domain.ErrPaymentInProgress, s.attempt.Method)
	}
	return nil
}

// repriceLocked runs after every cart edit.
func (s *Session) repriceLocked() {
	if s.attempt != nil {
		s.attempt.Reprice(s.cart.Totals().Total)
		s.attempt.CartChanged()
	}
}

// resetLocked empties the cart and abandons any attempt, including one
// whose ledger submission is still outstanding.
func (s *Session) resetLocked() {
	if s.finalizeCancel != nil {
		s.finalizeCancel()
		s.finalizeCancel = nil
	}
	s.dropAttemptLocked()
	s.cart.Clear()
	s.resolver.Cancel()
}

func (s *Session) ensureAttemptLocked(method domain.PaymentMethod) error {
	if !method.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", domain.ErrValidation, method)
	}
	if s.cart.IsEmpty() {
		return domain.ErrEmptyCart
	}
	if s.attempt != nil {
		if s.attempt.Method == method {
			return nil
		}
		if s.attempt.Finalizing {
			return domain.ErrFinalizeInFlight
		}
		if s.attempt.Locked() {
			return fmt.Errorf("%w: cancel the %s payment first", domain.ErrPaymentInProgress, s.attempt.Method)
		}
		s.dropAttemptLocked()
	}
	return s.newAttemptLocked(method)
}

func (s *Session) newAttemptLocked(method domain.PaymentMethod) error {
	attempt, err := payment.NewAttempt(xid.New("pay"), method, s.now())
	if err != nil {
		return err
	}
	attempt.Reprice(s.cart.Totals().Total)
	s.attemptCtx, s.attemptCancel = context.WithCancel(context.Background())
	s.attempt = attempt
	return nil
}

func (s *Session) dropAttemptLocked() {
	if s.attemptCancel != nil {
		s.attemptCancel()
	}
	s.stopCountdownLocked("")
	s.attempt = nil
	s.attemptCtx = nil
	s.attemptCancel = nil
}

func (s *Session) applyFor(method domain.PaymentMethod, ev payment.Event) (payment.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureAttemptLocked(method); err != nil {
		return payment.Status{}, err
	}
	if s.attempt.Finalizing {
		return payment.Status{}, domain.ErrFinalizeInFlight
	}
	if err := s.applyLocked(ev); err != nil {
		return s.attempt.Status(s.cart.IsEmpty()), err
	}
	return s.attempt.Status(s.cart.IsEmpty()), nil
}

// applyLocked runs ev through the active attempt and executes the effects
// the transition asked for.
func (s *Session) applyLocked(ev payment.Event) error {
	in := payment.Input{
		Total:     s.cart.Totals().Total,
		CartEmpty: s.cart.IsEmpty(),
		QRWindow:  s.cfg.QRWindowSeconds,
	}
	effects, err := s.attempt.Apply(in, ev)
	if err != nil {
		return err
	}
	s.runEffectsLocked(effects)
	return nil
}

// deliver applies an asynchronous result if its attempt is still the active one.
func (s *Session) deliver(attemptID string, ev payment.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil || s.attempt.ID != attemptID {
		s.logger.Debug("late payment event ignored", zap.String("attempt_id", attemptID), zap.String("event", fmt.Sprintf("%T", ev)))
		return
	}
	if err := s.applyLocked(ev); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			s.logger.Debug("payment event not applicable", zap.String("attempt_id", attemptID), zap.Error(err))
			return
		}
		s.logger.Warn("payment event failed", zap.String("attempt_id", attemptID), zap.Error(err))
	}
}

func reason(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	return msg
}
