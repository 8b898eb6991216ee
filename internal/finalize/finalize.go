// Package finalize turns a paid cart into a ledger sale.
package finalize

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bookshop/pos/internal/cart"
	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/events"
	"bookshop/pos/internal/ledger"
)

type Request struct {
	TerminalID string
	AttemptID  string
	Cart       cart.Snapshot
	Payment    domain.PaymentSummary
	Customer   *domain.Customer
	// PayerPhone is the number the mobile-money code was issued to.
	PayerPhone string

	// IdempotencyKey defaults to AttemptID.
	IdempotencyKey string
}

// StockInvalidator drops cached availability after stock changes.
type StockInvalidator interface {
	Invalidate(ctx context.Context, identifiers ...string)
}

type Finalizer struct {
	ledger     ledger.Ledger
	publisher  events.Publisher
	invalidate StockInvalidator
	logger     *zap.Logger
	now        func() time.Time

	publishing sync.WaitGroup
}

func New(l ledger.Ledger, publisher events.Publisher, invalidate StockInvalidator, logger *zap.Logger) *Finalizer {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{
		ledger:     l,
		publisher:  publisher,
		invalidate: invalidate,
		logger:     logger,
		now:        time.Now,
	}
}

// BuildSale maps the cart onto the ledger payload. Tax goes through
// cart.LineTax so the recorded VAT matches what the operator saw.
func BuildSale(req Request) domain.SaleRequest {
	items := make([]domain.SaleItem, 0, len(req.Cart.Lines))
	for _, line := range req.Cart.Lines {
		items = append(items, domain.SaleItem{
			ISBN:           line.Identifier,
			Title:          line.Title,
			Author:         line.Author,
			Quantity:       line.Quantity,
			UnitPrice:      line.UnitPrice,
			TotalPrice:     line.Gross(),
			TaxAmount:      cart.LineTax(line),
			DiscountAmount: decimal.Min(line.Discount, line.Gross()),
		})
	}

	customer := req.Customer
	if customer != nil && strings.TrimSpace(customer.Name) == "" && customer.Email == "" && customer.Phone == "" {
		customer = nil
	}
	if customer == nil && req.Payment.Method == domain.PaymentMpesa {
		customer = &domain.Customer{Name: domain.MpesaDefaultCustomerName, Phone: req.PayerPhone}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = req.AttemptID
	}
	return domain.SaleRequest{
		Customer:       customer,
		Items:          items,
		Payment:        req.Payment,
		CartDiscount:   req.Cart.Discount,
		Notes:          strings.TrimSpace(req.Cart.Notes),
		TotalAmount:    req.Cart.Totals().Total,
		Status:         domain.SaleStatusCompleted,
		IdempotencyKey: key,
	}
}

// Finalize submits the sale once and reports the ledger's id. The idempotency
// key makes a retried submission of the same cart return the first sale.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (string, error) {
	if req.Cart.IsEmpty() {
		return "", domain.ErrEmptyCart
	}
	sale := BuildSale(req)

	saleID, err := f.ledger.CreateSale(ctx, sale)
	if err != nil {
		f.logger.Warn("sale finalization failed",
			zap.String("terminal_id", req.TerminalID),
			zap.String("attempt_id", req.AttemptID),
			zap.Error(err))
		return "", err
	}
	f.logger.Info("sale finalized",
		zap.String("terminal_id", req.TerminalID),
		zap.String("sale_id", saleID),
		zap.String("payment_method", string(sale.Payment.Method)),
		zap.String("total", sale.TotalAmount.StringFixed(2)))

	// The sale is recorded; nothing below may fail it.
	followUp, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if f.invalidate != nil {
		ids := make([]string, 0, len(sale.Items))
		for _, item := range sale.Items {
			ids = append(ids, item.ISBN)
		}
		f.invalidate.Invalidate(followUp, ids...)
	}
	ev := events.NewSaleFinalized(saleID, req.TerminalID, sale, f.now())
	f.publishing.Add(1)
	go func() {
		defer f.publishing.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := f.publisher.PublishSaleFinalized(pubCtx, ev); err != nil {
			f.logger.Warn("sale event publish failed", zap.String("sale_id", saleID), zap.Error(err))
		}
	}()
	return saleID, nil
}

// Drain waits for outstanding sale events to be handed to the publisher.
// Call it before closing the publisher.
func (f *Finalizer) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.publishing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
