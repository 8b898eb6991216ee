package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshop/pos/internal/cart"
	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/events"
	"bookshop/pos/internal/ledger"
	"bookshop/pos/internal/store/memory"
)

func snapshotOf(t *testing.T, lines ...domain.AvailabilityRecord) cart.Snapshot {
	t.Helper()
	c := cart.New()
	for _, rec := range lines {
		_, err := c.AddOrIncrement(rec)
		require.NoError(t, err)
	}
	return c.Snapshot()
}

func pride(qty int) domain.AvailabilityRecord {
	return domain.AvailabilityRecord{
		Identifier:        "9780141439518",
		Found:             true,
		Title:             "Pride and Prejudice",
		Author:            "Jane Austen",
		UnitPrice:         decimal.NewFromInt(450),
		AvailableQuantity: qty,
	}
}

func TestBuildSaleMatchesDisplayedTotals(t *testing.T) {
	c := cart.New()
	line, err := c.AddOrIncrement(pride(3))
	require.NoError(t, err)
	require.NoError(t, c.SetQuantity(line.ID, 2))
	require.NoError(t, c.SetLineDiscount(line.ID, decimal.NewFromInt(50)))
	require.NoError(t, c.SetDiscount(decimal.NewFromInt(10)))
	c.SetNotes("  regular customer ")
	snap := c.Snapshot()

	sale := BuildSale(Request{
		AttemptID: "pay-1",
		Cart:      snap,
		Payment:   domain.PaymentSummary{Method: domain.PaymentCash, AmountReceived: decimal.NewFromInt(1000), ChangeGiven: decimal.NewFromInt(160)},
	})

	require.Len(t, sale.Items, 1)
	item := sale.Items[0]
	assert.Equal(t, "9780141439518", item.ISBN)
	assert.Equal(t, 2, item.Quantity)
	assert.True(t, item.TotalPrice.Equal(decimal.NewFromInt(900)))
	assert.True(t, item.DiscountAmount.Equal(decimal.NewFromInt(50)))
	// (900-50)*16/116 = 117.24
	assert.Equal(t, "117.24", item.TaxAmount.StringFixed(2))
	assert.True(t, item.TaxAmount.Equal(snap.Totals().VAT))
	assert.True(t, sale.TotalAmount.Equal(decimal.NewFromInt(840)))
	assert.True(t, sale.CartDiscount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "regular customer", sale.Notes)
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)
	assert.Equal(t, "pay-1", sale.IdempotencyKey)
	assert.Nil(t, sale.Customer)
}

func TestBuildSaleDefaultsMobileMoneyCustomer(t *testing.T) {
	snap := snapshotOf(t, pride(3))

	sale := BuildSale(Request{Cart: snap, Payment: domain.PaymentSummary{Method: domain.PaymentMpesa}, PayerPhone: "0712345678"})
	require.NotNil(t, sale.Customer)
	assert.Equal(t, domain.MpesaDefaultCustomerName, sale.Customer.Name)
	assert.Equal(t, "0712345678", sale.Customer.Phone)

	sale = BuildSale(Request{
		Cart:     snap,
		Payment:  domain.PaymentSummary{Method: domain.PaymentMpesa},
		Customer: &domain.Customer{Name: "Achieng"},
	})
	assert.Equal(t, "Achieng", sale.Customer.Name)

	sale = BuildSale(Request{Cart: snap, Payment: domain.PaymentSummary{Method: domain.PaymentCard}, Customer: &domain.Customer{}})
	assert.Nil(t, sale.Customer)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SaleFinalized
	err    error
}

func (p *recordingPublisher) PublishSaleFinalized(_ context.Context, ev events.SaleFinalized) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingInvalidator struct {
	ids []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...string) {
	r.ids = append(r.ids, ids...)
}

func TestFinalizeRecordsSaleOnce(t *testing.T) {
	repo := memory.NewSeeded()
	pub := &recordingPublisher{err: errors.New("broker down")}
	inv := &recordingInvalidator{}
	f := New(ledger.NewStoreLedger(repo), pub, inv, nil)
	ctx := context.Background()

	snap := snapshotOf(t, pride(3), pride(3))
	req := Request{
		TerminalID: "till-1",
		AttemptID:  "pay-xyz",
		Cart:       snap,
		Payment:    domain.PaymentSummary{Method: domain.PaymentCash, AmountReceived: decimal.NewFromInt(900)},
	}

	saleID, err := f.Finalize(ctx, req)
	require.NoError(t, err, "publish failure must not fail a recorded sale")
	assert.NotEmpty(t, saleID)
	assert.Equal(t, []string{"9780141439518"}, inv.ids)
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)

	again, err := f.Finalize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, saleID, again)

	book, err := repo.FindBook(ctx, "9780141439518")
	require.NoError(t, err)
	assert.Equal(t, 1, book.AvailableQuantity)
}

func TestFinalizeSurfacesRejection(t *testing.T) {
	f := New(ledger.NewStoreLedger(memory.NewSeeded()), nil, nil, nil)

	// The cart believed 5 were available; the ledger knows only 3 are.
	snap := snapshotOf(t, pride(5))
	snap.Lines[0].Quantity = 4

	_, err := f.Finalize(context.Background(), Request{
		AttemptID: "pay-over",
		Cart:      snap,
		Payment:   domain.PaymentSummary{Method: domain.PaymentCard},
	})
	assert.ErrorIs(t, err, domain.ErrFinalizationRejected)

	_, err = f.Finalize(context.Background(), Request{AttemptID: "pay-empty"})
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
}

type gatedPublisher struct {
	release chan struct{}
	done    chan struct{}
}

func (p *gatedPublisher) PublishSaleFinalized(ctx context.Context, _ events.SaleFinalized) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	close(p.done)
	return nil
}

func TestDrainWaitsForPendingEvents(t *testing.T) {
	pub := &gatedPublisher{release: make(chan struct{}), done: make(chan struct{})}
	f := New(ledger.NewStoreLedger(memory.NewSeeded()), pub, nil, nil)

	_, err := f.Finalize(context.Background(), Request{
		TerminalID: "till-1",
		AttemptID:  "pay-drain",
		Cart:       snapshotOf(t, pride(3)),
		Payment:    domain.PaymentSummary{Method: domain.PaymentCash, AmountReceived: decimal.NewFromInt(450)},
	})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.Drain(short), context.DeadlineExceeded)

	close(pub.release)
	require.NoError(t, f.Drain(context.Background()))
	select {
	case <-pub.done:
	default:
		t.Fatal("drain returned before the event was published")
	}
}
