// Package held parks carts so the terminal can serve another customer.
package held

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"bookshop/pos/internal/cart"
	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/xid"
)

const DefaultLimit = 50

type Sale struct {
	ID     string        `json:"held_id"`
	HeldAt time.Time     `json:"held_at"`
	Cart   cart.Snapshot `json:"cart"`
}

// Summary is the listing view of a held sale.
type Summary struct {
	ID        string          `json:"held_id"`
	HeldAt    time.Time       `json:"held_at"`
	LineCount int             `json:"line_count"`
	Items     int             `json:"items"`
	Total     decimal.Decimal `json:"total"`
	Notes     string          `json:"notes,omitempty"`
}

func (s Sale) Summary() Summary {
	items := 0
	for _, l := range s.Cart.Lines {
		items += l.Quantity
	}
	return Summary{
		ID:        s.ID,
		HeldAt:    s.HeldAt,
		LineCount: len(s.Cart.Lines),
		Items:     items,
		Total:     s.Cart.Totals().Total,
		Notes:     s.Cart.Notes,
	}
}

// Manager keeps the held sales of one terminal. It is not safe for
// concurrent use; the owning session serializes calls.
type Manager struct {
	sales []Sale
	limit int
	now   func() time.Time
}

func NewManager(limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{
		limit: limit,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Hold(snapshot cart.Snapshot) (Sale, error) {
	if snapshot.IsEmpty() {
		return Sale{}, domain.ErrEmptyCart
	}
	if len(m.sales) >= m.limit {
		return Sale{}, fmt.Errorf("%w: %d sales already held", domain.ErrValidation, m.limit)
	}
	sale := Sale{
		ID:     xid.New("held"),
		HeldAt: m.now(),
		Cart:   detach(snapshot),
	}
	m.sales = append(m.sales, sale)
	return sale, nil
}

// Resume removes the held sale and hands back its cart.
func (m *Manager) Resume(id string) (Sale, error) {
	idx := m.index(id)
	if idx < 0 {
		return Sale{}, domain.ErrHeldSaleNotFound
	}
	sale := m.sales[idx]
	m.sales = slices.Delete(m.sales, idx, idx+1)
	return sale, nil
}

func (m *Manager) Discard(id string) error {
	idx := m.index(id)
	if idx < 0 {
		return domain.ErrHeldSaleNotFound
	}
	m.sales = slices.Delete(m.sales, idx, idx+1)
	return nil
}

// List returns held sales newest first.
func (m *Manager) List() []Sale {
	out := make([]Sale, 0, len(m.sales))
	for i := len(m.sales) - 1; i >= 0; i-- {
		out = append(out, Sale{ID: m.sales[i].ID, HeldAt: m.sales[i].HeldAt, Cart: detach(m.sales[i].Cart)})
	}
	return out
}

func (m *Manager) Len() int { return len(m.sales) }

func (m *Manager) index(id string) int {
	return slices.IndexFunc(m.sales, func(s Sale) bool { return s.ID == id })
}

func detach(s cart.Snapshot) cart.Snapshot {
	s.Lines = slices.Clone(s.Lines)
	return s
}
