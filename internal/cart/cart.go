// Package cart holds the active sale's line items and derives its totals.
package cart

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/xid"
)

var (
	DefaultVATRate = decimal.NewFromInt(16)
	maxVATRate     = decimal.NewFromInt(100)
)

type Line struct {
	ID           string          `json:"line_id"`
	Identifier   string          `json:"identifier"`
	Title        string          `json:"title"`
	Author       string          `json:"author,omitempty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Quantity     int             `json:"quantity"`
	StockCeiling int             `json:"stock_ceiling"`
	Discount     decimal.Decimal `json:"discount"`
	VATRate      decimal.Decimal `json:"vat_rate"`
}

// Gross is quantity times unit price.
func (l Line) Gross() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Net is the gross amount less the line discount, never negative.
func (l Line) Net() decimal.Decimal {
	net := l.Gross().Sub(l.Discount)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

type Option func(*Cart)

func WithDefaultVATRate(rate decimal.Decimal) Option {
	return func(c *Cart) {
		if !rate.IsNegative() && rate.LessThanOrEqual(maxVATRate) {
			c.defaultVAT = rate
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Cart) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// Cart is not safe for concurrent use; the owning terminal session serializes access.
type Cart struct {
	lines      []Line
	discount   decimal.Decimal
	notes      string
	defaultVAT decimal.Decimal
	newID      func() string
}

func New(opts ...Option) *Cart {
	c := &Cart{
		defaultVAT: DefaultVATRate,
		newID:      func() string { return xid.New("line") },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddOrIncrement adds one unit of the resolved book. An existing line is
// incremented only while the new quantity stays within the record's stock.
func (c *Cart) AddOrIncrement(rec domain.AvailabilityRecord) (Line, error) {
	identifier := strings.TrimSpace(rec.Identifier)
	if identifier == "" {
		return Line{}, fmt.Errorf("%w: identifier is required", domain.ErrValidation)
	}
	if !rec.Found {
		return Line{}, fmt.Errorf("%w: book %s", domain.ErrNotFound, identifier)
	}
	if rec.UnitPrice.IsNegative() {
		return Line{}, fmt.Errorf("%w: unit price must not be negative", domain.ErrValidation)
	}

	if idx := c.indexByIdentifier(identifier); idx >= 0 {
		line := c.lines[idx]
		if line.Quantity+1 > rec.AvailableQuantity {
			return line, fmt.Errorf("%w: only %d of %s available", domain.ErrStockExceeded, rec.AvailableQuantity, identifier)
		}
		line.Quantity++
		line.StockCeiling = rec.AvailableQuantity
		c.lines[idx] = line
		return line, nil
	}

	if rec.AvailableQuantity <= 0 {
		return Line{}, fmt.Errorf("%w: %s is out of stock", domain.ErrStockExceeded, identifier)
	}
	line := Line{
		ID:           c.newID(),
		Identifier:   identifier,
		Title:        rec.Title,
		Author:       rec.Author,
		UnitPrice:    rec.UnitPrice,
		Quantity:     1,
		StockCeiling: rec.AvailableQuantity,
		Discount:     decimal.Zero,
		VATRate:      c.defaultVAT,
	}
	c.lines = append(c.lines, line)
	return line, nil
}

// SetQuantity removes the line when n <= 0 and rejects n above the stock ceiling.
func (c *Cart) SetQuantity(lineID string, n int) error {
	idx := c.indexByID(lineID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrLineNotFound, lineID)
	}
	if n <= 0 {
		c.lines = slices.Delete(c.lines, idx, idx+1)
		return nil
	}
	line := c.lines[idx]
	if n > line.StockCeiling {
		return fmt.Errorf("%w: only %d of %s available", domain.ErrStockExceeded, line.StockCeiling, line.Identifier)
	}
	line.Quantity = n
	if gross := line.Gross(); line.Discount.GreaterThan(gross) {
		line.Discount = gross
	}
	c.lines[idx] = line
	return nil
}

func (c *Cart) RemoveLine(lineID string) error {
	idx := c.indexByID(lineID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrLineNotFound, lineID)
	}
	c.lines = slices.Delete(c.lines, idx, idx+1)
	return nil
}

func (c *Cart) SetLineDiscount(lineID string, amount decimal.Decimal) error {
	idx := c.indexByID(lineID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrLineNotFound, lineID)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: line discount must not be negative", domain.ErrValidation)
	}
	if amount.GreaterThan(c.lines[idx].Gross()) {
		return fmt.Errorf("%w: line discount exceeds line amount", domain.ErrValidation)
	}
	c.lines[idx].Discount = amount
	return nil
}

func (c *Cart) SetLineVATRate(lineID string, rate decimal.Decimal) error {
	idx := c.indexByID(lineID)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrLineNotFound, lineID)
	}
	if rate.IsNegative() || rate.GreaterThan(maxVATRate) {
		return fmt.Errorf("%w: vat rate must be between 0 and 100", domain.ErrValidation)
	}
	c.lines[idx].VATRate = rate
	return nil
}

// LineUpdate carries the fields of one line edit; nil fields are left alone.
type LineUpdate struct {
	Quantity *int
	Discount *decimal.Decimal
	VATRate  *decimal.Decimal
}

func (u LineUpdate) Empty() bool {
	return u.Quantity == nil && u.Discount == nil && u.VATRate == nil
}

// UpdateLine applies every field of u or none of them. A quantity of zero or
// less removes the line and ignores the other fields.
func (c *Cart) UpdateLine(lineID string, u LineUpdate) error {
	before := c.Snapshot()
	if err := c.applyLineUpdate(lineID, u); err != nil {
		c.Restore(before)
		return err
	}
	return nil
}

func (c *Cart) applyLineUpdate(lineID string, u LineUpdate) error {
	if u.Quantity != nil {
		if err := c.SetQuantity(lineID, *u.Quantity); err != nil {
			return err
		}
		if *u.Quantity <= 0 {
			return nil
		}
	}
	if u.Discount != nil {
		if err := c.SetLineDiscount(lineID, *u.Discount); err != nil {
			return err
		}
	}
	if u.VATRate != nil {
		if err := c.SetLineVATRate(lineID, *u.VATRate); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cart) SetDiscount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: discount must not be negative", domain.ErrValidation)
	}
	c.discount = amount
	return nil
}

func (c *Cart) SetNotes(text string) {
	c.notes = text
}

func (c *Cart) Totals() Totals {
	return ComputeTotals(c.lines, c.discount)
}

func (c *Cart) Clear() {
	c.lines = nil
	c.discount = decimal.Zero
	c.notes = ""
}

func (c *Cart) Len() int      { return len(c.lines) }
func (c *Cart) IsEmpty() bool { return len(c.lines) == 0 }

func (c *Cart) Discount() decimal.Decimal { return c.discount }
func (c *Cart) Notes() string             { return c.notes }

func (c *Cart) Lines() []Line {
	return slices.Clone(c.lines)
}

func (c *Cart) Line(lineID string) (Line, bool) {
	idx := c.indexByID(lineID)
	if idx < 0 {
		return Line{}, false
	}
	return c.lines[idx], true
}

func (c *Cart) FindByIdentifier(identifier string) (Line, bool) {
	idx := c.indexByIdentifier(strings.TrimSpace(identifier))
	if idx < 0 {
		return Line{}, false
	}
	return c.lines[idx], true
}

func (c *Cart) Snapshot() Snapshot {
	return Snapshot{
		Lines:    slices.Clone(c.lines),
		Discount: c.discount,
		Notes:    c.notes,
	}
}

// Restore replaces the cart contents wholesale with the snapshot.
func (c *Cart) Restore(s Snapshot) {
	c.lines = slices.Clone(s.Lines)
	c.discount = s.Discount
	c.notes = s.Notes
}

func (c *Cart) indexByID(lineID string) int {
	return slices.IndexFunc(c.lines, func(l Line) bool { return l.ID == lineID })
}

func (c *Cart) indexByIdentifier(identifier string) int {
	return slices.IndexFunc(c.lines, func(l Line) bool { return l.Identifier == identifier })
}

// Snapshot is a detached copy of a cart. Line is a value type so cloning
// the slice is a deep copy.
type Snapshot struct {
	Lines    []Line          `json:"lines"`
	Discount decimal.Decimal `json:"discount"`
	Notes    string          `json:"notes,omitempty"`
}

func (s Snapshot) IsEmpty() bool { return len(s.Lines) == 0 }

func (s Snapshot) Totals() Totals {
	return ComputeTotals(s.Lines, s.Discount)
}
