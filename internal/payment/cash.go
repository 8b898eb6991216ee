package payment

import (
	"fmt"

	"github.com/shopspring/decimal"

	"bookshop/pos/internal/domain"
)

type Cash struct {
	State    State           `json:"state"`
	Tendered decimal.Decimal `json:"tendered"`
	Change   decimal.Decimal `json:"change"`
}

func NewCash() Cash {
	return Cash{State: StateEntering}
}

func (c Cash) Apply(in Input, ev Event) (Cash, error) {
	switch e := ev.(type) {
	case Tender:
		if e.Amount.IsNegative() {
			return c, fmt.Errorf("%w: tendered amount must not be negative", domain.ErrValidation)
		}
		next := c
		next.Tendered = e.Amount
		return next.Reprice(in.Total), nil
	case Cancel, Reset:
		return NewCash(), nil
	default:
		return c, fmt.Errorf("%w: cash does not accept %T", domain.ErrIllegalTransition, ev)
	}
}

// Reprice re-evaluates readiness against the current cart total.
func (c Cash) Reprice(total decimal.Decimal) Cash {
	if c.Tendered.GreaterThanOrEqual(total) {
		c.State = StateReady
		c.Change = c.Tendered.Sub(total)
		return c
	}
	c.State = StateEntering
	c.Change = decimal.Zero
	return c
}
