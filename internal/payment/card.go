package payment

import (
	"fmt"

	"bookshop/pos/internal/domain"
)

type Card struct {
	State     State  `json:"state"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func NewCard() Card {
	return Card{State: StateIdle}
}

func (c Card) Apply(in Input, ev Event) (Card, []Effect, error) {
	switch e := ev.(type) {
	case Submit:
		if c.State != StateIdle && c.State != StateFailed {
			return c, nil, illegal(c.State, ev)
		}
		if in.CartEmpty {
			return c, nil, domain.ErrEmptyCart
		}
		return Card{State: StateProcessing}, []Effect{ChargeCard{AttemptID: in.AttemptID, Amount: in.Total}}, nil
	case Settled:
		if c.State != StateProcessing {
			return c, nil, illegal(c.State, ev)
		}
		return Card{State: StateSettled, Reference: e.Reference}, nil, nil
	case Declined:
		if c.State != StateProcessing {
			return c, nil, illegal(c.State, ev)
		}
		return Card{State: StateFailed, Reason: e.Reason}, nil, nil
	case Cancel, Reset:
		if c.State == StateSettled {
			return c, nil, illegal(c.State, ev)
		}
		return NewCard(), nil, nil
	default:
		return c, nil, illegal(c.State, ev)
	}
}

func illegal(state State, ev Event) error {
	return fmt.Errorf("%w: %T not allowed in state %s", domain.ErrIllegalTransition, ev, state)
}
