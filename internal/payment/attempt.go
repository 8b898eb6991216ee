package payment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bookshop/pos/internal/domain"
)

// Attempt is the single active payment for a terminal. Exactly one of the
// method machines is meaningful, selected by Method.
type Attempt struct {
	ID         string
	Method     domain.PaymentMethod
	Cash       Cash
	Card       Card
	QR         QR
	Finalizing bool
	CreatedAt  time.Time

	// SubmissionKey is the ledger idempotency key for the next submission.
	SubmissionKey string

	revision     int
	submitFailed bool
}

func NewAttempt(id string, method domain.PaymentMethod, now time.Time) (*Attempt, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", domain.ErrValidation, method)
	}
	return &Attempt{
		ID:        id,
		Method:    method,
		Cash:      NewCash(),
		Card:      NewCard(),
		QR:        NewQR(),
		CreatedAt: now,

		SubmissionKey: id,
	}, nil
}

// Apply runs ev through the method's machine. State is only replaced when
// the transition succeeds.
func (a *Attempt) Apply(in Input, ev Event) ([]Effect, error) {
	in.AttemptID = a.ID
	switch a.Method {
	case domain.PaymentCash:
		next, err := a.Cash.Apply(in, ev)
		if err != nil {
			return nil, err
		}
		a.Cash = next
		return nil, nil
	case domain.PaymentCard:
		next, effects, err := a.Card.Apply(in, ev)
		if err != nil {
			return nil, err
		}
		a.Card = next
		return effects, nil
	case domain.PaymentMpesa:
		next, effects, err := a.QR.Apply(in, ev)
		if err != nil {
			return nil, err
		}
		a.QR = next
		return effects, nil
	}
	return nil, fmt.Errorf("%w: unknown payment method %q", domain.ErrValidation, a.Method)
}

// Reprice keeps cash readiness in step with cart edits.
func (a *Attempt) Reprice(total decimal.Decimal) {
	if a.Method == domain.PaymentCash {
		a.Cash = a.Cash.Reprice(total)
	}
}

func (a *Attempt) State() State {
	switch a.Method {
	case domain.PaymentCash:
		return a.Cash.State
	case domain.PaymentCard:
		return a.Card.State
	default:
		return a.QR.State
	}
}

// Locked reports whether the amount has been committed to an outside party,
// in which case the cart must not change underneath it.
func (a *Attempt) Locked() bool {
	switch a.Method {
	case domain.PaymentCard:
		return a.Card.State == StateProcessing || a.Card.State == StateSettled
	case domain.PaymentMpesa:
		switch a.QR.State {
		case StateGenerating, StateReady, StateProcessing:
			return true
		}
	}
	return false
}

// CheckFinalize reports whether the attempt may be finalized right now.
func (a *Attempt) CheckFinalize(cartEmpty bool) error {
	if cartEmpty {
		return domain.ErrEmptyCart
	}
	if a.Finalizing {
		return domain.ErrFinalizeInFlight
	}
	switch a.Method {
	case domain.PaymentCash:
		if a.Cash.State != StateReady {
			return fmt.Errorf("%w: tendered amount is below the total", domain.ErrPaymentNotReady)
		}
	case domain.PaymentCard:
		if a.Card.State != StateIdle && a.Card.State != StateSettled {
			return fmt.Errorf("%w: card payment is %s", domain.ErrPaymentNotReady, a.Card.State)
		}
	case domain.PaymentMpesa:
		switch a.QR.State {
		case StateReady, StateProcessing:
		case StateExpired:
			return domain.ErrExpired
		default:
			return fmt.Errorf("%w: mobile money payment is %s", domain.ErrPaymentNotReady, a.QR.State)
		}
	}
	return nil
}

// BeginFinalize sets the in-flight guard. Only one caller can win it.
func (a *Attempt) BeginFinalize() error {
	if a.Finalizing {
		return domain.ErrFinalizeInFlight
	}
	a.Finalizing = true
	return nil
}

func (a *Attempt) EndFinalize() {
	a.Finalizing = false
}

// SubmitFailed records that the ledger may or may not hold a sale under the
// current key.
func (a *Attempt) SubmitFailed() {
	a.submitFailed = true
}

// CartChanged moves to a fresh submission key when the cart differs from one
// already submitted. A retry of an unchanged cart keeps its key.
func (a *Attempt) CartChanged() {
	if !a.submitFailed {
		return
	}
	a.revision++
	a.SubmissionKey = fmt.Sprintf("%s.%d", a.ID, a.revision)
	a.submitFailed = false
}

func (a *Attempt) Summary(total decimal.Decimal) domain.PaymentSummary {
	summary := domain.PaymentSummary{
		Method:         a.Method,
		AmountReceived: total,
		ChangeGiven:    decimal.Zero,
	}
	switch a.Method {
	case domain.PaymentCash:
		summary.AmountReceived = a.Cash.Tendered
		summary.ChangeGiven = a.Cash.Tendered.Sub(total)
	case domain.PaymentCard:
		summary.Reference = a.Card.Reference
	case domain.PaymentMpesa:
		summary.Reference = a.QR.Code
	}
	return summary
}

// Status is the read model exposed to operators.
type Status struct {
	AttemptID        string               `json:"attempt_id"`
	Method           domain.PaymentMethod `json:"method"`
	State            State                `json:"state"`
	Tendered         *decimal.Decimal     `json:"tendered,omitempty"`
	Change           *decimal.Decimal     `json:"change,omitempty"`
	Phone            string               `json:"phone,omitempty"`
	QRCode           string               `json:"qr_code,omitempty"`
	SecondsRemaining int                  `json:"seconds_remaining,omitempty"`
	Reference        string               `json:"reference,omitempty"`
	Reason           string               `json:"reason,omitempty"`
	Finalizing       bool                 `json:"finalizing"`
	CanFinalize      bool                 `json:"can_finalize"`
}

func (a *Attempt) Status(cartEmpty bool) Status {
	st := Status{
		AttemptID:   a.ID,
		Method:      a.Method,
		State:       a.State(),
		Finalizing:  a.Finalizing,
		CanFinalize: a.CheckFinalize(cartEmpty) == nil,
	}
	switch a.Method {
	case domain.PaymentCash:
		tendered, change := a.Cash.Tendered, a.Cash.Change
		st.Tendered = &tendered
		st.Change = &change
	case domain.PaymentCard:
		st.Reference = a.Card.Reference
		st.Reason = a.Card.Reason
	case domain.PaymentMpesa:
		st.Phone = a.QR.Phone
		st.QRCode = a.QR.Code
		st.SecondsRemaining = a.QR.Remaining
		st.Reason = a.QR.Reason
	}
	return st
}
