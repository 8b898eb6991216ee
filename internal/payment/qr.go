package payment

import (
	"fmt"
	"strings"

	"bookshop/pos/internal/domain"
)

// DefaultQRWindow is the number of seconds a generated code stays payable.
const DefaultQRWindow = 120

// QR is the mobile-money (mpesa) machine.
type QR struct {
	State     State  `json:"state"`
	Phone     string `json:"phone,omitempty"`
	Code      string `json:"code,omitempty"`
	Remaining int    `json:"seconds_remaining"`
	Reason    string `json:"reason,omitempty"`
}

func NewQR() QR {
	return QR{State: StateIdle}
}

func (q QR) Apply(in Input, ev Event) (QR, []Effect, error) {
	switch e := ev.(type) {
	case Generate:
		if q.State == StateExpired {
			return q, nil, fmt.Errorf("%w: reset before generating a new code", domain.ErrExpired)
		}
		if q.State != StateIdle {
			return q, nil, illegal(q.State, ev)
		}
		phone := strings.TrimSpace(e.Phone)
		if phone == "" {
			return q, nil, fmt.Errorf("%w: phone number is required", domain.ErrValidation)
		}
		if in.CartEmpty {
			return q, nil, domain.ErrEmptyCart
		}
		next := QR{State: StateGenerating, Phone: phone}
		return next, []Effect{GenerateQR{AttemptID: in.AttemptID, Phone: phone, Amount: in.Total}}, nil

	case Generated:
		if q.State != StateGenerating {
			return q, nil, illegal(q.State, ev)
		}
		window := in.QRWindow
		if window <= 0 {
			window = DefaultQRWindow
		}
		next := q
		next.State = StateReady
		next.Code = e.Code
		next.Remaining = window
		return next, []Effect{StartCountdown{AttemptID: in.AttemptID, Seconds: window}}, nil

	case GenerationFailed:
		if q.State != StateGenerating {
			return q, nil, illegal(q.State, ev)
		}
		next := q
		next.State = StateFailed
		next.Reason = e.Reason
		return next, nil, nil

	case Tick:
		// The countdown keeps running while a confirmation is being processed,
		// but only a ready code expires on its own.
		if q.State != StateReady && q.State != StateProcessing {
			return q, nil, illegal(q.State, ev)
		}
		next := q
		if next.Remaining > 0 {
			next.Remaining--
		}
		if next.State == StateReady && next.Remaining == 0 {
			next.State = StateExpired
			return next, []Effect{StopCountdown{AttemptID: in.AttemptID}}, nil
		}
		return next, nil, nil

	case Confirm:
		if q.State == StateExpired {
			return q, nil, domain.ErrExpired
		}
		if q.State != StateReady {
			return q, nil, illegal(q.State, ev)
		}
		if in.CartEmpty {
			return q, nil, domain.ErrEmptyCart
		}
		next := q
		next.State = StateProcessing
		return next, nil, nil

	case FinalizeFailed:
		if q.State != StateProcessing {
			return q, nil, illegal(q.State, ev)
		}
		next := q
		next.Reason = e.Reason
		if next.Remaining == 0 {
			next.State = StateExpired
			return next, []Effect{StopCountdown{AttemptID: in.AttemptID}}, nil
		}
		next.State = StateReady
		return next, nil, nil

	case Finalized:
		if q.State != StateProcessing {
			return q, nil, illegal(q.State, ev)
		}
		next := q
		next.State = StateCompleted
		return next, []Effect{StopCountdown{AttemptID: in.AttemptID}}, nil

	case Cancel:
		switch q.State {
		case StateGenerating, StateReady, StateProcessing:
			return NewQR(), []Effect{StopCountdown{AttemptID: in.AttemptID}}, nil
		case StateIdle:
			return q, nil, nil
		}
		return q, nil, illegal(q.State, ev)

	case Reset:
		if q.State != StateExpired && q.State != StateFailed {
			return q, nil, illegal(q.State, ev)
		}
		return NewQR(), nil, nil

	default:
		return q, nil, illegal(q.State, ev)
	}
}
