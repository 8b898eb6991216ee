// Package payment models the per-method payment state machines. Transitions
// are pure: Apply returns the next state plus the effects the caller must run.
package payment

import "github.com/shopspring/decimal"

type State string

const (
	StateEntering   State = "entering"
	StateReady      State = "ready"
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
	StateGenerating State = "generating"
	StateExpired    State = "expired"
	StateCompleted  State = "completed"
)

// Event is a tagged union of inputs accepted by the machines.
type Event interface{ event() }

type (
	Tender           struct{ Amount decimal.Decimal }
	Submit           struct{}
	Settled          struct{ Reference string }
	Declined         struct{ Reason string }
	Generate         struct{ Phone string }
	Generated        struct{ Code string }
	GenerationFailed struct{ Reason string }
	Tick             struct{}
	Confirm          struct{}
	FinalizeFailed   struct{ Reason string }
	Finalized        struct{ SaleID string }
	Cancel           struct{}
	Reset            struct{}
)

func (Tender) event()           {}
func (Submit) event()           {}
func (Settled) event()          {}
func (Declined) event()         {}
func (Generate) event()         {}
func (Generated) event()        {}
func (GenerationFailed) event() {}
func (Tick) event()             {}
func (Confirm) event()          {}
func (FinalizeFailed) event()   {}
func (Finalized) event()        {}
func (Cancel) event()           {}
func (Reset) event()            {}

// Effect is a side effect requested by a transition.
type Effect interface{ effect() }

type (
	ChargeCard struct {
		AttemptID string
		Amount    decimal.Decimal
	}
	GenerateQR struct {
		AttemptID string
		Phone     string
		Amount    decimal.Decimal
	}
	StartCountdown struct {
		AttemptID string
		Seconds   int
	}
	StopCountdown struct{ AttemptID string }
)

func (ChargeCard) effect()     {}
func (GenerateQR) effect()     {}
func (StartCountdown) effect() {}
func (StopCountdown) effect()  {}

// Input carries what a transition may read from outside the machine.
type Input struct {
	AttemptID string
	Total     decimal.Decimal
	CartEmpty bool
	QRWindow  int
}
