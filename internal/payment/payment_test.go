package payment

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookshop/pos/internal/domain"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func input(total int64) Input {
	return Input{AttemptID: "pay-1", Total: dec(total), QRWindow: 3}
}

func TestCashReadyOnlyWhenTenderCoversTotal(t *testing.T) {
	a, err := NewAttempt("pay-1", domain.PaymentCash, time.Now())
	require.NoError(t, err)

	_, err = a.Apply(input(900), Tender{Amount: dec(1000)})
	require.NoError(t, err)
	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, "100", a.Cash.Change.String())
	assert.NoError(t, a.CheckFinalize(false))

	_, err = a.Apply(input(900), Tender{Amount: dec(800)})
	require.NoError(t, err)
	assert.Equal(t, StateEntering, a.State())
	assert.ErrorIs(t, a.CheckFinalize(false), domain.ErrPaymentNotReady)
}

func TestCashRepricesWhenCartChanges(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentCash, time.Now())
	_, err := a.Apply(input(900), Tender{Amount: dec(1000)})
	require.NoError(t, err)

	a.Reprice(dec(1200))
	assert.Equal(t, StateEntering, a.State())

	a.Reprice(dec(950))
	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, "50", a.Cash.Change.String())

	summary := a.Summary(dec(950))
	assert.Equal(t, "1000", summary.AmountReceived.String())
	assert.Equal(t, "50", summary.ChangeGiven.String())
}

func TestCashRejectsNegativeTender(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentCash, time.Now())
	_, err := a.Apply(input(900), Tender{Amount: dec(-1)})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, StateEntering, a.State())
}

func TestCardLifecycleWithRetry(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentCard, time.Now())
	require.NoError(t, a.CheckFinalize(false))

	effects, err := a.Apply(input(500), Submit{})
	require.NoError(t, err)
	require.Len(t, effects, 1)
	charge, ok := effects[0].(ChargeCard)
	require.True(t, ok)
	assert.Equal(t, "pay-1", charge.AttemptID)
	assert.Equal(t, "500", charge.Amount.String())
	assert.True(t, a.Locked())

	_, err = a.Apply(input(500), Submit{})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.ErrorIs(t, a.CheckFinalize(false), domain.ErrPaymentNotReady)

	_, err = a.Apply(input(500), Declined{Reason: "insufficient funds"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, a.State())
	assert.False(t, a.Locked())

	_, err = a.Apply(input(500), Submit{})
	require.NoError(t, err)
	_, err = a.Apply(input(500), Settled{Reference: "auth-77"})
	require.NoError(t, err)
	assert.Equal(t, StateSettled, a.State())
	assert.NoError(t, a.CheckFinalize(false))
	assert.Equal(t, "auth-77", a.Summary(dec(500)).Reference)

	_, err = a.Apply(input(500), Settled{Reference: "again"})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestCardSubmitNeedsItems(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentCard, time.Now())
	in := input(0)
	in.CartEmpty = true
	_, err := a.Apply(in, Submit{})
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	assert.Equal(t, StateIdle, a.State())
}

func TestQRHappyPath(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentMpesa, time.Now())

	effects, err := a.Apply(input(900), Generate{Phone: " 0712345678 "})
	require.NoError(t, err)
	assert.Equal(t, StateGenerating, a.State())
	require.Len(t, effects, 1)
	gen := effects[0].(GenerateQR)
	assert.Equal(t, "0712345678", gen.Phone)

	effects, err = a.Apply(input(900), Generated{Code: "code-1"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, []Effect{StartCountdown{AttemptID: "pay-1", Seconds: 3}}, effects)
	assert.NoError(t, a.CheckFinalize(false))

	_, err = a.Apply(input(900), Confirm{})
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, a.State())
	assert.NoError(t, a.CheckFinalize(false))

	_, err = a.Apply(input(900), FinalizeFailed{Reason: "ledger down"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, "code-1", a.QR.Code)
}

func TestQRExpiresWhenCountdownRunsOut(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentMpesa, time.Now())
	_, _ = a.Apply(input(900), Generate{Phone: "0712345678"})
	_, _ = a.Apply(input(900), Generated{Code: "code-1"})

	for i := 0; i < 2; i++ {
		effects, err := a.Apply(input(900), Tick{})
		require.NoError(t, err)
		assert.Empty(t, effects)
	}
	effects, err := a.Apply(input(900), Tick{})
	require.NoError(t, err)
	assert.Equal(t, StateExpired, a.State())
	assert.Equal(t, []Effect{StopCountdown{AttemptID: "pay-1"}}, effects)

	_, err = a.Apply(input(900), Confirm{})
	assert.ErrorIs(t, err, domain.ErrExpired)
	_, err = a.Apply(input(900), Generate{Phone: "0712345678"})
	assert.ErrorIs(t, err, domain.ErrExpired)
	_, err = a.Apply(input(900), Tick{})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	_, err = a.Apply(input(900), Cancel{})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.ErrorIs(t, a.CheckFinalize(false), domain.ErrExpired)
	assert.Equal(t, StateExpired, a.State())

	_, err = a.Apply(input(900), Reset{})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State())
	assert.Empty(t, a.QR.Code)
}

func TestQRFailedFinalizeAfterWindowExpires(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentMpesa, time.Now())
	_, _ = a.Apply(input(900), Generate{Phone: "0712345678"})
	_, _ = a.Apply(input(900), Generated{Code: "code-1"})
	_, _ = a.Apply(input(900), Confirm{})
	for i := 0; i < 3; i++ {
		_, err := a.Apply(input(900), Tick{})
		require.NoError(t, err)
	}
	assert.Equal(t, StateProcessing, a.State())

	_, err := a.Apply(input(900), FinalizeFailed{})
	require.NoError(t, err)
	assert.Equal(t, StateExpired, a.State())
}

func TestQRCancelFromActiveStates(t *testing.T) {
	steps := map[State][]Event{
		StateGenerating: {Generate{Phone: "0712345678"}},
		StateReady:      {Generate{Phone: "0712345678"}, Generated{Code: "c"}},
		StateProcessing: {Generate{Phone: "0712345678"}, Generated{Code: "c"}, Confirm{}},
	}
	for want, events := range steps {
		t.Run(string(want), func(t *testing.T) {
			a, _ := NewAttempt("pay-1", domain.PaymentMpesa, time.Now())
			for _, ev := range events {
				_, err := a.Apply(input(900), ev)
				require.NoError(t, err)
			}
			require.Equal(t, want, a.State())

			effects, err := a.Apply(input(900), Cancel{})
			require.NoError(t, err)
			assert.Equal(t, StateIdle, a.State())
			assert.Contains(t, effects, Effect(StopCountdown{AttemptID: "pay-1"}))
		})
	}
}

func TestQRGenerateValidation(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentMpesa, time.Now())
	_, err := a.Apply(input(900), Generate{Phone: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	in := input(0)
	in.CartEmpty = true
	_, err = a.Apply(in, Generate{Phone: "0712345678"})
	assert.ErrorIs(t, err, domain.ErrEmptyCart)
	assert.Equal(t, StateIdle, a.State())
}

func TestFinalizeGuardAllowsOneCaller(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentCard, time.Now())
	require.NoError(t, a.BeginFinalize())
	assert.ErrorIs(t, a.BeginFinalize(), domain.ErrFinalizeInFlight)
	assert.ErrorIs(t, a.CheckFinalize(false), domain.ErrFinalizeInFlight)
	a.EndFinalize()
	assert.NoError(t, a.CheckFinalize(false))
	assert.ErrorIs(t, a.CheckFinalize(true), domain.ErrEmptyCart)
}

func TestSubmissionKeyChangesOnlyAfterFailedSubmit(t *testing.T) {
	a, _ := NewAttempt("pay-1", domain.PaymentCash, time.Now())
	assert.Equal(t, "pay-1", a.SubmissionKey)

	a.CartChanged()
	assert.Equal(t, "pay-1", a.SubmissionKey, "nothing submitted yet")

	a.SubmitFailed()
	assert.Equal(t, "pay-1", a.SubmissionKey, "retry of the same cart")
	a.CartChanged()
	assert.Equal(t, "pay-1.1", a.SubmissionKey)
	a.CartChanged()
	assert.Equal(t, "pay-1.1", a.SubmissionKey)

	a.SubmitFailed()
	a.CartChanged()
	assert.Equal(t, "pay-1.2", a.SubmissionKey)
	assert.Equal(t, "pay-1", a.Status(false).AttemptID)
}

func TestNewAttemptRejectsUnknownMethod(t *testing.T) {
	_, err := NewAttempt("pay-1", domain.PaymentMethod("cheque"), time.Now())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSimulatedCollaborators(t *testing.T) {
	code, err := SimulatedQRGateway{}.Generate(context.Background(), QRRequest{AttemptID: "pay-1", Phone: "0712", Amount: dec(900)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "MPESA:0712:900.00:pay-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = SimulatedQRGateway{Latency: time.Second}.Generate(ctx, QRRequest{})
	assert.ErrorIs(t, err, context.Canceled)

	res, err := ManualCardReader{}.Charge(context.Background(), ChargeRequest{AttemptID: "pay-1", Amount: dec(10)})
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.NotEmpty(t, res.Reference)
}
