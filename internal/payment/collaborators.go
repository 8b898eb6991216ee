package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bookshop/pos/internal/xid"
)

type ChargeRequest struct {
	AttemptID string
	Amount    decimal.Decimal
}

type ChargeResult struct {
	Approved  bool
	Reference string
	Reason    string
}

// CardReader hands a charge to the card terminal and waits for its verdict.
type CardReader interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

type QRRequest struct {
	AttemptID string
	Phone     string
	Amount    decimal.Decimal
}

// QRGateway issues a payable mobile-money code.
type QRGateway interface {
	Generate(ctx context.Context, req QRRequest) (string, error)
}

// ManualCardReader approves every charge; the operator confirms the slip on
// the standalone card machine.
type ManualCardReader struct {
	Delay time.Duration
}

func (r ManualCardReader) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := sleep(ctx, r.Delay); err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{Approved: true, Reference: xid.New("card")}, nil
}

// SimulatedQRGateway produces a code after a fixed latency.
type SimulatedQRGateway struct {
	Latency time.Duration
}

func (g SimulatedQRGateway) Generate(ctx context.Context, req QRRequest) (string, error) {
	if err := sleep(ctx, g.Latency); err != nil {
		return "", err
	}
	return fmt.Sprintf("MPESA:%s:%s:%s", req.Phone, req.Amount.StringFixed(2), req.AttemptID), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
