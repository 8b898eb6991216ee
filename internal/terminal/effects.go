package terminal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"bookshop/pos/internal/payment"
)

type countdown struct {
	attemptID string
	stop      context.CancelFunc
}

func (s *Session) runEffectsLocked(effects []payment.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case payment.ChargeCard:
			go s.charge(s.attemptCtx, e)
		case payment.GenerateQR:
			go s.generate(s.attemptCtx, e)
		case payment.StartCountdown:
			s.startCountdownLocked(e.AttemptID)
		case payment.StopCountdown:
			s.stopCountdownLocked(e.AttemptID)
		default:
			s.logger.Warn("unknown payment effect", zap.Any("effect", eff))
		}
	}
}

func (s *Session) charge(ctx context.Context, e payment.ChargeCard) {
	res, err := s.cards.Charge(ctx, payment.ChargeRequest{AttemptID: e.AttemptID, Amount: e.Amount})
	if errors.Is(err, context.Canceled) {
		return
	}
	switch {
	case err != nil:
		s.logger.Warn("card charge failed", zap.String("attempt_id", e.AttemptID), zap.Error(err))
		s.deliver(e.AttemptID, payment.Declined{Reason: reason(err)})
	case !res.Approved:
		s.deliver(e.AttemptID, payment.Declined{Reason: res.Reason})
	default:
		s.deliver(e.AttemptID, payment.Settled{Reference: res.Reference})
	}
}

func (s *Session) generate(ctx context.Context, e payment.GenerateQR) {
	code, err := s.qr.Generate(ctx, payment.QRRequest{AttemptID: e.AttemptID, Phone: e.Phone, Amount: e.Amount})
	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		s.logger.Warn("qr generation failed", zap.String("attempt_id", e.AttemptID), zap.Error(err))
		s.deliver(e.AttemptID, payment.GenerationFailed{Reason: reason(err)})
		return
	}
	s.deliver(e.AttemptID, payment.Generated{Code: code})
}

// startCountdownLocked ticks the attempt once per interval until stopped or
// until the attempt is dropped.
func (s *Session) startCountdownLocked(attemptID string) {
	s.stopCountdownLocked("")
	ctx, stop := context.WithCancel(s.attemptCtx)
	s.countdown = &countdown{attemptID: attemptID, stop: stop}

	interval := s.cfg.TickInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.deliver(attemptID, payment.Tick{})
			}
		}
	}()
}

// stopCountdownLocked stops the running countdown. A non-empty attemptID
// only stops a countdown that belongs to that attempt.
func (s *Session) stopCountdownLocked(attemptID string) {
	if s.countdown == nil {
		return
	}
	if attemptID != "" && s.countdown.attemptID != attemptID {
		return
	}
	s.countdown.stop()
	s.countdown = nil
}
