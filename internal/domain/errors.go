package domain

import "errors"

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrStockExceeded        = errors.New("stock exceeded")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrExpired              = errors.New("payment expired")
	ErrFinalizationRejected = errors.New("finalization rejected")

	ErrSuperseded        = errors.New("superseded by a newer request")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrIllegalTransition = errors.New("illegal payment transition")
	ErrPaymentNotReady   = errors.New("payment not ready")
	ErrPaymentInProgress = errors.New("payment in progress")
	ErrFinalizeInFlight  = errors.New("finalization in flight")
	ErrLineNotFound      = errors.New("cart line not found")
	ErrHeldSaleNotFound  = errors.New("held sale not found")
)
