// Package ledger submits finalized sales to the sales ledger.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/store"
)

// Ledger records a sale and answers with its id. Rejections wrap
// domain.ErrFinalizationRejected; failures to reach the ledger wrap
// domain.ErrServiceUnavailable.
type Ledger interface {
	CreateSale(ctx context.Context, req domain.SaleRequest) (string, error)
}

type SaleCreator interface {
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
}

// StoreLedger writes straight to the local repository.
type StoreLedger struct {
	sales SaleCreator
}

func NewStoreLedger(sales SaleCreator) *StoreLedger {
	return &StoreLedger{sales: sales}
}

func (l *StoreLedger) CreateSale(ctx context.Context, req domain.SaleRequest) (string, error) {
	sale, err := l.sales.CreateSale(ctx, domain.NewSale(req))
	if err != nil {
		return "", classify(err)
	}
	return sale.ID, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidSale):
		return fmt.Errorf("%w: %v", domain.ErrFinalizationRejected, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
}
