package store

import (
	"context"
	"errors"

	"bookshop/pos/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale")
	ErrInvalidBook       = errors.New("invalid book")
)

type Repository interface {
	ListBooks(ctx context.Context) ([]domain.Book, error)
	FindBook(ctx context.Context, isbn string) (*domain.Book, error)
	UpsertBook(ctx context.Context, book domain.Book) (*domain.Book, error)
	// CreateSale records the sale and decrements stock for every item in one
	// step. A repeated idempotency key returns the sale recorded first.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
}

// ValidateSale checks the parts of a sale every repository relies on.
func ValidateSale(sale domain.Sale) error {
	if len(sale.Items) == 0 {
		return errors.Join(ErrInvalidSale, errors.New("sale has no items"))
	}
	if !sale.Payment.Method.Valid() {
		return errors.Join(ErrInvalidSale, errors.New("unknown payment method"))
	}
	if sale.TotalAmount.IsNegative() {
		return errors.Join(ErrInvalidSale, errors.New("total must not be negative"))
	}
	for _, item := range sale.Items {
		if item.ISBN == "" || item.Quantity < 1 {
			return errors.Join(ErrInvalidSale, errors.New("every item needs an isbn and a positive quantity"))
		}
		if item.UnitPrice.IsNegative() || item.DiscountAmount.IsNegative() || item.TaxAmount.IsNegative() {
			return errors.Join(ErrInvalidSale, errors.New("item amounts must not be negative"))
		}
	}
	return nil
}
