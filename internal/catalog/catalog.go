// Package catalog resolves book availability from the catalog service.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/store"
)

// Catalog answers availability lookups. A missing book is a normal result
// with Found=false; errors are reserved for failures to ask.
type Catalog interface {
	Availability(ctx context.Context, identifier string) (domain.AvailabilityRecord, error)
}

type BookFinder interface {
	FindBook(ctx context.Context, isbn string) (*domain.Book, error)
}

// StoreCatalog reads straight from the local repository.
type StoreCatalog struct {
	books BookFinder
}

func NewStoreCatalog(books BookFinder) *StoreCatalog {
	return &StoreCatalog{books: books}
}

func (c *StoreCatalog) Availability(ctx context.Context, identifier string) (domain.AvailabilityRecord, error) {
	book, err := c.books.FindBook(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return domain.AvailabilityRecord{Identifier: identifier, Found: false}, nil
	}
	if err != nil {
		return domain.AvailabilityRecord{}, fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	return RecordFromBook(*book), nil
}

func RecordFromBook(book domain.Book) domain.AvailabilityRecord {
	return domain.AvailabilityRecord{
		Identifier:        book.ISBN,
		Found:             true,
		Title:             book.Title,
		Author:            book.Author,
		UnitPrice:         book.SalePrice,
		AvailableQuantity: book.AvailableQuantity,
	}
}
