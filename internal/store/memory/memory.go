package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/store"
	"bookshop/pos/internal/xid"
)

type Store struct {
	mu          sync.RWMutex
	books       map[string]domain.Book
	salesByID   map[string]*domain.Sale
	salesByIdem map[string]*domain.Sale
	now         func() time.Time
}

func New() *Store {
	return &Store{
		books:       make(map[string]domain.Book),
		salesByID:   make(map[string]*domain.Sale),
		salesByIdem: make(map[string]*domain.Sale),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func NewSeeded() *Store {
	s := New()
	now := s.now()
	for _, b := range []domain.Book{
		{ISBN: "9780141439518", Title: "Pride and Prejudice", Author: "Jane Austen", SalePrice: decimal.NewFromInt(450), AvailableQuantity: 3},
		{ISBN: "9780385474542", Title: "Things Fall Apart", Author: "Chinua Achebe", SalePrice: decimal.NewFromInt(850), AvailableQuantity: 12},
		{ISBN: "9780143106692", Title: "Petals of Blood", Author: "Ngugi wa Thiong'o", SalePrice: decimal.NewFromInt(1200), AvailableQuantity: 5},
		{ISBN: "9780435905484", Title: "The River Between", Author: "Ngugi wa Thiong'o", SalePrice: decimal.NewFromInt(650), AvailableQuantity: 8},
		{ISBN: "9780062315007", Title: "The Alchemist", Author: "Paulo Coelho", SalePrice: decimal.RequireFromString("999.99"), AvailableQuantity: 20},
		{ISBN: "9780307455925", Title: "Half of a Yellow Sun", Author: "Chimamanda Ngozi Adichie", SalePrice: decimal.NewFromInt(1450), AvailableQuantity: 1},
		{ISBN: "9780099590088", Title: "Sapiens", Author: "Yuval Noah Harari", SalePrice: decimal.NewFromInt(1800), AvailableQuantity: 0},
	} {
		b.UpdatedAt = now
		s.books[b.ISBN] = b
	}
	return s
}

func (s *Store) ListBooks(_ context.Context) ([]domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	books := make([]domain.Book, 0, len(s.books))
	for _, b := range s.books {
		books = append(books, b)
	}
	slices.SortFunc(books, func(a, b domain.Book) int {
		return strings.Compare(a.Title, b.Title)
	})
	return books, nil
}

func (s *Store) FindBook(_ context.Context, isbn string) (*domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[strings.TrimSpace(isbn)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &book, nil
}

func (s *Store) UpsertBook(_ context.Context, book domain.Book) (*domain.Book, error) {
	book.ISBN = strings.TrimSpace(book.ISBN)
	if book.ISBN == "" || book.Title == "" || book.SalePrice.IsNegative() || book.AvailableQuantity < 0 {
		return nil, store.ErrInvalidBook
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	book.UpdatedAt = s.now()
	s.books[book.ISBN] = book
	return &book, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
			return cloneSale(existing), nil
		}
	}

	// Check every line before touching stock so a rejection leaves nothing applied.
	wanted := make(map[string]int, len(sale.Items))
	for _, item := range sale.Items {
		wanted[item.ISBN] += item.Quantity
	}
	for isbn, qty := range wanted {
		book, ok := s.books[isbn]
		if !ok {
			return nil, fmt.Errorf("%w: book %s", store.ErrNotFound, isbn)
		}
		if book.AvailableQuantity < qty {
			return nil, fmt.Errorf("%w: %s has %d left", store.ErrInsufficientStock, isbn, book.AvailableQuantity)
		}
	}
	now := s.now()
	for isbn, qty := range wanted {
		book := s.books[isbn]
		book.AvailableQuantity -= qty
		book.UpdatedAt = now
		s.books[isbn] = book
	}

	created := cloneSale(&sale)
	created.ID = xid.New("sale")
	created.CreatedAt = now
	if created.Status == "" {
		created.Status = domain.SaleStatusCompleted
	}
	s.salesByID[created.ID] = created
	if created.IdempotencyKey != "" {
		s.salesByIdem[created.IdempotencyKey] = created
	}
	return cloneSale(created), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func cloneSale(sale *domain.Sale) *domain.Sale {
	out := *sale
	out.Items = slices.Clone(sale.Items)
	if sale.Customer != nil {
		customer := *sale.Customer
		out.Customer = &customer
	}
	return &out
}
