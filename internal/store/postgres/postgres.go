package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/store"
	"bookshop/pos/internal/xid"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema and seed migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

func (s *Store) ListBooks(ctx context.Context) ([]domain.Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT isbn, title, author, sale_price, available_quantity, updated_at
		FROM books
		ORDER BY title
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books := make([]domain.Book, 0, 64)
	for rows.Next() {
		var b domain.Book
		if err := rows.Scan(&b.ISBN, &b.Title, &b.Author, &b.SalePrice, &b.AvailableQuantity, &b.UpdatedAt); err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return books, nil
}

func (s *Store) FindBook(ctx context.Context, isbn string) (*domain.Book, error) {
	var b domain.Book
	err := s.db.QueryRowContext(ctx, `
		SELECT isbn, title, author, sale_price, available_quantity, updated_at
		FROM books
		WHERE isbn = $1
	`, strings.TrimSpace(isbn)).Scan(&b.ISBN, &b.Title, &b.Author, &b.SalePrice, &b.AvailableQuantity, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) UpsertBook(ctx context.Context, book domain.Book) (*domain.Book, error) {
	book.ISBN = strings.TrimSpace(book.ISBN)
	if book.ISBN == "" || book.Title == "" || book.SalePrice.IsNegative() || book.AvailableQuantity < 0 {
		return nil, store.ErrInvalidBook
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO books (isbn, title, author, sale_price, available_quantity, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (isbn)
		DO UPDATE SET title = EXCLUDED.title, author = EXCLUDED.author,
			sale_price = EXCLUDED.sale_price, available_quantity = EXCLUDED.available_quantity,
			updated_at = now()
		RETURNING updated_at
	`, book.ISBN, book.Title, book.Author, book.SalePrice, book.AvailableQuantity).Scan(&book.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &book, nil
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	var (
		sale               domain.Sale
		idempotencyKey     sql.NullString
		name, email, phone sql.NullString
		reference, notes   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, idempotency_key, customer_name, customer_email, customer_phone,
			payment_method, amount_received, change_given, payment_reference,
			cart_discount, notes, total_amount, status, created_at
		FROM sales
		WHERE %s = $1
	`, column), value).Scan(
		&sale.ID, &idempotencyKey, &name, &email, &phone,
		&sale.Payment.Method, &sale.Payment.AmountReceived, &sale.Payment.ChangeGiven, &reference,
		&sale.CartDiscount, &notes, &sale.TotalAmount, &sale.Status, &sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.IdempotencyKey = idempotencyKey.String
	sale.Payment.Reference = reference.String
	sale.Notes = notes.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	if name.Valid || email.Valid || phone.Valid {
		sale.Customer = &domain.Customer{Name: name.String, Email: email.String, Phone: phone.String}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT isbn, title, author, quantity, unit_price, total_price, tax_amount, discount_amount
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ISBN, &item.Title, &item.Author, &item.Quantity,
			&item.UnitPrice, &item.TotalPrice, &item.TaxAmount, &item.DiscountAmount); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}
	if sale.IdempotencyKey != "" {
		existing, err := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	wanted := wantedQuantities(sale.Items)
	isbns := make([]string, 0, len(wanted))
	for isbn := range wanted {
		isbns = append(isbns, isbn)
	}
	sort.Strings(isbns)

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT isbn, available_quantity
		FROM books
		WHERE isbn = ANY($1)
		FOR UPDATE
	`, isbns)
	if err != nil {
		return nil, err
	}
	stock := make(map[string]int, len(isbns))
	for stockRows.Next() {
		var isbn string
		var qty int
		if err := stockRows.Scan(&isbn, &qty); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stock[isbn] = qty
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	for _, isbn := range isbns {
		have, ok := stock[isbn]
		if !ok {
			return nil, fmt.Errorf("%w: book %s", store.ErrNotFound, isbn)
		}
		if have < wanted[isbn] {
			return nil, fmt.Errorf("%w: %s has %d left", store.ErrInsufficientStock, isbn, have)
		}
	}

	for _, isbn := range isbns {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE books
			SET available_quantity = available_quantity - $2, updated_at = now()
			WHERE isbn = $1
		`, isbn, wanted[isbn]); err != nil {
			return nil, err
		}
	}

	sale.ID = xid.New("sale")
	sale.CreatedAt = time.Now().UTC()
	if sale.Status == "" {
		sale.Status = domain.SaleStatusCompleted
	}
	var name, email, phone string
	if sale.Customer != nil {
		name, email, phone = sale.Customer.Name, sale.Customer.Email, sale.Customer.Phone
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, idempotency_key, customer_name, customer_email, customer_phone,
			payment_method, amount_received, change_given, payment_reference,
			cart_discount, notes, total_amount, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sale.ID, nullIfEmpty(sale.IdempotencyKey), nullIfEmpty(name), nullIfEmpty(email), nullIfEmpty(phone),
		sale.Payment.Method, sale.Payment.AmountReceived, sale.Payment.ChangeGiven,
		nullIfEmpty(sale.Payment.Reference), sale.CartDiscount, nullIfEmpty(sale.Notes),
		sale.TotalAmount, sale.Status, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && sale.IdempotencyKey != "" {
			_ = pgTx.Rollback()
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for i, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (
				sale_id, position, isbn, title, author, quantity,
				unit_price, total_price, tax_amount, discount_amount
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, sale.ID, i, item.ISBN, item.Title, item.Author, item.Quantity,
			item.UnitPrice, item.TotalPrice, item.TaxAmount, item.DiscountAmount)
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func wantedQuantities(items []domain.SaleItem) map[string]int {
	wanted := make(map[string]int, len(items))
	for _, item := range items {
		wanted[item.ISBN] += item.Quantity
	}
	return wanted
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
