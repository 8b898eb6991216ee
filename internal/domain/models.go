package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentCash  PaymentMethod = "cash"
	PaymentCard  PaymentMethod = "card"
	PaymentMpesa PaymentMethod = "mpesa"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentMpesa:
		return true
	}
	return false
}

const (
	SaleStatusCompleted = "completed"

	// MpesaDefaultCustomerName is recorded when a mobile-money sale carries no customer.
	MpesaDefaultCustomerName = "M-Pesa Customer"
)

type Book struct {
	ISBN              string          `json:"isbn_number"`
	Title             string          `json:"title"`
	Author            string          `json:"author"`
	SalePrice         decimal.Decimal `json:"sale_price"`
	AvailableQuantity int             `json:"available_quantity"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type AvailabilityRecord struct {
	Identifier        string          `json:"identifier"`
	Found             bool            `json:"found"`
	Title             string          `json:"title,omitempty"`
	Author            string          `json:"author,omitempty"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	AvailableQuantity int             `json:"available_quantity"`
}

type BookAvailability struct {
	BookFound         bool            `json:"book_found"`
	ISBN              string          `json:"isbn_number"`
	Title             string          `json:"title,omitempty"`
	Author            string          `json:"author,omitempty"`
	AvailableQuantity int             `json:"available_quantity"`
	SalePrice         decimal.Decimal `json:"sale_price"`
}

type BookResponse struct {
	Success bool              `json:"success"`
	Book    *BookAvailability `json:"book,omitempty"`
	Message string            `json:"message,omitempty"`
}

func (b BookAvailability) Record() AvailabilityRecord {
	return AvailabilityRecord{
		Identifier:        b.ISBN,
		Found:             b.BookFound,
		Title:             b.Title,
		Author:            b.Author,
		UnitPrice:         b.SalePrice,
		AvailableQuantity: b.AvailableQuantity,
	}
}

type Customer struct {
	Name  string `json:"customer_name"`
	Email string `json:"customer_email,omitempty"`
	Phone string `json:"customer_phone,omitempty"`
}

type SaleItem struct {
	ISBN           string          `json:"isbn"`
	Title          string          `json:"title"`
	Author         string          `json:"author,omitempty"`
	Quantity       int             `json:"quantity_sold"`
	UnitPrice      decimal.Decimal `json:"price_per_unit"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type PaymentSummary struct {
	Method         PaymentMethod   `json:"payment_method"`
	AmountReceived decimal.Decimal `json:"amount_received"`
	ChangeGiven    decimal.Decimal `json:"change_given"`
	Reference      string          `json:"reference,omitempty"`
}

// SaleRequest is the payload submitted to the sales ledger.
type SaleRequest struct {
	Customer       *Customer       `json:"customer,omitempty"`
	Items          []SaleItem      `json:"sale_items"`
	Payment        PaymentSummary  `json:"payment"`
	CartDiscount   decimal.Decimal `json:"cart_discount"`
	Notes          string          `json:"notes,omitempty"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Status         string          `json:"sale_status"`
	IdempotencyKey string          `json:"-"`
}

type SaleResponse struct {
	SaleID string `json:"sale_id"`
}

type Sale struct {
	ID             string          `json:"sale_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Customer       *Customer       `json:"customer,omitempty"`
	Items          []SaleItem      `json:"sale_items"`
	Payment        PaymentSummary  `json:"payment"`
	CartDiscount   decimal.Decimal `json:"cart_discount"`
	Notes          string          `json:"notes,omitempty"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Status         string          `json:"sale_status"`
	CreatedAt      time.Time       `json:"created_at"`
}

func NewSale(req SaleRequest) Sale {
	return Sale{
		IdempotencyKey: req.IdempotencyKey,
		Customer:       req.Customer,
		Items:          req.Items,
		Payment:        req.Payment,
		CartDiscount:   req.CartDiscount,
		Notes:          req.Notes,
		TotalAmount:    req.TotalAmount,
		Status:         req.Status,
	}
}
