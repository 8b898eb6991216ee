package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/store"
)

func (a *API) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := a.repo.ListBooks(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

func (a *API) handleUpsertBook(w http.ResponseWriter, r *http.Request) {
	var book domain.Book
	if err := decodeJSON(r, &book); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	isbn := strings.TrimSpace(chi.URLParam(r, "isbn"))
	if book.ISBN != "" && strings.TrimSpace(book.ISBN) != isbn {
		writeError(w, http.StatusBadRequest, errors.New("isbn in body does not match path"))
		return
	}
	book.ISBN = isbn

	saved, err := a.repo.UpsertBook(r.Context(), book)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.evict(r, saved.ISBN)
	writeJSON(w, http.StatusOK, saved)
}

// handleAvailability serves the catalog lookup. Unknown books answer 404
// with success=false so clients can tell "not found" from an outage.
func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	identifier := strings.TrimSpace(chi.URLParam(r, "identifier"))
	book, err := a.repo.FindBook(r.Context(), identifier)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, domain.BookResponse{
			Success: false,
			Book:    &domain.BookAvailability{BookFound: false, ISBN: identifier},
			Message: "book not found",
		})
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.BookResponse{
		Success: true,
		Book: &domain.BookAvailability{
			BookFound:         true,
			ISBN:              book.ISBN,
			Title:             book.Title,
			Author:            book.Author,
			AvailableQuantity: book.AvailableQuantity,
			SalePrice:         book.SalePrice,
		},
	})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	created, err := a.repo.CreateSale(r.Context(), domain.NewSale(req))
	if err != nil {
		if status := statusFor(err); status < 500 {
			a.logger.Info("sale rejected",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Error(err))
		}
		a.fail(w, r, err)
		return
	}

	isbns := make([]string, 0, len(created.Items))
	for _, item := range created.Items {
		isbns = append(isbns, item.ISBN)
	}
	a.evict(r, isbns...)
	writeJSON(w, http.StatusCreated, domain.SaleResponse{SaleID: created.ID})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.repo.FindSaleByID(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) evict(r *http.Request, isbns ...string) {
	if a.invalidate == nil || len(isbns) == 0 {
		return
	}
	a.invalidate.Invalidate(r.Context(), isbns...)
}
