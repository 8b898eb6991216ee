package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"bookshop/pos/internal/cart"
	"bookshop/pos/internal/domain"
	"bookshop/pos/internal/terminal"
)

type sessionKey struct{}

func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.terminals.Session(chi.URLParam(r, "terminalID"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func session(r *http.Request) *terminal.Session {
	return r.Context().Value(sessionKey{}).(*terminal.Session)
}

type scanRequest struct {
	Identifier string `json:"identifier"`
}

type scanResponse struct {
	Line cart.Line     `json:"line"`
	View terminal.View `json:"view"`
}

type lineUpdateRequest struct {
	Quantity *int             `json:"quantity"`
	Discount *decimal.Decimal `json:"discount"`
	VATRate  *decimal.Decimal `json:"vat_rate"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type methodRequest struct {
	Method domain.PaymentMethod `json:"method"`
}

type cashRequest struct {
	Tendered decimal.Decimal `json:"tendered"`
}

type qrRequest struct {
	Phone string `json:"phone"`
}

type finalizeRequest struct {
	Customer *domain.Customer `json:"customer"`
}

func (a *API) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, session(r).View())
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess := session(r)
	line, err := sess.Scan(r.Context(), req.Identifier)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{Line: line, View: sess.View()})
}

func (a *API) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	var req lineUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	update := cart.LineUpdate{Quantity: req.Quantity, Discount: req.Discount, VATRate: req.VATRate}
	if update.Empty() {
		writeError(w, http.StatusBadRequest, errors.New("nothing to update"))
		return
	}

	sess := session(r)
	if err := sess.UpdateLine(chi.URLParam(r, "lineID"), update); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	if err := sess.RemoveLine(chi.URLParam(r, "lineID")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (a *API) handleDiscount(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess := session(r)
	if err := sess.SetDiscount(req.Amount); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (a *API) handleNotes(w http.ResponseWriter, r *http.Request) {
	var req notesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess := session(r)
	if err := sess.SetNotes(req.Notes); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	sess.Clear()
	writeJSON(w, http.StatusOK, sess.View())
}

func (a *API) handleHold(w http.ResponseWriter, r *http.Request) {
	sale, err := session(r).Hold()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale.Summary())
}

func (a *API) handleListHeld(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"held": session(r).ListHeld()})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	view, err := session(r).Resume(chi.URLParam(r, "heldID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDiscardHeld(w http.ResponseWriter, r *http.Request) {
	if err := session(r).DiscardHeld(chi.URLParam(r, "heldID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSelectMethod(w http.ResponseWriter, r *http.Request) {
	var req methodRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := session(r).SelectMethod(req.Method)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleCash(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := session(r).TenderCash(req.Tendered)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCard answers 202: the charge settles in the background and the
// outcome shows up in the session view.
func (a *API) handleCard(w http.ResponseWriter, r *http.Request) {
	st, err := session(r).SubmitCard()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (a *API) handleGenerateQR(w http.ResponseWriter, r *http.Request) {
	var req qrRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := session(r).GenerateQR(req.Phone)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (a *API) handleConfirmQR(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFinalize(w, r)
	if !ok {
		return
	}
	receipt, err := session(r).ConfirmQR(r.Context(), req.Customer)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (a *API) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	st, err := session(r).CancelPayment()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": st})
}

func (a *API) handleResetPayment(w http.ResponseWriter, r *http.Request) {
	st, err := session(r).ResetPayment()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": st})
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFinalize(w, r)
	if !ok {
		return
	}
	receipt, err := session(r).Finalize(r.Context(), req.Customer)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// decodeFinalize accepts an empty body as "no customer".
func decodeFinalize(w http.ResponseWriter, r *http.Request) (finalizeRequest, bool) {
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	return req, true
}
