package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
	"github.com/Rmdmostakim/bdpayment/internal/gateway"
)

type createPaymentPayload struct {
	Amount      string          `json:"amount" validate:"required"`
	Invoice     string          `json:"invoice" validate:"omitempty,max=30"`
	UserID      *int64          `json:"user_id"`
	PayableType *string         `json:"payable_type" validate:"omitempty,max=100"`
	PayableID   *int64          `json:"payable_id"`
	Note        *string         `json:"note" validate:"omitempty,max=255"`
	Customer    customerPayload `json:"customer"`
}

type customerPayload struct {
	Name       string `json:"name" validate:"omitempty,max=100"`
	Email      string `json:"email" validate:"omitempty,email"`
	Phone      string `json:"phone" validate:"omitempty,bdphone"`
	Address    string `json:"address" validate:"omitempty,max=255"`
	City       string `json:"city" validate:"omitempty,max=100"`
	State      string `json:"state" validate:"omitempty,max=100"`
	Country    string `json:"country" validate:"omitempty,max=100"`
	PostalCode string `json:"postal_code" validate:"omitempty,max=20"`
}

func (app *application) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	data := map[string]string{
		"status":  "ok",
		"env":     app.config.env,
		"version": version,
	}
	if err := app.jsonResponse(w, http.StatusOK, data); err != nil {
		app.internalServerError(w, r, err)
	}
}

func gatewayParam(r *http.Request) (gateway.Gateway, error) {
	g := gateway.Gateway(chi.URLParam(r, "gateway"))
	if !g.Valid() {
		return "", fmt.Errorf("unsupported gateway: %s", g)
	}
	return g, nil
}

// POST /v1/gateway/{gateway}/create
func (app *application) createPaymentHandler(w http.ResponseWriter, r *http.Request) {
	g, err := gatewayParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	var payload createPaymentPayload
	if err := readJSON(w, r, &payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}
	if err := Validate.Struct(payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	// Amounts travel as strings so "100.50" survives exactly.
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		app.badRequestResponse(w, r, fmt.Errorf("invalid amount: %s", payload.Amount))
		return
	}

	driver, err := app.gateways.Driver(g)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	result, err := driver.CreatePayment(r.Context(), gateway.CreateRequest{
		Amount:      amount,
		Invoice:     payload.Invoice,
		UserID:      payload.UserID,
		PayableType: payload.PayableType,
		PayableID:   payload.PayableID,
		Note:        payload.Note,
		Customer: gateway.CustomerInfo{
			Name:       payload.Customer.Name,
			Email:      payload.Customer.Email,
			Phone:      payload.Customer.Phone,
			Address:    payload.Customer.Address,
			City:       payload.Customer.City,
			State:      payload.Customer.State,
			Country:    payload.Customer.Country,
			PostalCode: payload.Customer.PostalCode,
		},
	})
	if err != nil {
		app.gatewayErrorResponse(w, r, err)
		return
	}

	app.jsonResponse(w, http.StatusCreated, map[string]any{
		"invoice":      result.Invoice,
		"gateway_ref":  result.GatewayRef,
		"redirect_url": result.RedirectURL,
	})
}

type executePaymentPayload struct {
	PaymentID string `json:"payment_id" validate:"required"`
}

// POST /v1/gateway/bkash/execute
func (app *application) executeBkashHandler(w http.ResponseWriter, r *http.Request) {
	var payload executePaymentPayload
	if err := readJSON(w, r, &payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}
	if err := Validate.Struct(payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	driver, err := app.gateways.Bkash()
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	result, err := driver.ExecutePayment(r.Context(), payload.PaymentID)
	if err != nil {
		app.gatewayErrorResponse(w, r, err)
		return
	}

	app.jsonResponse(w, http.StatusOK, result)
}

// redirectToFrontend sends the payer's browser back to the frontend with
// the reconciliation outcome in the query string.
func (app *application) redirectToFrontend(w http.ResponseWriter, r *http.Request, invoice, status, message string) {
	q := url.Values{}
	q.Set("invoice", invoice)
	q.Set("status", status)
	q.Set("message", message)

	http.Redirect(w, r, app.config.frontendURL+"?"+q.Encode(), http.StatusSeeOther)
}

// GET /v1/gateway/bkash/callback?paymentID=...&status=success|failure|cancel
func (app *application) bkashCallbackHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := strings.TrimSpace(r.URL.Query().Get("paymentID"))
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))

	if paymentID == "" {
		app.redirectToFrontend(w, r, "", "failed", "Missing payment reference.")
		return
	}

	// Successful checkout still needs the execute phase before the status
	// query reports completion.
	if status == "success" {
		driver, err := app.gateways.Bkash()
		if err != nil {
			app.internalServerError(w, r, err)
			return
		}
		if _, err := driver.ExecutePayment(r.Context(), paymentID); err != nil {
			app.logger.Errorw("bkash execute on callback failed", "payment_id", paymentID, "error", err)
		}
	}

	out := app.reconciler.ConfirmByRedirect(r.Context(), gateway.Bkash, paymentID, "")
	app.redirectToFrontend(w, r, out.Invoice, out.Status, out.Message)
}

// GET /v1/gateway/nagad/callback?payment_ref_id=...&order_id=...&status=...
func (app *application) nagadCallbackHandler(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("payment_ref_id"))
	invoice := strings.TrimSpace(r.URL.Query().Get("order_id"))

	out := app.reconciler.ConfirmByRedirect(r.Context(), gateway.Nagad, ref, invoice)
	app.redirectToFrontend(w, r, out.Invoice, out.Status, out.Message)
}

// POST /v1/gateway/sslcommerz/callback (form-encoded: tran_id, val_id, status)
func (app *application) sslcommerzCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		app.redirectToFrontend(w, r, "", "failed", "Malformed callback.")
		return
	}

	valID := strings.TrimSpace(r.PostFormValue("val_id"))
	invoice := strings.TrimSpace(r.PostFormValue("tran_id"))

	out := app.reconciler.ConfirmByRedirect(r.Context(), gateway.Sslcommerz, valID, invoice)
	app.redirectToFrontend(w, r, out.Invoice, out.Status, out.Message)
}

type webhookPayload struct {
	GatewayRef string `json:"gateway_ref"`
	Invoice    string `json:"invoice"`
}

// POST /v1/gateway/{gateway}/webhook
func (app *application) webhookHandler(w http.ResponseWriter, r *http.Request) {
	g, err := gatewayParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	var payload webhookPayload
	if err := readJSON(w, r, &payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}
	if payload.GatewayRef == "" && payload.Invoice == "" {
		app.badRequestResponse(w, r, fmt.Errorf("gateway_ref or invoice is required"))
		return
	}

	out, err := app.reconciler.ConfirmByWebhook(r.Context(), g, payload.GatewayRef, payload.Invoice)
	if err != nil {
		app.logger.Errorw("webhook reconciliation error", "gateway", g, "invoice", payload.Invoice, "error", err)
	}

	// Always 200 with the outcome so the gateway stops retrying.
	app.jsonResponse(w, http.StatusOK, out)
}

// GET /v1/payments
func (app *application) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	items, total, err := app.gateways.ListPayments(r.Context(), filter)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	app.jsonResponse(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// GET /v1/payments/{invoice}
func (app *application) getPaymentHandler(w http.ResponseWriter, r *http.Request) {
	invoice := chi.URLParam(r, "invoice")

	tx, err := app.gateways.FindByInvoice(r.Context(), invoice)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if tx == nil {
		app.notFoundResponse(w, r, fmt.Errorf("payment %s not found", invoice))
		return
	}

	app.jsonResponse(w, http.StatusOK, tx)
}

// DELETE /v1/payments/{invoice}
func (app *application) deletePaymentHandler(w http.ResponseWriter, r *http.Request) {
	invoice := chi.URLParam(r, "invoice")

	tx, err := app.gateways.FindByInvoice(r.Context(), invoice)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if tx == nil {
		app.notFoundResponse(w, r, fmt.Errorf("payment %s not found", invoice))
		return
	}

	if err := app.store.SoftDelete(r.Context(), tx.ID); err != nil {
		app.internalServerError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func filterFromQuery(q url.Values) (transactions.Filter, error) {
	var f transactions.Filter

	f.Status = q.Get("status")
	if v := q.Get("gateway"); v != "" {
		if !transactions.Gateway(v).Valid() {
			return f, fmt.Errorf("unsupported gateway: %s", v)
		}
		f.Gateway = v
	}
	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid user_id: %s", v)
		}
		f.UserID = &id
	}
	if v := q.Get("min_amount"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, fmt.Errorf("invalid min_amount: %s", v)
		}
		f.MinAmount = &d
	}
	if v := q.Get("max_amount"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, fmt.Errorf("invalid max_amount: %s", v)
		}
		f.MaxAmount = &d
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid from: %s", v)
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid to: %s", v)
		}
		f.To = &t
	}

	f.SortBy = q.Get("sort_by")
	f.SortDesc = q.Get("order") == "desc"

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid limit: %s", v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid offset: %s", v)
		}
		f.Offset = n
	}

	return f, nil
}
