package main

import (
	"errors"
	"net/http"

	"github.com/Rmdmostakim/bdpayment/internal/domain/transactions"
	"github.com/Rmdmostakim/bdpayment/internal/gateway"
)

func (app *application) internalServerError(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Errorw("internal error", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusInternalServerError, "the server encountered a problem")
}

func (app *application) badRequestResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("bad request", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusBadRequest, err.Error())
}

func (app *application) notFoundResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("not found", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusNotFound, "not found")
}

func (app *application) conflictResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("conflict", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	writeJSONError(w, http.StatusConflict, err.Error())
}

func (app *application) unauthorizedBasicErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	app.logger.Warnw("unauthorized basic error", "method", r.Method, "path", r.URL.Path, "error", err.Error())
	w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized")
}

func (app *application) rateLimitExceededResponse(w http.ResponseWriter, r *http.Request, retryAfter string) {
	app.logger.Warnw("rate limit exceeded", "method", r.Method, "path", r.URL.Path)
	w.Header().Set("Retry-After", retryAfter)
	writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded, retry after: "+retryAfter)
}

// gatewayErrorResponse maps the typed gateway failures onto HTTP statuses:
// caller mistakes are 422, upstream trouble is 502, the rest is internal.
func (app *application) gatewayErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *gateway.ValidationError
		upstreamErr   *gateway.UpstreamError
		notFoundErr   *gateway.NotFoundError
	)

	switch {
	case errors.Is(err, transactions.ErrDuplicateInvoice):
		app.conflictResponse(w, r, transactions.ErrDuplicateInvoice)
	case errors.As(err, &validationErr):
		app.logger.Warnw("payment validation failed", "path", r.URL.Path, "error", err.Error())
		writeJSONError(w, http.StatusUnprocessableEntity, validationErr.Error())
	case errors.As(err, &upstreamErr):
		app.logger.Errorw("gateway upstream failure", "path", r.URL.Path, "gateway", upstreamErr.Gateway, "endpoint", upstreamErr.Endpoint, "status", upstreamErr.StatusCode)
		writeJSONError(w, http.StatusBadGateway, "payment gateway is unavailable")
	case errors.As(err, &notFoundErr):
		app.notFoundResponse(w, r, err)
	default:
		app.internalServerError(w, r, err)
	}
}
