// Package httpapi exposes the HTTP API layer of the service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/magnet-rewards/internal/engine"
	"github.com/fairyhunter13/magnet-rewards/internal/fulfillment"
	"github.com/fairyhunter13/magnet-rewards/internal/obs"
	"github.com/fairyhunter13/magnet-rewards/internal/progress"
	"github.com/fairyhunter13/magnet-rewards/internal/redemption"
	"github.com/fairyhunter13/magnet-rewards/internal/selection"
	"github.com/fairyhunter13/magnet-rewards/internal/store"
)

// jsonError represents a JSON error payload.
type jsonError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// WriteJSONError writes a JSON error payload with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonError{Error: message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type domainError struct {
	target error
	status int
	code   string
}

// domainErrors is checked in order; the first match wins.
var domainErrors = []domainError{
	{store.ErrInsufficientStock, http.StatusConflict, "insufficient_stock"},
	{redemption.ErrInsufficientBonusStock, http.StatusConflict, "insufficient_bonus_stock"},
	{selection.ErrNoStock, http.StatusConflict, "no_stock"},
	{fulfillment.ErrRetriesExhausted, http.StatusConflict, "retries_exhausted"},
	{store.ErrInvalidValue, http.StatusBadRequest, "invalid_value"},
	{fulfillment.ErrInvalidOrder, http.StatusBadRequest, "invalid_value"},
	{fulfillment.ErrOrderAlreadyFulfilled, http.StatusConflict, "order_already_fulfilled"},
	{fulfillment.ErrOrderReturned, http.StatusConflict, "order_returned"},
	{fulfillment.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{redemption.ErrNotPending, http.StatusConflict, "not_pending"},
	{redemption.ErrMilestoneNotPending, http.StatusConflict, "not_pending"},
	{fulfillment.ErrOrderExists, http.StatusConflict, "already_exists"},
	{progress.ErrClientExists, http.StatusConflict, "already_exists"},
	{redemption.ErrWorkflowExists, http.StatusConflict, "already_exists"},
	{fulfillment.ErrOrderNotFound, http.StatusNotFound, "not_found"},
	{progress.ErrClientNotFound, http.StatusNotFound, "not_found"},
	{engine.ErrItemNotFound, http.StatusNotFound, "not_found"},
	{context.Canceled, http.StatusServiceUnavailable, "cancelled"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "cancelled"},
}

// writeDomainError maps an error returned by the engine to its HTTP status.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, d := range domainErrors {
		if errors.Is(err, d.target) {
			WriteJSONError(w, d.status, d.code, err.Error())
			return
		}
	}
	obs.Logger.Error("request_failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
		"error", err,
	)
	WriteJSONError(w, http.StatusInternalServerError, "internal_error", "")
}
