package api

import (
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const maxUserIDLen = 255

// Handler provides the session-authenticated subscription endpoints
type Handler struct {
	config Config
}

// errorStatus maps stable codes to HTTP statuses and generic messages.
// Upstream error text is logged, never returned.
var errorStatus = map[string]struct {
	status  int
	message string
}{
	subsync.CodeUnauthenticated:     {http.StatusUnauthorized, "authentication required"},
	subsync.CodeForbidden:           {http.StatusForbidden, "only captains can manage subscriptions"},
	subsync.CodeNotConfigured:       {http.StatusBadRequest, "billing is not configured"},
	subsync.CodeNotFound:            {http.StatusNotFound, "no subscription found"},
	subsync.CodeProviderUnavailable: {http.StatusBadGateway, "billing service unavailable, please try again"},
	subsync.CodeInternal:            {http.StatusInternalServerError, "something went wrong"},
}

// CreateSubscription handles POST /subscription/create
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	res, err := h.config.Service.Create(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreateResponse{Subscription: res.Subscription, ClientSecret: res.ClientSecret})
}

// GetSubscription handles GET /subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.config.Service.Get(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: view})
}

// CancelSubscription handles POST /subscription/cancel
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.config.Service.Cancel(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: view})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, subsync.ErrUnauthenticated)
		return "", false
	}
	return userID, true
}

// handleError writes the stable error shape
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	code := subsync.ErrorCode(err)
	mapped, ok := errorStatus[code]
	if !ok {
		code = subsync.CodeInternal
		mapped = errorStatus[code]
	}
	if mapped.status >= http.StatusInternalServerError {
		h.config.Logger.Error("subscription request failed",
			subsync.Field{Key: "path", Value: r.URL.Path},
			subsync.Field{Key: "code", Value: code},
			subsync.Field{Key: "error", Value: err.Error()},
		)
	}
	writeJSON(w, mapped.status, ErrorResponse{Error: mapped.message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
