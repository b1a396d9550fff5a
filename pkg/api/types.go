package api

import "github.com/mihaimyh/subsync/pkg/billing"

// CreateResponse is returned by POST /subscription/create
type CreateResponse struct {
	Subscription *billing.View `json:"subscription"`
	ClientSecret string        `json:"clientSecret"`
}

// SubscriptionResponse is returned by GET /subscription and POST /subscription/cancel.
// Subscription is null when the user has none bound.
type SubscriptionResponse struct {
	Subscription *billing.View `json:"subscription"`
}

// ErrorResponse carries a generic message and a stable code.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
