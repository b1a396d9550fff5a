// Package billing defines the provider-neutral billing client used by the
// control plane and the webhook handlers, and the normalizer that turns raw
// provider subscription payloads into one canonical shape.
package billing

import (
	"context"
)

// Client is a thin adapter over the external billing service. It keeps no
// local state.
type Client interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// CreateCustomer creates a provider customer tagged with the local user id.
	CreateCustomer(ctx context.Context, profile CustomerProfile) (string, error)

	// GetCustomer retrieves a provider customer by reference.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// CreateSubscription creates a subscription with a trial window of trialDays.
	CreateSubscription(ctx context.Context, customerID string, plan PlanSpec, trialDays int) (*CreatedSubscription, error)

	// GetSubscription retrieves the full subscription snapshot.
	GetSubscription(ctx context.Context, subscriptionID string) (*Snapshot, error)

	// SetCancelAtPeriodEnd toggles cancellation at the end of the current period.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Snapshot, error)

	// VerifyEvent authenticates a webhook delivery. payload MUST be the exact
	// request bytes; any re-serialization invalidates the signature.
	VerifyEvent(payload []byte, signatureHeader, secret string) (*Event, error)
}

// CustomerProfile is the local identity sent to the provider on customer creation.
type CustomerProfile struct {
	UserID string
	Email  string
	Name   string
}

// Customer is the provider-side customer.
type Customer struct {
	ID      string
	Email   string
	Name    string
	UserID  string // from metadata.user_id
	Deleted bool
}

// PlanSpec selects what a new subscription bills for.
type PlanSpec struct {
	// PriceID is the provider price reference (price_...).
	PriceID string

	// PlanType is the local plan name recorded on the subscription row.
	PlanType string
}

// CreatedSubscription is the result of CreateSubscription.
type CreatedSubscription struct {
	Snapshot *Snapshot

	// ClientSecret lets the frontend confirm the payment method. Empty when
	// the provider did not return an intent.
	ClientSecret string
}
