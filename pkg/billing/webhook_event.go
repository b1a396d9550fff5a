package billing

import (
	"encoding/json"
	"time"
)

// Event types handled by the engine.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// Event is a verified provider webhook event.
type Event struct {
	ID      string
	Type    string
	Created time.Time

	// Data is the raw JSON of data.object.
	Data json.RawMessage
}

// PaymentFailure is passed to the payment-failed hook. It carries no status
// change: the move to past_due arrives later through a subscription update.
type PaymentFailure struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
	InvoiceID      string
	AttemptCount   int64
	EventID        string
	EventTimestamp time.Time
}
