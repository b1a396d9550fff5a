// Package subsync defines the domain model shared by the subscription
// synchronization engine: users, captains, charters and the locally mirrored
// billing subscription records.
package subsync

import "time"

// Status is the local subscription status.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusPending  Status = "pending"
)

// Entitled reports whether the status grants public listing visibility.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// User is an application identity with its two billing references.
type User struct {
	ID    string
	Email string
	Name  string

	// BillingCustomerID is the provider customer reference (cus_...).
	BillingCustomerID string

	// BillingSubscriptionID is the currently bound provider subscription (sub_...).
	// Empty when the user never subscribed.
	BillingSubscriptionID string
}

// Subscription mirrors one provider subscription. Rows are keyed by
// ProviderSubscriptionID and are never deleted.
type Subscription struct {
	ID                     string
	UserID                 string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 Status
	PlanType               string
	TrialStart             *time.Time
	TrialEnd               *time.Time
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Lapsed reports whether the subscription no longer carries a verified
// entitlement at now: past_due, or pending with an expired or missing trial.
func (s *Subscription) Lapsed(now time.Time) bool {
	switch s.Status {
	case StatusPastDue:
		return true
	case StatusPending:
		return s.TrialEnd == nil || s.TrialEnd.Before(now)
	default:
		return false
	}
}

// Captain is a user registered as a service provider.
type Captain struct {
	ID     string
	UserID string
}

// Charter is a public listing owned by a captain.
type Charter struct {
	ID        string
	CaptainID string
	IsListed  bool
}
