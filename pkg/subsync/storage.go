package subsync

import (
	"context"
	"time"
)

// UserStore reads users and writes their billing references.
type UserStore interface {
	// GetUser returns ErrNotFound when the user does not exist.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByCustomerID resolves a provider customer reference.
	// Returns ErrNotFound when no local user carries it.
	GetUserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// SetBillingCustomerID stores the provider customer reference on the user.
	SetBillingCustomerID(ctx context.Context, userID, customerID string) error

	// BindSubscription stores the current provider subscription reference on the user.
	BindSubscription(ctx context.Context, userID, subscriptionID string) error
}

// SubscriptionStore is the sole writer of subscription rows.
type SubscriptionStore interface {
	// UpsertSubscription inserts or replaces the row keyed by
	// ProviderSubscriptionID. The stored ID and CreatedAt are kept on update
	// and written back into sub.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns ErrNotFound when no row exists for the provider id.
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// MarkSubscriptionCanceled sets status=canceled and cancel_at_period_end=false.
	// Returns ErrNotFound when no row exists for the provider id.
	MarkSubscriptionCanceled(ctx context.Context, providerSubscriptionID string) error
}

// CaptainDirectory answers role checks against the captain table.
type CaptainDirectory interface {
	IsCaptain(ctx context.Context, userID string) (bool, error)
}

// SweepTx is the view of the store available inside one sweep transaction.
type SweepTx interface {
	// LapsedSubscriptions returns every subscription for which Lapsed(now) holds.
	LapsedSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error)

	// CaptainsForUsers resolves user ids to captain ids. Users without a
	// captain profile are skipped.
	CaptainsForUsers(ctx context.Context, userIDs []string) ([]string, error)

	// UnlistCharters sets is_listed=false on every listed charter owned by the
	// captains and returns the number of charters changed.
	UnlistCharters(ctx context.Context, captainIDs []string) (int, error)
}

// SweepStore runs fn inside a single storage transaction. If fn returns an
// error nothing it wrote is kept.
type SweepStore interface {
	WithSweepTx(ctx context.Context, fn func(tx SweepTx) error) error
}

// ClaimResult is the outcome of EventInbox.Claim.
type ClaimResult int

const (
	// ClaimAcquired means the caller owns the event and must process it.
	ClaimAcquired ClaimResult = iota
	// ClaimProcessed means the event was already processed.
	ClaimProcessed
	// ClaimInFlight means another delivery holds an unprocessed claim. The
	// event may still fail, so it must not be acknowledged.
	ClaimInFlight
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimProcessed:
		return "processed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// EventInbox records processed provider event ids so replays are rejected
// before dispatch.
type EventInbox interface {
	// Claim records the event as in flight when nobody holds it.
	Claim(ctx context.Context, provider, eventID, eventType string) (ClaimResult, error)

	// MarkProcessed records successful processing.
	MarkProcessed(ctx context.Context, provider, eventID string) error

	// Release drops an unprocessed claim so a redelivery is processed again.
	Release(ctx context.Context, provider, eventID string) error
}

// Store is the full storage surface used by the engine.
type Store interface {
	UserStore
	SubscriptionStore
	CaptainDirectory
	SweepStore
	EventInbox
}
