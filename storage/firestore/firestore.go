// Package firestore provides a Firestore implementation of subsync.Store.
// Subscriptions are keyed by the provider subscription id, the sweep runs in
// one Firestore transaction and inbox claims use create-if-absent.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Firestore caps the values of an "in" filter.
const maxInValues = 30

// Storage implements subsync.Store using Google Cloud Firestore
type Storage struct {
	client  *firestore.Client
	config  Config
	metrics subsync.Metrics
	logger  subsync.Logger
	now     func() time.Time
}

var _ subsync.Store = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection holds user documents keyed by user id
	// Default: "users"
	UsersCollection string

	// CaptainsCollection holds captain documents keyed by captain id
	// Default: "captains"
	CaptainsCollection string

	// ChartersCollection holds charter documents keyed by charter id
	// Default: "charters"
	ChartersCollection string

	// SubscriptionsCollection holds subscription documents keyed by the
	// provider subscription id
	// Default: "subscriptions"
	SubscriptionsCollection string

	// EventsCollection holds webhook inbox documents
	// Default: "billing_webhook_events"
	EventsCollection string

	// ClaimTimeout is how long an unprocessed inbox claim blocks redelivery.
	ClaimTimeout time.Duration

	// EventRetention is how long processed inbox events are kept by Cleanup.
	EventRetention time.Duration

	Metrics subsync.Metrics
	Logger  subsync.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		UsersCollection:         "users",
		CaptainsCollection:      "captains",
		ChartersCollection:      "charters",
		SubscriptionsCollection: "subscriptions",
		EventsCollection:        "billing_webhook_events",
		ClaimTimeout:            5 * time.Minute,
		EventRetention:          30 * 24 * time.Hour,
	}
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	defaults := DefaultConfig()
	if config.UsersCollection == "" {
		config.UsersCollection = defaults.UsersCollection
	}
	if config.CaptainsCollection == "" {
		config.CaptainsCollection = defaults.CaptainsCollection
	}
	if config.ChartersCollection == "" {
		config.ChartersCollection = defaults.ChartersCollection
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = defaults.SubscriptionsCollection
	}
	if config.EventsCollection == "" {
		config.EventsCollection = defaults.EventsCollection
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = defaults.ClaimTimeout
	}
	if config.EventRetention <= 0 {
		config.EventRetention = defaults.EventRetention
	}

	s := &Storage{
		client:  client,
		config:  config,
		metrics: config.Metrics,
		logger:  config.Logger,
		now:     time.Now,
	}
	if s.metrics == nil {
		s.metrics = &subsync.NoopMetrics{}
	}
	if s.logger == nil {
		s.logger = &subsync.NoopLogger{}
	}
	return s, nil
}

// Ping runs a one-document read to check the connection
func (s *Storage) Ping(ctx context.Context) error {
	_, err := s.client.Collection(s.config.UsersCollection).Limit(1).Documents(ctx).GetAll()
	return err
}

func (s *Storage) track(op string) func(*error) {
	start := time.Now()
	return func(err *error) {
		s.metrics.RecordStorageOperation(op, time.Since(start), *err)
	}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// GetUser implements subsync.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (u *subsync.User, err error) {
	defer s.track("get_user")(&err)

	snap, err := s.client.Collection(s.config.UsersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, subsync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrNotFound
	}
	return userFromDoc(snap), nil
}

// GetUserByCustomerID implements subsync.UserStore
func (s *Storage) GetUserByCustomerID(ctx context.Context, customerID string) (u *subsync.User, err error) {
	defer s.track("get_user_by_customer")(&err)

	docs, err := s.client.Collection(s.config.UsersCollection).
		Where("billingCustomerId", "==", customerID).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(docs) == 0 {
		return nil, subsync.ErrNotFound
	}
	return userFromDoc(docs[0]), nil
}

func userFromDoc(snap *firestore.DocumentSnapshot) *subsync.User {
	data := snap.Data()
	return &subsync.User{
		ID:                    snap.Ref.ID,
		Email:                 getString(data, "email"),
		Name:                  getString(data, "name"),
		BillingCustomerID:     getString(data, "billingCustomerId"),
		BillingSubscriptionID: getString(data, "billingSubscriptionId"),
	}
}

// SetBillingCustomerID implements subsync.UserStore
func (s *Storage) SetBillingCustomerID(ctx context.Context, userID, customerID string) (err error) {
	defer s.track("set_billing_customer")(&err)
	return s.updateUser(ctx, userID, "billingCustomerId", customerID)
}

// BindSubscription implements subsync.UserStore
func (s *Storage) BindSubscription(ctx context.Context, userID, subscriptionID string) (err error) {
	defer s.track("bind_subscription")(&err)
	return s.updateUser(ctx, userID, "billingSubscriptionId", subscriptionID)
}

func (s *Storage) updateUser(ctx context.Context, userID, field, value string) error {
	_, err := s.client.Collection(s.config.UsersCollection).Doc(userID).Update(ctx, []firestore.Update{
		{Path: field, Value: value},
	})
	if isNotFound(err) {
		return subsync.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (s *Storage) subscriptionDoc(providerSubscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.SubscriptionsCollection).Doc(providerSubscriptionID)
}

// UpsertSubscription implements subsync.SubscriptionStore. The document id
// is the provider subscription id, so a replay overwrites the same row.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) (err error) {
	defer s.track("upsert_subscription")(&err)

	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}
	doc := s.subscriptionDoc(sub.ProviderSubscriptionID)
	now := s.now().UTC()

	var id string
	var createdAt time.Time
	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		id, createdAt = sub.ID, now
		if id == "" {
			id = uuid.NewString()
		}

		snap, err := tx.Get(doc)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil && snap.Exists() {
			data := snap.Data()
			if stored := getString(data, "id"); stored != "" {
				id = stored
			}
			if stored := getTime(data, "createdAt"); !stored.IsZero() {
				createdAt = stored
			}
		}

		return tx.Set(doc, map[string]interface{}{
			"id":                     id,
			"userId":                 sub.UserID,
			"providerSubscriptionId": sub.ProviderSubscriptionID,
			"providerCustomerId":     sub.ProviderCustomerID,
			"status":                 string(sub.Status),
			"planType":               sub.PlanType,
			"trialStart":             optionalTime(sub.TrialStart),
			"trialEnd":               optionalTime(sub.TrialEnd),
			"currentPeriodStart":     zeroAsNil(sub.CurrentPeriodStart),
			"currentPeriodEnd":       zeroAsNil(sub.CurrentPeriodEnd),
			"cancelAtPeriodEnd":      sub.CancelAtPeriodEnd,
			"createdAt":              createdAt,
			"updatedAt":              now,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	sub.ID = id
	sub.CreatedAt = createdAt.UTC()
	sub.UpdatedAt = now
	return nil
}

// GetSubscription implements subsync.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, providerSubscriptionID string) (sub *subsync.Subscription, err error) {
	defer s.track("get_subscription")(&err)

	snap, err := s.subscriptionDoc(providerSubscriptionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, subsync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrNotFound
	}
	return subscriptionFromDoc(snap), nil
}

func subscriptionFromDoc(snap *firestore.DocumentSnapshot) *subsync.Subscription {
	data := snap.Data()
	sub := &subsync.Subscription{
		ID:                     getString(data, "id"),
		UserID:                 getString(data, "userId"),
		ProviderSubscriptionID: snap.Ref.ID,
		ProviderCustomerID:     getString(data, "providerCustomerId"),
		Status:                 subsync.Status(getString(data, "status")),
		PlanType:               getString(data, "planType"),
		CurrentPeriodStart:     getTime(data, "currentPeriodStart").UTC(),
		CurrentPeriodEnd:       getTime(data, "currentPeriodEnd").UTC(),
		CancelAtPeriodEnd:      getBool(data, "cancelAtPeriodEnd"),
		CreatedAt:              getTime(data, "createdAt").UTC(),
		UpdatedAt:              getTime(data, "updatedAt").UTC(),
	}
	if t := getTime(data, "trialStart"); !t.IsZero() {
		t = t.UTC()
		sub.TrialStart = &t
	}
	if t := getTime(data, "trialEnd"); !t.IsZero() {
		t = t.UTC()
		sub.TrialEnd = &t
	}
	return sub
}

// MarkSubscriptionCanceled implements subsync.SubscriptionStore
func (s *Storage) MarkSubscriptionCanceled(ctx context.Context, providerSubscriptionID string) (err error) {
	defer s.track("cancel_subscription")(&err)

	_, err = s.subscriptionDoc(providerSubscriptionID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(subsync.StatusCanceled)},
		{Path: "cancelAtPeriodEnd", Value: false},
		{Path: "updatedAt", Value: s.now().UTC()},
	})
	if isNotFound(err) {
		return subsync.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return nil
}

// IsCaptain implements subsync.CaptainDirectory
func (s *Storage) IsCaptain(ctx context.Context, userID string) (ok bool, err error) {
	defer s.track("is_captain")(&err)

	docs, err := s.client.Collection(s.config.CaptainsCollection).
		Where("userId", "==", userID).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return false, fmt.Errorf("failed to check captain: %w", err)
	}
	return len(docs) > 0, nil
}

// WithSweepTx implements subsync.SweepStore. Firestore may run fn more than
// once when the transaction contends with a concurrent write; only the last
// attempt is committed.
func (s *Storage) WithSweepTx(ctx context.Context, fn func(tx subsync.SweepTx) error) (err error) {
	defer s.track("sweep_tx")(&err)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		stx := &sweepTx{s: s, tx: tx, unlisted: make(map[string]*firestore.DocumentRef)}
		if err := fn(stx); err != nil {
			return err
		}
		return stx.flush()
	})
}

// sweepTx buffers charter updates until fn returns, since a Firestore
// transaction must finish its reads before it writes.
type sweepTx struct {
	s        *Storage
	tx       *firestore.Transaction
	unlisted map[string]*firestore.DocumentRef
}

func (t *sweepTx) LapsedSubscriptions(_ context.Context, now time.Time) ([]subsync.Subscription, error) {
	docs, err := t.tx.Documents(t.s.client.Collection(t.s.config.SubscriptionsCollection).
		Where("status", "in", []string{string(subsync.StatusPastDue), string(subsync.StatusPending)})).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query lapsed subscriptions: %w", err)
	}

	var out []subsync.Subscription
	for _, doc := range docs {
		sub := subscriptionFromDoc(doc)
		if sub.Lapsed(now) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (t *sweepTx) CaptainsForUsers(_ context.Context, userIDs []string) ([]string, error) {
	var ids []string
	for _, chunk := range chunks(userIDs, maxInValues) {
		docs, err := t.tx.Documents(t.s.client.Collection(t.s.config.CaptainsCollection).
			Where("userId", "in", chunk)).GetAll()
		if err != nil {
			return nil, fmt.Errorf("failed to query captains: %w", err)
		}
		for _, doc := range docs {
			ids = append(ids, doc.Ref.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *sweepTx) UnlistCharters(_ context.Context, captainIDs []string) (int, error) {
	n := 0
	for _, chunk := range chunks(captainIDs, maxInValues) {
		docs, err := t.tx.Documents(t.s.client.Collection(t.s.config.ChartersCollection).
			Where("captainId", "in", chunk).
			Where("isListed", "==", true)).GetAll()
		if err != nil {
			return 0, fmt.Errorf("failed to query charters: %w", err)
		}
		for _, doc := range docs {
			if _, done := t.unlisted[doc.Ref.ID]; done {
				continue
			}
			t.unlisted[doc.Ref.ID] = doc.Ref
			n++
		}
	}
	return n, nil
}

func (t *sweepTx) flush() error {
	for _, ref := range t.unlisted {
		if err := t.tx.Update(ref, []firestore.Update{{Path: "isListed", Value: false}}); err != nil {
			return fmt.Errorf("failed to unlist charter %s: %w", ref.ID, err)
		}
	}
	return nil
}

func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func optionalTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func zeroAsNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
