// Package memory provides an in-memory implementation of subsync.Store.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.Store using in-memory maps
type Storage struct {
	mu sync.RWMutex

	users         map[string]*subsync.User
	customerIndex map[string]string // customer id -> user id
	subscriptions map[string]*subsync.Subscription
	captains      map[string]*subsync.Captain
	captainByUser map[string]string
	charters      map[string]*subsync.Charter
	events        map[string]*inboxEntry

	now func() time.Time
}

type inboxEntry struct {
	eventType   string
	receivedAt  time.Time
	processedAt *time.Time
}

var _ subsync.Store = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*subsync.User),
		customerIndex: make(map[string]string),
		subscriptions: make(map[string]*subsync.Subscription),
		captains:      make(map[string]*subsync.Captain),
		captainByUser: make(map[string]string),
		charters:      make(map[string]*subsync.Charter),
		events:        make(map[string]*inboxEntry),
		now:           time.Now,
	}
}

// Ping always succeeds.
func (s *Storage) Ping(context.Context) error { return nil }

// PutUser inserts or replaces a user.
func (s *Storage) PutUser(u subsync.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.users[u.ID]; ok && old.BillingCustomerID != "" {
		delete(s.customerIndex, old.BillingCustomerID)
	}
	s.users[u.ID] = &u
	if u.BillingCustomerID != "" {
		s.customerIndex[u.BillingCustomerID] = u.ID
	}
}

// PutCaptain registers a captain profile.
func (s *Storage) PutCaptain(c subsync.Captain) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.captains[c.ID] = &c
	s.captainByUser[c.UserID] = c.ID
}

// PutCharter inserts or replaces a charter.
func (s *Storage) PutCharter(c subsync.Charter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.charters[c.ID] = &c
}

// GetCharter returns a copy of the charter.
func (s *Storage) GetCharter(_ context.Context, charterID string) (*subsync.Charter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.charters[charterID]
	if !ok {
		return nil, subsync.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetUser implements subsync.UserStore
func (s *Storage) GetUser(_ context.Context, userID string) (*subsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, subsync.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByCustomerID implements subsync.UserStore
func (s *Storage) GetUserByCustomerID(_ context.Context, customerID string) (*subsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.customerIndex[customerID]
	if !ok {
		return nil, subsync.ErrNotFound
	}
	cp := *s.users[userID]
	return &cp, nil
}

// SetBillingCustomerID implements subsync.UserStore
func (s *Storage) SetBillingCustomerID(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return subsync.ErrNotFound
	}
	if u.BillingCustomerID != "" {
		delete(s.customerIndex, u.BillingCustomerID)
	}
	u.BillingCustomerID = customerID
	if customerID != "" {
		s.customerIndex[customerID] = userID
	}
	return nil
}

// BindSubscription implements subsync.UserStore
func (s *Storage) BindSubscription(_ context.Context, userID, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return subsync.ErrNotFound
	}
	u.BillingSubscriptionID = subscriptionID
	return nil
}

// UpsertSubscription implements subsync.SubscriptionStore
func (s *Storage) UpsertSubscription(_ context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.subscriptions[sub.ProviderSubscriptionID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	cp := *sub
	s.subscriptions[sub.ProviderSubscriptionID] = &cp
	return nil
}

// GetSubscription implements subsync.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, providerSubscriptionID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, subsync.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// MarkSubscriptionCanceled implements subsync.SubscriptionStore
func (s *Storage) MarkSubscriptionCanceled(_ context.Context, providerSubscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[providerSubscriptionID]
	if !ok {
		return subsync.ErrNotFound
	}
	sub.Status = subsync.StatusCanceled
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = s.now().UTC()
	return nil
}

// SubscriptionCount returns the number of stored subscription rows.
func (s *Storage) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// IsCaptain implements subsync.CaptainDirectory
func (s *Storage) IsCaptain(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.captainByUser[userID]
	return ok, nil
}

// WithSweepTx implements subsync.SweepStore. The store is write locked for
// the whole run and charter changes are applied only when fn succeeds.
func (s *Storage) WithSweepTx(ctx context.Context, fn func(tx subsync.SweepTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &sweepTx{s: s, unlisted: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id := range tx.unlisted {
		s.charters[id].IsListed = false
	}
	return nil
}

// sweepTx runs with s.mu held.
type sweepTx struct {
	s        *Storage
	unlisted map[string]struct{}
}

func (tx *sweepTx) LapsedSubscriptions(_ context.Context, now time.Time) ([]subsync.Subscription, error) {
	var out []subsync.Subscription
	for _, sub := range tx.s.subscriptions {
		if sub.Lapsed(now) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderSubscriptionID < out[j].ProviderSubscriptionID })
	return out, nil
}

func (tx *sweepTx) CaptainsForUsers(_ context.Context, userIDs []string) ([]string, error) {
	var out []string
	for _, userID := range userIDs {
		if captainID, ok := tx.s.captainByUser[userID]; ok {
			out = append(out, captainID)
		}
	}
	return out, nil
}

func (tx *sweepTx) UnlistCharters(_ context.Context, captainIDs []string) (int, error) {
	owners := make(map[string]struct{}, len(captainIDs))
	for _, id := range captainIDs {
		owners[id] = struct{}{}
	}

	n := 0
	for id, c := range tx.s.charters {
		if _, ok := owners[c.CaptainID]; !ok || !c.IsListed {
			continue
		}
		if _, done := tx.unlisted[id]; done {
			continue
		}
		tx.unlisted[id] = struct{}{}
		n++
	}
	return n, nil
}

func eventKey(provider, eventID string) string {
	return provider + ":" + eventID
}

// Claim implements subsync.EventInbox
func (s *Storage) Claim(_ context.Context, provider, eventID, eventType string) (subsync.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(provider, eventID)
	if e, ok := s.events[key]; ok {
		if e.processedAt != nil {
			return subsync.ClaimProcessed, nil
		}
		return subsync.ClaimInFlight, nil
	}
	s.events[key] = &inboxEntry{eventType: eventType, receivedAt: s.now().UTC()}
	return subsync.ClaimAcquired, nil
}

// MarkProcessed implements subsync.EventInbox
func (s *Storage) MarkProcessed(_ context.Context, provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return subsync.ErrNotFound
	}
	now := s.now().UTC()
	e.processedAt = &now
	return nil
}

// Release implements subsync.EventInbox
func (s *Storage) Release(_ context.Context, provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(provider, eventID)
	if e, ok := s.events[key]; ok && e.processedAt == nil {
		delete(s.events, key)
	}
	return nil
}

// Processed reports whether the event was marked processed.
func (s *Storage) Processed(provider, eventID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[eventKey(provider, eventID)]
	return ok && e.processedAt != nil
}
