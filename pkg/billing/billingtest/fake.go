// Package billingtest provides an in-memory billing.Client for tests.
package billingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Client is a fake billing.Client backed by maps. Set Err to make every call
// fail with it.
type Client struct {
	mu sync.Mutex

	customers     map[string]*billing.Customer
	subscriptions map[string]*billing.Snapshot
	seq           int

	// Now anchors trial and period timestamps.
	Now func() time.Time

	// Err, when set, is returned by every provider call.
	Err error

	// CreateSubscriptionDelay blocks CreateSubscription, for concurrency tests.
	CreateSubscriptionDelay time.Duration

	Calls map[string]int
}

var _ billing.Client = (*Client)(nil)

// New returns an empty fake.
func New() *Client {
	return &Client{
		customers:     make(map[string]*billing.Customer),
		subscriptions: make(map[string]*billing.Snapshot),
		Now:           time.Now,
		Calls:         make(map[string]int),
	}
}

func (c *Client) Name() string { return "fake" }

// CallCount returns how often op was called.
func (c *Client) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[op]
}

// PutSubscription installs or replaces a provider-side subscription.
func (c *Client) PutSubscription(snap billing.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[snap.ID] = &snap
}

func (c *Client) record(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls[op]++
	return c.Err
}

func (c *Client) CreateCustomer(_ context.Context, profile billing.CustomerProfile) (string, error) {
	if err := c.record("CreateCustomer"); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := fmt.Sprintf("cus_fake_%d", c.seq)
	c.customers[id] = &billing.Customer{ID: id, Email: profile.Email, Name: profile.Name, UserID: profile.UserID}
	return id, nil
}

func (c *Client) GetCustomer(_ context.Context, customerID string) (*billing.Customer, error) {
	if err := c.record("GetCustomer"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cust, ok := c.customers[customerID]
	if !ok {
		return nil, subsync.ErrNotFound
	}
	cp := *cust
	return &cp, nil
}

func (c *Client) CreateSubscription(ctx context.Context, customerID string, plan billing.PlanSpec,
	trialDays int) (*billing.CreatedSubscription, error) {
	if err := c.record("CreateSubscription"); err != nil {
		return nil, err
	}
	if c.CreateSubscriptionDelay > 0 {
		time.Sleep(c.CreateSubscriptionDelay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	now := c.Now().UTC().Truncate(time.Second)
	snap := &billing.Snapshot{
		ID:                 fmt.Sprintf("sub_fake_%d", c.seq),
		CustomerID:         customerID,
		ProviderStatus:     "incomplete",
		Status:             subsync.StatusPending,
		PriceID:            plan.PriceID,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Metadata:           map[string]string{"plan_type": plan.PlanType},
	}
	if trialDays > 0 {
		end := now.AddDate(0, 0, trialDays)
		snap.ProviderStatus = "trialing"
		snap.Status = subsync.StatusTrialing
		snap.TrialStart = &now
		snap.TrialEnd = &end
		snap.CurrentPeriodEnd = end
	}
	c.subscriptions[snap.ID] = snap

	cp := *snap
	return &billing.CreatedSubscription{Snapshot: &cp, ClientSecret: "seti_secret_" + snap.ID}, nil
}

func (c *Client) GetSubscription(_ context.Context, subscriptionID string) (*billing.Snapshot, error) {
	if err := c.record("GetSubscription"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.subscriptions[subscriptionID]
	if !ok {
		return nil, subsync.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (c *Client) SetCancelAtPeriodEnd(_ context.Context, subscriptionID string, cancel bool) (*billing.Snapshot, error) {
	if err := c.record("SetCancelAtPeriodEnd"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.subscriptions[subscriptionID]
	if !ok {
		return nil, subsync.ErrNotFound
	}
	snap.CancelAtPeriodEnd = cancel
	cp := *snap
	return &cp, nil
}

// VerifyEvent checks real Stripe signatures so tests can sign payloads with
// webhook.GenerateTestSignedPayload.
func (c *Client) VerifyEvent(payload []byte, signatureHeader, secret string) (*billing.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", subsync.ErrSignatureInvalid, err)
	}
	ev := &billing.Event{ID: event.ID, Type: string(event.Type), Created: time.Unix(event.Created, 0).UTC()}
	if event.Data != nil {
		ev.Data = event.Data.Raw
	}
	return ev, nil
}
