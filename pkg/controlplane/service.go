// Package controlplane implements the synchronous subscription operations
// invoked by the application: create with trial, fetch and cancel.
//
// None of these operations touch charter visibility. The reconciliation
// sweep is the only billing-driven writer of that flag.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	defaultPlanType  = "captain_monthly"
	defaultTrialDays = 14
	createTimeout    = 30 * time.Second
)

// Config holds the dependencies of the control plane.
type Config struct {
	// Client talks to the billing provider. When nil every operation fails
	// with subsync.ErrNotConfigured.
	Client billing.Client

	Users         subsync.UserStore
	Subscriptions subsync.SubscriptionStore
	Captains      subsync.CaptainDirectory

	// PriceID is the provider price new subscriptions bill for.
	PriceID   string
	PlanType  string
	TrialDays int

	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Users == nil {
		return fmt.Errorf("user store is required")
	}
	if c.Subscriptions == nil {
		return fmt.Errorf("subscription store is required")
	}
	if c.Captains == nil {
		return fmt.Errorf("captain directory is required")
	}
	if c.TrialDays < 0 {
		return fmt.Errorf("trial days must not be negative")
	}
	return nil
}

// CreateResult is returned by Create.
type CreateResult struct {
	Subscription *billing.View `json:"subscription"`
	ClientSecret string        `json:"clientSecret,omitempty"`
}

// Service implements the control-plane operations.
type Service struct {
	client        billing.Client
	users         subsync.UserStore
	subscriptions subsync.SubscriptionStore
	captains      subsync.CaptainDirectory
	priceID       string
	planType      string
	trialDays     int
	logger        subsync.Logger

	creates singleflight.Group
}

// New creates the service.
func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := &Service{
		client:        cfg.Client,
		users:         cfg.Users,
		subscriptions: cfg.Subscriptions,
		captains:      cfg.Captains,
		priceID:       cfg.PriceID,
		planType:      cfg.PlanType,
		trialDays:     cfg.TrialDays,
		logger:        cfg.Logger,
	}
	if s.planType == "" {
		s.planType = defaultPlanType
	}
	if s.trialDays == 0 {
		s.trialDays = defaultTrialDays
	}
	if s.logger == nil {
		s.logger = &subsync.NoopLogger{}
	}
	return s, nil
}

// Create starts a trial subscription for the user. A bound subscription
// that the provider reports as active or trialing is returned unchanged.
// Concurrent calls for the same user share one execution.
func (s *Service) Create(ctx context.Context, userID string) (*CreateResult, error) {
	if userID == "" {
		return nil, subsync.ErrUnauthenticated
	}
	if s.client == nil || s.priceID == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	// The shared call outlives any single caller; each caller stops waiting
	// on its own context.
	ch := s.creates.DoChan(userID, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		return s.create(shared, userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CreateResult), nil
	}
}

func (s *Service) create(ctx context.Context, userID string) (*CreateResult, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}

	if user.BillingSubscriptionID != "" {
		snap, err := s.client.GetSubscription(ctx, user.BillingSubscriptionID)
		switch {
		case err == nil && snap.Status.Entitled():
			if err := s.store(ctx, userID, snap); err != nil {
				return nil, err
			}
			return &CreateResult{Subscription: snap.View()}, nil
		case err != nil && !errors.Is(err, subsync.ErrNotFound):
			return nil, fmt.Errorf("get subscription %s: %w", user.BillingSubscriptionID, err)
		}
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	created, err := s.client.CreateSubscription(ctx, customerID,
		billing.PlanSpec{PriceID: s.priceID, PlanType: s.planType}, s.trialDays)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	snap := created.Snapshot

	if err := s.users.BindSubscription(ctx, userID, snap.ID); err != nil {
		return nil, fmt.Errorf("bind subscription for user %s: %w", userID, err)
	}
	if err := s.store(ctx, userID, snap); err != nil {
		return nil, err
	}

	s.logger.Info("subscription created",
		subsync.Field{Key: "user_id", Value: userID},
		subsync.Field{Key: "subscription_id", Value: snap.ID},
		subsync.Field{Key: "status", Value: string(snap.Status)},
	)
	return &CreateResult{Subscription: snap.View(), ClientSecret: created.ClientSecret}, nil
}

// ensureCustomer reuses the stored customer unless the provider no longer
// knows it, otherwise creates and persists a new one.
func (s *Service) ensureCustomer(ctx context.Context, user *subsync.User) (string, error) {
	if user.BillingCustomerID != "" {
		cust, err := s.client.GetCustomer(ctx, user.BillingCustomerID)
		switch {
		case err == nil && !cust.Deleted:
			return cust.ID, nil
		case err != nil && !errors.Is(err, subsync.ErrNotFound):
			return "", fmt.Errorf("get customer %s: %w", user.BillingCustomerID, err)
		}
		s.logger.Warn("stored billing customer is gone, creating a new one",
			subsync.Field{Key: "user_id", Value: user.ID},
			subsync.Field{Key: "customer_id", Value: user.BillingCustomerID},
		)
	}

	customerID, err := s.client.CreateCustomer(ctx, billing.CustomerProfile{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	})
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	if err := s.users.SetBillingCustomerID(ctx, user.ID, customerID); err != nil {
		return "", fmt.Errorf("store customer for user %s: %w", user.ID, err)
	}
	return customerID, nil
}

// Get returns the normalized current subscription, or nil when the user has
// none bound. When the provider is unreachable the stored row is returned.
func (s *Service) Get(ctx context.Context, userID string) (*billing.View, error) {
	if userID == "" {
		return nil, subsync.ErrUnauthenticated
	}
	if s.client == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if user.BillingSubscriptionID == "" {
		return nil, nil
	}

	snap, err := s.client.GetSubscription(ctx, user.BillingSubscriptionID)
	switch {
	case err == nil:
		return snap.View(), nil
	case errors.Is(err, subsync.ErrNotFound):
		return nil, nil
	case errors.Is(err, subsync.ErrProviderUnavailable):
		local, lerr := s.subscriptions.GetSubscription(ctx, user.BillingSubscriptionID)
		if lerr != nil {
			return nil, fmt.Errorf("get subscription %s: %w", user.BillingSubscriptionID, err)
		}
		s.logger.Warn("billing provider unavailable, serving stored subscription",
			subsync.Field{Key: "user_id", Value: userID},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		return billing.ViewOf(local), nil
	default:
		return nil, fmt.Errorf("get subscription %s: %w", user.BillingSubscriptionID, err)
	}
}

// Cancel sets cancel_at_period_end on the caller's subscription. Only
// registered captains may cancel.
func (s *Service) Cancel(ctx context.Context, userID string) (*billing.View, error) {
	if userID == "" {
		return nil, subsync.ErrUnauthenticated
	}
	if s.client == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	isCaptain, err := s.captains.IsCaptain(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check captain role: %w", err)
	}
	if !isCaptain {
		return nil, subsync.ErrForbidden
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if user.BillingSubscriptionID == "" {
		return nil, fmt.Errorf("no subscription bound: %w", subsync.ErrNotFound)
	}

	snap, err := s.client.SetCancelAtPeriodEnd(ctx, user.BillingSubscriptionID, true)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription %s: %w", user.BillingSubscriptionID, err)
	}
	if err := s.store(ctx, userID, snap); err != nil {
		return nil, err
	}

	s.logger.Info("subscription set to cancel at period end",
		subsync.Field{Key: "user_id", Value: userID},
		subsync.Field{Key: "subscription_id", Value: snap.ID},
	)
	return snap.View(), nil
}

func (s *Service) store(ctx context.Context, userID string, snap *billing.Snapshot) error {
	planType := s.planType
	if pt := snap.Metadata["plan_type"]; pt != "" {
		planType = pt
	}
	if err := s.subscriptions.UpsertSubscription(ctx, snap.Record(userID, planType)); err != nil {
		return fmt.Errorf("upsert subscription %s: %w", snap.ID, err)
	}
	return nil
}
