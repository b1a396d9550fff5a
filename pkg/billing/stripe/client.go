// Package stripe implements the billing client, webhook verification and
// event handlers on top of stripe-go.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	providerName            = "stripe"
	defaultHTTPTimeout      = 10 * time.Second
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	metadataUserID          = "user_id"
)

// Config configures the Stripe billing client.
type Config struct {
	APIKey string

	// HTTPClient overrides the client used for API calls. Defaults to a
	// client with a 10s timeout.
	HTTPClient *http.Client

	// BackendURL overrides the API base URL (tests, stripe-mock).
	BackendURL string

	// FailureThreshold and ResetTimeout configure the circuit breaker.
	FailureThreshold int
	ResetTimeout     time.Duration

	Metrics billing.Metrics
	Logger  subsync.Logger
}

// Client implements billing.Client for Stripe.
type Client struct {
	sc      *stripe.Client
	breaker *billing.CircuitBreaker
	metrics billing.Metrics
	logger  subsync.Logger
}

var _ billing.Client = (*Client)(nil)

// NewClient creates a Stripe client. It returns billing.ErrProviderNotConfigured
// when no API key is set.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	sc := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendCfg)))

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	reset := cfg.ResetTimeout
	if reset <= 0 {
		reset = defaultResetTimeout
	}

	c := &Client{sc: sc, metrics: metrics, logger: logger}
	c.breaker = billing.NewCircuitBreaker(threshold, reset, func(state billing.CircuitBreakerState) {
		metrics.RecordCircuitBreakerStateChange(providerName, string(state))
		logger.Warn("stripe circuit breaker state changed", subsync.Field{Key: "state", Value: string(state)})
	})
	return c, nil
}

// Name returns the provider name
func (c *Client) Name() string {
	return providerName
}

// CreateCustomer creates a customer carrying metadata.user_id.
func (c *Client) CreateCustomer(ctx context.Context, profile billing.CustomerProfile) (string, error) {
	params := &stripe.CustomerCreateParams{}
	if profile.Email != "" {
		params.Email = stripe.String(profile.Email)
	}
	if profile.Name != "" {
		params.Name = stripe.String(profile.Name)
	}
	params.AddMetadata(metadataUserID, profile.UserID)

	var cust *stripe.Customer
	err := c.call(ctx, "customers.create", func() (err error) {
		cust, err = c.sc.V1Customers.Create(ctx, params)
		return err
	})
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// GetCustomer retrieves a customer.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*billing.Customer, error) {
	var cust *stripe.Customer
	err := c.call(ctx, "customers.retrieve", func() (err error) {
		cust, err = c.sc.V1Customers.Retrieve(ctx, customerID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &billing.Customer{
		ID:      cust.ID,
		Email:   cust.Email,
		Name:    cust.Name,
		UserID:  cust.Metadata[metadataUserID],
		Deleted: cust.Deleted,
	}, nil
}

// CreateSubscription creates an incomplete subscription with a trial and
// returns the secret the frontend uses to collect a payment method.
func (c *Client) CreateSubscription(ctx context.Context, customerID string, plan billing.PlanSpec,
	trialDays int) (*billing.CreatedSubscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(plan.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	if trialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(trialDays))
	}
	params.AddExpand("pending_setup_intent")
	params.AddExpand("latest_invoice.confirmation_secret")
	if plan.PlanType != "" {
		params.AddMetadata("plan_type", plan.PlanType)
	}

	var sub *stripe.Subscription
	err := c.call(ctx, "subscriptions.create", func() (err error) {
		sub, err = c.sc.V1Subscriptions.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	snap, err := snapshotOf(sub)
	if err != nil {
		return nil, err
	}
	return &billing.CreatedSubscription{Snapshot: snap, ClientSecret: clientSecret(sub)}, nil
}

// GetSubscription retrieves the current snapshot of a subscription.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Snapshot, error) {
	var sub *stripe.Subscription
	err := c.call(ctx, "subscriptions.retrieve", func() (err error) {
		sub, err = c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshotOf(sub)
}

// SetCancelAtPeriodEnd toggles cancel_at_period_end.
func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*billing.Snapshot, error) {
	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(cancel)}

	var sub *stripe.Subscription
	err := c.call(ctx, "subscriptions.update", func() (err error) {
		sub, err = c.sc.V1Subscriptions.Update(ctx, subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshotOf(sub)
}

// VerifyEvent authenticates a webhook payload.
func (c *Client) VerifyEvent(payload []byte, signatureHeader, secret string) (*billing.Event, error) {
	return VerifyEvent(payload, signatureHeader, secret)
}

// call runs fn through the circuit breaker, records metrics and classifies
// the resulting error.
func (c *Client) call(ctx context.Context, endpoint string, fn func() error) error {
	start := time.Now()

	err := c.breaker.Execute(fn, isTransient)
	err = classify(ctx, err)

	c.metrics.RecordAPICall(providerName, endpoint, callStatus(err))
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		c.logger.Warn("stripe api call failed",
			subsync.Field{Key: "endpoint", Value: endpoint},
			subsync.Field{Key: "error", Value: err.Error()},
		)
	}
	return err
}

// isTransient reports whether err says something about provider health.
func isTransient(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, billing.ErrCircuitOpen) {
		return err
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("stripe: %s: %w", se.Msg, subsync.ErrNotFound)
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
			return fmt.Errorf("stripe: %s: %w", se.Msg, subsync.ErrProviderUnavailable)
		default:
			return fmt.Errorf("stripe: %s: %w", se.Msg, billing.ErrProviderAPIError)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("stripe: %v: %w", err, subsync.ErrProviderUnavailable)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, subsync.ErrNotFound):
		return "not_found"
	case errors.Is(err, subsync.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// snapshotOf normalizes an API response. The raw response body is preferred
// so the wire field precedence applies; a re-encoded struct is the fallback.
func snapshotOf(sub *stripe.Subscription) (*billing.Snapshot, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: empty subscription response", billing.ErrProviderAPIError)
	}
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		return billing.ParseSnapshot(sub.LastResponse.RawJSON)
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode subscription %s: %w", sub.ID, err)
	}
	return billing.ParseSnapshot(raw)
}

func clientSecret(sub *stripe.Subscription) string {
	if sub.PendingSetupIntent != nil && sub.PendingSetupIntent.ClientSecret != "" {
		return sub.PendingSetupIntent.ClientSecret
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		return sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	return ""
}
