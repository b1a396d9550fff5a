package stripe

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	webhookBodyLimit         = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultPlanType          = "captain_monthly"
)

// WebhookConfig configures the webhook endpoint.
type WebhookConfig struct {
	// Secret is the endpoint signing secret (whsec_...). When empty the
	// endpoint answers 503 without processing anything.
	Secret string

	// Client fetches full subscription snapshots for checkout events and
	// verifies signatures. When nil, signatures are verified locally and
	// checkout events fail with billing.ErrProviderNotConfigured.
	Client billing.Client

	Users         subsync.UserStore
	Subscriptions subsync.SubscriptionStore

	// Inbox rejects replays of an already processed event id. Optional.
	Inbox subsync.EventInbox

	// PlanType is recorded on rows whose snapshot carries no plan_type metadata.
	PlanType string

	// OnPaymentFailed is called for invoice.payment_failed events of known users.
	OnPaymentFailed func(ctx context.Context, failure billing.PaymentFailure)

	RateLimitRequests int
	RateLimitWindow   time.Duration

	Logger  subsync.Logger
	Metrics billing.Metrics
}

// WebhookHandler ingests Stripe webhook deliveries.
type WebhookHandler struct {
	secret          string
	client          billing.Client
	users           subsync.UserStore
	subscriptions   subsync.SubscriptionStore
	inbox           subsync.EventInbox
	planType        string
	onPaymentFailed func(ctx context.Context, failure billing.PaymentFailure)
	rateLimiter     *internal.RateLimiter
	logger          subsync.Logger
	metrics         billing.Metrics
	verify          func(payload []byte, sig, secret string) (*billing.Event, error)
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	limit := cfg.RateLimitRequests
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	planType := cfg.PlanType
	if planType == "" {
		planType = defaultPlanType
	}

	h := &WebhookHandler{
		secret:          strings.TrimSpace(cfg.Secret),
		client:          cfg.Client,
		users:           cfg.Users,
		subscriptions:   cfg.Subscriptions,
		inbox:           cfg.Inbox,
		planType:        planType,
		onPaymentFailed: cfg.OnPaymentFailed,
		rateLimiter:     internal.NewRateLimiter(limit, window),
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		verify:          VerifyEvent,
	}
	if h.logger == nil {
		h.logger = &subsync.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &billing.NoopMetrics{}
	}
	if cfg.Client != nil {
		h.verify = cfg.Client.VerifyEvent
	}
	return h
}

// Handler returns the rate limited endpoint.
func (h *WebhookHandler) Handler() http.Handler {
	return h.rateLimiter.Middleware(h)
}

// ServeHTTP verifies the delivery, claims the event id and dispatches it.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if h.secret == "" {
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook not configured"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(providerName, "payload_too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, webhookErrorResponse{Error: "payload too large"})
			return
		}
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	event, err := h.verify(body, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		h.metrics.RecordWebhookError(providerName, "auth_failed")
		h.logger.Warn("stripe webhook rejected",
			subsync.Field{Key: "error", Value: err.Error()},
			subsync.Field{Key: "remote_ip", Value: internal.ClientIP(r)},
		)
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid signature"})
		return
	}

	ctx := r.Context()
	eventType := event.Type
	if eventType == "" {
		eventType = "unknown"
	}
	defer func() {
		h.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	}()

	if h.inbox != nil {
		claim, err := h.inbox.Claim(ctx, providerName, event.ID, event.Type)
		if err != nil {
			h.fail(w, event, "inbox_error", err)
			return
		}
		switch claim {
		case subsync.ClaimProcessed:
			h.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
			h.logger.Info("stripe webhook duplicate ignored",
				subsync.Field{Key: "event_id", Value: event.ID},
				subsync.Field{Key: "type", Value: event.Type},
			)
			writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Duplicate: true})
			return
		case subsync.ClaimInFlight:
			// Not acknowledged: the delivery holding the claim may still fail.
			h.metrics.RecordWebhookEvent(providerName, eventType, "in_flight")
			h.logger.Info("stripe webhook event already in flight",
				subsync.Field{Key: "event_id", Value: event.ID},
				subsync.Field{Key: "type", Value: event.Type},
			)
			writeJSON(w, http.StatusConflict, webhookErrorResponse{Error: "event is being processed"})
			return
		}
	}

	handled, err := h.dispatch(ctx, event)
	if err != nil {
		if h.inbox != nil {
			if relErr := h.inbox.Release(ctx, providerName, event.ID); relErr != nil {
				h.logger.Error("stripe webhook inbox release failed",
					subsync.Field{Key: "event_id", Value: event.ID},
					subsync.Field{Key: "error", Value: relErr.Error()},
				)
			}
		}
		h.fail(w, event, "processing_error", err)
		return
	}

	if h.inbox != nil {
		if err := h.inbox.MarkProcessed(ctx, providerName, event.ID); err != nil {
			// the handlers already converged; a redelivery replays idempotently
			h.logger.Warn("stripe webhook mark processed failed",
				subsync.Field{Key: "event_id", Value: event.ID},
				subsync.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	status := "success"
	if !handled {
		status = "ignored"
	}
	h.metrics.RecordWebhookEvent(providerName, eventType, status)
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) fail(w http.ResponseWriter, event *billing.Event, errorType string, err error) {
	h.logger.Error("stripe webhook processing failed",
		subsync.Field{Key: "event_id", Value: event.ID},
		subsync.Field{Key: "type", Value: event.Type},
		subsync.Field{Key: "error", Value: err.Error()},
	)
	h.metrics.RecordWebhookEvent(providerName, event.Type, "error")
	h.metrics.RecordWebhookError(providerName, errorType)
	writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
}

// dispatch routes the event to its handler. It reports false for event
// types the engine does not handle.
func (h *WebhookHandler) dispatch(ctx context.Context, event *billing.Event) (bool, error) {
	switch event.Type {
	case billing.EventCheckoutSessionCompleted:
		return true, h.handleCheckoutCompleted(ctx, event)
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated:
		return true, h.handleSubscriptionUpdated(ctx, event)
	case billing.EventSubscriptionDeleted:
		return true, h.handleSubscriptionDeleted(ctx, event)
	case billing.EventInvoicePaymentFailed:
		return true, h.handlePaymentFailed(ctx, event)
	default:
		h.logger.Info("stripe webhook ignored (unhandled type)",
			subsync.Field{Key: "event_id", Value: event.ID},
			subsync.Field{Key: "type", Value: event.Type},
		)
		return false, nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	_ = internal.WriteJSON(w, status, payload)
}
