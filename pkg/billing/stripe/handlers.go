package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// checkoutSession holds the fields of checkout.session.completed we use.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          ref               `json:"customer"`
	Subscription      ref               `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// invoice holds the fields of invoice.payment_failed we use. The
// subscription moved under parent.subscription_details in newer API versions.
type invoice struct {
	ID           string `json:"id"`
	Customer     ref    `json:"customer"`
	Subscription ref    `json:"subscription"`
	AttemptCount int64  `json:"attempt_count"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription ref `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// ref decodes an expandable reference: either an id string or an object.
type ref string

func (r *ref) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = ref(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = ref(obj.ID)
	return nil
}

// handleCheckoutCompleted binds a newly paid subscription. The session
// payload is not trusted as complete, the snapshot is fetched fresh.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event *billing.Event) error {
	var session checkoutSession
	if err := json.Unmarshal(event.Data, &session); err != nil {
		return fmt.Errorf("decode checkout.session: %w", err)
	}
	if session.Mode != "subscription" || session.Subscription == "" {
		h.logger.Debug("checkout session is not a subscription checkout",
			subsync.Field{Key: "session_id", Value: session.ID},
			subsync.Field{Key: "mode", Value: session.Mode},
		)
		return nil
	}
	if h.client == nil {
		return billing.ErrProviderNotConfigured
	}

	snap, err := h.client.GetSubscription(ctx, string(session.Subscription))
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", session.Subscription, err)
	}

	user, err := h.findUser(ctx, snap.CustomerID, string(session.Customer))
	if err != nil {
		return err
	}
	if user == nil && session.ClientReferenceID != "" {
		user, err = h.lookupUser(ctx, session.ClientReferenceID)
		if err != nil {
			return err
		}
	}
	if user == nil {
		h.unknownCustomer(event, snap.CustomerID, string(session.Customer))
		return nil
	}

	if err := h.upsert(ctx, user.ID, snap); err != nil {
		return err
	}
	if user.BillingCustomerID == "" && snap.CustomerID != "" {
		if err := h.users.SetBillingCustomerID(ctx, user.ID, snap.CustomerID); err != nil {
			return fmt.Errorf("bind customer for user %s: %w", user.ID, err)
		}
	}
	if err := h.users.BindSubscription(ctx, user.ID, snap.ID); err != nil {
		return fmt.Errorf("bind subscription for user %s: %w", user.ID, err)
	}

	h.logger.Info("checkout completed",
		subsync.Field{Key: "user_id", Value: user.ID},
		subsync.Field{Key: "subscription_id", Value: snap.ID},
		subsync.Field{Key: "status", Value: string(snap.Status)},
	)
	return nil
}

// handleSubscriptionUpdated applies a subscription snapshot from the payload.
func (h *WebhookHandler) handleSubscriptionUpdated(ctx context.Context, event *billing.Event) error {
	snap, err := billing.ParseSnapshot(event.Data)
	if err != nil {
		return err
	}

	user, err := h.resolveUser(ctx, event, snap.CustomerID)
	if err != nil || user == nil {
		return err
	}
	return h.upsert(ctx, user.ID, snap)
}

func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *billing.Event) error {
	snap, err := billing.ParseSnapshot(event.Data)
	if err != nil {
		return err
	}

	err = h.subscriptions.MarkSubscriptionCanceled(ctx, snap.ID)
	if errors.Is(err, subsync.ErrNotFound) {
		h.logger.Warn("deleted subscription has no local row",
			subsync.Field{Key: "event_id", Value: event.ID},
			subsync.Field{Key: "subscription_id", Value: snap.ID},
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel subscription %s: %w", snap.ID, err)
	}
	return nil
}

// handlePaymentFailed only notifies. The transition to past_due arrives
// through a later subscription update; the sweep covers the gap.
func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event *billing.Event) error {
	var inv invoice
	if err := json.Unmarshal(event.Data, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}

	user, err := h.resolveUser(ctx, event, string(inv.Customer))
	if err != nil || user == nil {
		return err
	}

	subscriptionID := string(inv.Subscription)
	if subscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
	}

	h.logger.Warn("invoice payment failed",
		subsync.Field{Key: "user_id", Value: user.ID},
		subsync.Field{Key: "invoice_id", Value: inv.ID},
		subsync.Field{Key: "subscription_id", Value: subscriptionID},
		subsync.Field{Key: "attempt_count", Value: inv.AttemptCount},
	)
	h.metrics.RecordWebhookEvent(providerName, event.Type, "payment_failed")

	if h.onPaymentFailed != nil {
		h.onPaymentFailed(ctx, billing.PaymentFailure{
			UserID:         user.ID,
			CustomerID:     string(inv.Customer),
			SubscriptionID: subscriptionID,
			InvoiceID:      inv.ID,
			AttemptCount:   inv.AttemptCount,
			EventID:        event.ID,
			EventTimestamp: event.Created,
		})
	}
	return nil
}

// resolveUser finds the local user for the first non-empty customer
// reference. An unknown customer is a data integrity anomaly: it is logged
// and (nil, nil) is returned so the provider stops redelivering.
func (h *WebhookHandler) resolveUser(ctx context.Context, event *billing.Event, customerIDs ...string) (*subsync.User, error) {
	user, err := h.findUser(ctx, customerIDs...)
	if err != nil {
		return nil, err
	}
	if user == nil {
		h.unknownCustomer(event, customerIDs...)
	}
	return user, nil
}

func (h *WebhookHandler) findUser(ctx context.Context, customerIDs ...string) (*subsync.User, error) {
	for _, customerID := range customerIDs {
		if customerID == "" {
			continue
		}
		user, err := h.users.GetUserByCustomerID(ctx, customerID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, subsync.ErrNotFound) {
			return nil, fmt.Errorf("resolve customer %s: %w", customerID, err)
		}
	}
	return nil, nil
}

func (h *WebhookHandler) unknownCustomer(event *billing.Event, customerIDs ...string) {
	h.metrics.RecordWebhookError(providerName, "data_integrity")
	h.logger.Warn("stripe event references unknown customer",
		subsync.Field{Key: "event_id", Value: event.ID},
		subsync.Field{Key: "type", Value: event.Type},
		subsync.Field{Key: "customers", Value: customerIDs},
		subsync.Field{Key: "error", Value: subsync.ErrDataIntegrity.Error()},
	)
}

func (h *WebhookHandler) lookupUser(ctx context.Context, userID string) (*subsync.User, error) {
	user, err := h.users.GetUser(ctx, userID)
	if errors.Is(err, subsync.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return user, nil
}

func (h *WebhookHandler) upsert(ctx context.Context, userID string, snap *billing.Snapshot) error {
	planType, err := h.planTypeFor(ctx, snap)
	if err != nil {
		return err
	}
	if err := h.subscriptions.UpsertSubscription(ctx, snap.Record(userID, planType)); err != nil {
		return fmt.Errorf("upsert subscription %s: %w", snap.ID, err)
	}
	return nil
}

// planTypeFor prefers the snapshot metadata, then the stored row, then the
// configured default.
func (h *WebhookHandler) planTypeFor(ctx context.Context, snap *billing.Snapshot) (string, error) {
	if pt := snap.Metadata["plan_type"]; pt != "" {
		return pt, nil
	}
	existing, err := h.subscriptions.GetSubscription(ctx, snap.ID)
	switch {
	case err == nil && existing.PlanType != "":
		return existing.PlanType, nil
	case err == nil, errors.Is(err, subsync.ErrNotFound):
		return h.planType, nil
	default:
		return "", fmt.Errorf("load subscription %s: %w", snap.ID, err)
	}
}
