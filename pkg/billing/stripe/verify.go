package stripe

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// VerifyEvent checks the Stripe-Signature header against the exact payload
// bytes and decodes the event envelope. Any failure wraps
// subsync.ErrSignatureInvalid.
func VerifyEvent(payload []byte, signatureHeader, secret string) (*billing.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing signature header", subsync.ErrSignatureInvalid)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", subsync.ErrSignatureInvalid, err)
	}

	ev := &billing.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		ev.Data = event.Data.Raw
	}
	return ev, nil
}
