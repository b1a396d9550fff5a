package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestVerifyEvent(t *testing.T) {
	payload := eventPayload(t, "evt_42", billing.EventSubscriptionUpdated, subscriptionObject("active", false))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	ev, err := VerifyEvent(payload, signed.Header, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "evt_42", ev.ID)
	assert.Equal(t, billing.EventSubscriptionUpdated, ev.Type)

	snap, err := billing.ParseSnapshot(ev.Data)
	require.NoError(t, err)
	assert.Equal(t, "sub_123", snap.ID)
}

func TestVerifyEvent_Rejects(t *testing.T) {
	payload := eventPayload(t, "evt_42", billing.EventSubscriptionUpdated, subscriptionObject("active", false))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	_, err := VerifyEvent(payload, signed.Header, "whsec_other")
	assert.ErrorIs(t, err, subsync.ErrSignatureInvalid)

	_, err = VerifyEvent(payload, "", testSecret)
	assert.ErrorIs(t, err, subsync.ErrSignatureInvalid)

	stale := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now().Add(-time.Hour),
		Scheme:    "v1",
	})
	_, err = VerifyEvent(payload, stale.Header, testSecret)
	assert.ErrorIs(t, err, subsync.ErrSignatureInvalid)

	_, err = VerifyEvent(payload, signed.Header, "")
	assert.ErrorIs(t, err, subsync.ErrNotConfigured)
}
