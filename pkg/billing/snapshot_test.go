package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestParseSnapshot_TopLevelPeriodWins(t *testing.T) {
	raw := []byte(`{
		"id": "sub_123",
		"customer": "cus_1",
		"status": "active",
		"current_period_start": 1700000000,
		"current_period_end": 1702592000,
		"cancel_at_period_end": false,
		"items": {"data": [{"current_period_start": 1, "current_period_end": 2, "price": {"id": "price_abc"}}]}
	}`)

	snap, err := ParseSnapshot(raw)
	require.NoError(t, err)

	assert.Equal(t, "sub_123", snap.ID)
	assert.Equal(t, "cus_1", snap.CustomerID)
	assert.Equal(t, subsync.StatusActive, snap.Status)
	assert.Equal(t, "price_abc", snap.PriceID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), snap.CurrentPeriodStart)
	assert.Equal(t, time.Unix(1702592000, 0).UTC(), snap.CurrentPeriodEnd)
	assert.Nil(t, snap.TrialEnd)
}

func TestParseSnapshot_FallsBackToFirstItem(t *testing.T) {
	raw := []byte(`{
		"id": "sub_123",
		"customer": {"id": "cus_obj", "object": "customer"},
		"status": "trialing",
		"trial_start": 1700000000,
		"trial_end": 1701209600,
		"items": {"data": [
			{"current_period_start": 1700000000, "current_period_end": 1701209600},
			{"current_period_start": 5, "current_period_end": 6}
		]}
	}`)

	snap, err := ParseSnapshot(raw)
	require.NoError(t, err)

	assert.Equal(t, "cus_obj", snap.CustomerID)
	assert.Equal(t, subsync.StatusTrialing, snap.Status)
	assert.Equal(t, time.Unix(1701209600, 0).UTC(), snap.CurrentPeriodEnd)
	require.NotNil(t, snap.TrialEnd)
	assert.Equal(t, time.Unix(1701209600, 0).UTC(), *snap.TrialEnd)

	view := snap.View()
	assert.Equal(t, "sub_123", view.ID)
	require.NotNil(t, view.CurrentPeriodEnd)
	assert.Equal(t, snap.CurrentPeriodEnd, *view.CurrentPeriodEnd)
}

func TestParseSnapshot_Invalid(t *testing.T) {
	_, err := ParseSnapshot([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidWebhookPayload)

	_, err = ParseSnapshot([]byte(`{"status":"active"}`))
	assert.ErrorIs(t, err, ErrInvalidWebhookPayload)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]subsync.Status{
		"active":             subsync.StatusActive,
		"trialing":           subsync.StatusTrialing,
		"past_due":           subsync.StatusPastDue,
		"unpaid":             subsync.StatusPastDue,
		"canceled":           subsync.StatusCanceled,
		"incomplete_expired": subsync.StatusCanceled,
		"incomplete":         subsync.StatusPending,
		"paused":             subsync.StatusPending,
		"":                   subsync.StatusPending,
		"something_new":      subsync.StatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), in)
	}
}

func TestSnapshotRecord(t *testing.T) {
	end := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		ID:                "sub_1",
		CustomerID:        "cus_1",
		Status:            subsync.StatusPastDue,
		CurrentPeriodEnd:  end,
		CancelAtPeriodEnd: true,
	}

	rec := snap.Record("user-1", "captain_monthly")
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "sub_1", rec.ProviderSubscriptionID)
	assert.Equal(t, "cus_1", rec.ProviderCustomerID)
	assert.Equal(t, "captain_monthly", rec.PlanType)
	assert.True(t, rec.CancelAtPeriodEnd)

	view := ViewOf(rec)
	assert.Equal(t, snap.View(), view)
	assert.Nil(t, ViewOf(nil))
}
