//go:build integration
// +build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const testProjectID = "test-project"

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// setupTestStorage returns a store on collections unique to this test.
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupFirestoreClient(t)

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	s, err := New(client, Config{
		UsersCollection:         "test_users_" + suffix,
		CaptainsCollection:      "test_captains_" + suffix,
		ChartersCollection:      "test_charters_" + suffix,
		SubscriptionsCollection: "test_subscriptions_" + suffix,
		EventsCollection:        "test_events_" + suffix,
	})
	require.NoError(t, err)
	return s
}

func seedUser(t *testing.T, s *Storage, id, customerID string) {
	t.Helper()
	_, err := s.client.Collection(s.config.UsersCollection).Doc(id).Set(context.Background(), map[string]interface{}{
		"email":             id + "@example.com",
		"name":              id,
		"billingCustomerId": customerID,
	})
	require.NoError(t, err)
}

func seedCaptain(t *testing.T, s *Storage, id, userID string, charters ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.client.Collection(s.config.CaptainsCollection).Doc(id).Set(ctx, map[string]interface{}{"userId": userID})
	require.NoError(t, err)
	for _, ch := range charters {
		_, err := s.client.Collection(s.config.ChartersCollection).Doc(ch).Set(ctx, map[string]interface{}{
			"captainId": id,
			"isListed":  true,
		})
		require.NoError(t, err)
	}
}

func listed(t *testing.T, s *Storage, charterID string) bool {
	t.Helper()
	snap, err := s.client.Collection(s.config.ChartersCollection).Doc(charterID).Get(context.Background())
	require.NoError(t, err)
	return getBool(snap.Data(), "isListed")
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestStorage_Users(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	seedUser(t, s, "user-1", "cus_1")

	u, err := s.GetUserByCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)

	_, err = s.GetUserByCustomerID(ctx, "cus_missing")
	assert.ErrorIs(t, err, subsync.ErrNotFound)
	_, err = s.GetUser(ctx, "user-missing")
	assert.ErrorIs(t, err, subsync.ErrNotFound)

	require.NoError(t, s.BindSubscription(ctx, "user-1", "sub_1"))
	require.NoError(t, s.SetBillingCustomerID(ctx, "user-1", "cus_2"))
	u, err = s.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", u.BillingSubscriptionID)
	assert.Equal(t, "cus_2", u.BillingCustomerID)

	assert.ErrorIs(t, s.BindSubscription(ctx, "user-missing", "sub_1"), subsync.ErrNotFound)
}

func TestStorage_UpsertKeepsIdentity(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	trialEnd := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	sub := &subsync.Subscription{
		UserID:                 "user-1",
		ProviderSubscriptionID: "sub_1",
		ProviderCustomerID:     "cus_1",
		Status:                 subsync.StatusPending,
		PlanType:               "captain_monthly",
		TrialEnd:               &trialEnd,
	}
	require.NoError(t, s.UpsertSubscription(ctx, sub))
	firstID, firstCreated := sub.ID, sub.CreatedAt
	require.NotEmpty(t, firstID)

	replay := &subsync.Subscription{
		UserID:                 "user-1",
		ProviderSubscriptionID: "sub_1",
		ProviderCustomerID:     "cus_1",
		Status:                 subsync.StatusActive,
		PlanType:               "captain_monthly",
		CancelAtPeriodEnd:      true,
	}
	require.NoError(t, s.UpsertSubscription(ctx, replay))
	assert.Equal(t, firstID, replay.ID)
	assert.True(t, firstCreated.Equal(replay.CreatedAt))

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusActive, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
	assert.Nil(t, got.TrialEnd)

	require.NoError(t, s.MarkSubscriptionCanceled(ctx, "sub_1"))
	got, err = s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, got.Status)
	assert.False(t, got.CancelAtPeriodEnd)

	assert.ErrorIs(t, s.MarkSubscriptionCanceled(ctx, "sub_missing"), subsync.ErrNotFound)
}

func TestStorage_IsCaptain(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	seedCaptain(t, s, "cap-1", "user-1")

	ok, err := s.IsCaptain(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsCaptain(ctx, "user-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_SweepTx(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()
	expired := now.Add(-time.Hour)
	running := now.Add(24 * time.Hour)

	seedCaptain(t, s, "cap-late", "user-late", "ch_late")
	seedCaptain(t, s, "cap-trial", "user-trial", "ch_trial")
	seedCaptain(t, s, "cap-ok", "user-ok", "ch_ok")
	for _, sub := range []*subsync.Subscription{
		{UserID: "user-late", ProviderSubscriptionID: "sub_late", Status: subsync.StatusPastDue},
		{UserID: "user-trial", ProviderSubscriptionID: "sub_trial", Status: subsync.StatusPending, TrialEnd: &expired},
		{UserID: "user-ok", ProviderSubscriptionID: "sub_ok", Status: subsync.StatusPending, TrialEnd: &running},
	} {
		require.NoError(t, s.UpsertSubscription(ctx, sub))
	}

	var unlisted int
	err := s.WithSweepTx(ctx, func(tx subsync.SweepTx) error {
		subs, err := tx.LapsedSubscriptions(ctx, now)
		if err != nil {
			return err
		}
		userIDs := make([]string, 0, len(subs))
		for _, sub := range subs {
			userIDs = append(userIDs, sub.UserID)
		}
		captainIDs, err := tx.CaptainsForUsers(ctx, userIDs)
		if err != nil {
			return err
		}
		unlisted, err = tx.UnlistCharters(ctx, captainIDs)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 2, unlisted)
	assert.False(t, listed(t, s, "ch_late"))
	assert.False(t, listed(t, s, "ch_trial"))
	assert.True(t, listed(t, s, "ch_ok"))
}

func TestStorage_SweepTxRollsBack(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()
	seedCaptain(t, s, "cap-late", "user-late", "ch_late")

	boom := errors.New("boom")
	err := s.WithSweepTx(ctx, func(tx subsync.SweepTx) error {
		n, err := tx.UnlistCharters(ctx, []string{"cap-late"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, listed(t, s, "ch_late"))
}

func TestStorage_Inbox(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	res, err := s.Claim(ctx, "stripe", "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimAcquired, res)

	res, err = s.Claim(ctx, "stripe", "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimInFlight, res)

	require.NoError(t, s.Release(ctx, "stripe", "evt_1"))
	res, err = s.Claim(ctx, "stripe", "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimAcquired, res)

	require.NoError(t, s.MarkProcessed(ctx, "stripe", "evt_1"))
	require.NoError(t, s.Release(ctx, "stripe", "evt_1"))
	res, err = s.Claim(ctx, "stripe", "evt_1", "customer.subscription.updated")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimProcessed, res)

	assert.ErrorIs(t, s.MarkProcessed(ctx, "stripe", "evt_unknown"), subsync.ErrNotFound)
}

func TestStorage_InboxStaleClaim(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	start := time.Now().UTC()
	s.now = func() time.Time { return start }
	res, err := s.Claim(ctx, "stripe", "evt_stale", "invoice.payment_failed")
	require.NoError(t, err)
	require.Equal(t, subsync.ClaimAcquired, res)

	s.now = func() time.Time { return start.Add(s.config.ClaimTimeout + time.Minute) }
	res, err = s.Claim(ctx, "stripe", "evt_stale", "invoice.payment_failed")
	require.NoError(t, err)
	assert.Equal(t, subsync.ClaimAcquired, res)
}

func TestStorage_ConcurrentClaim(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	// kept small: contended transactions retry a bounded number of times
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Claim(ctx, "stripe", "evt_race", "customer.subscription.updated")
			assert.NoError(t, err)
			if res == subsync.ClaimAcquired {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func TestStorage_Cleanup(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	start := time.Now().UTC()
	s.now = func() time.Time { return start }
	_, err := s.Claim(ctx, "stripe", "evt_old", "x")
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(ctx, "stripe", "evt_old"))

	s.now = func() time.Time { return start.Add(s.config.EventRetention + time.Hour) }
	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
