package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/billingtest"
	"github.com/mihaimyh/subsync/pkg/controlplane"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

const (
	testUserID   = "user123"
	userIDHeader = "X-User-ID"
)

func newTestHandler(t *testing.T) (*Handler, *billingtest.Client) {
	t.Helper()
	store := memory.New()
	store.PutUser(subsync.User{ID: testUserID, Email: "captain@example.com"})
	store.PutCaptain(subsync.Captain{ID: "cap-1", UserID: testUserID})
	store.PutUser(subsync.User{ID: "customer", Email: "customer@example.com"})
	client := billingtest.New()

	svc, err := controlplane.New(controlplane.Config{
		Client:        client,
		Users:         store,
		Subscriptions: store,
		Captains:      store,
		PriceID:       "price_captain",
	})
	require.NoError(t, err)

	h, err := NewHandler(Config{Service: svc, GetUserID: FromHeader(userIDHeader)})
	require.NoError(t, err)
	return h, client
}

func do(h http.HandlerFunc, method, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewHandler_Validate(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
	_, err = NewHandler(Config{Service: &stubService{}})
	assert.Error(t, err)
}

func TestHandler_Unauthenticated(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, fn := range []http.HandlerFunc{h.CreateSubscription, h.GetSubscription, h.CancelSubscription} {
		rec := do(fn, http.MethodPost, "/subscription", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, subsync.CodeUnauthenticated, decodeError(t, rec).Code)
	}
}

func TestHandler_CreateGetCancel(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(h.GetSubscription, http.MethodGet, "/subscription", testUserID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subscription":null}`, rec.Body.String())

	rec = do(h.CreateSubscription, http.MethodPost, "/subscription/create", testUserID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created CreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotNil(t, created.Subscription)
	assert.Equal(t, subsync.StatusTrialing, created.Subscription.Status)
	assert.NotEmpty(t, created.ClientSecret)

	rec = do(h.CancelSubscription, http.MethodPost, "/subscription/cancel", testUserID)
	require.Equal(t, http.StatusOK, rec.Code)
	var canceled SubscriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canceled))
	assert.True(t, canceled.Subscription.CancelAtPeriodEnd)

	rec = do(h.GetSubscription, http.MethodGet, "/subscription", testUserID)
	require.Equal(t, http.StatusOK, rec.Code)
	var got SubscriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.Subscription.ID, got.Subscription.ID)
	assert.True(t, got.Subscription.CancelAtPeriodEnd)
}

func TestHandler_CancelForbiddenForNonCaptain(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := do(h.CancelSubscription, http.MethodPost, "/subscription/cancel", "customer")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, subsync.CodeForbidden, decodeError(t, rec).Code)
}

func TestHandler_ProviderErrorIsGeneric(t *testing.T) {
	h, client := newTestHandler(t)
	client.Err = fmt.Errorf("stripe: api.stripe.com timeout sk_live_leak: %w", subsync.ErrProviderUnavailable)

	rec := do(h.CreateSubscription, http.MethodPost, "/subscription/create", testUserID)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, subsync.CodeProviderUnavailable, resp.Code)
	assert.NotContains(t, rec.Body.String(), "stripe")
	assert.NotContains(t, rec.Body.String(), "sk_live")
}

type stubService struct {
	err error
}

func (s *stubService) Create(context.Context, string) (*controlplane.CreateResult, error) {
	return nil, s.err
}

func (s *stubService) Get(context.Context, string) (*billing.View, error) {
	return nil, s.err
}

func (s *stubService) Cancel(context.Context, string) (*billing.View, error) {
	return nil, s.err
}

func TestHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{subsync.ErrNotConfigured, http.StatusBadRequest, subsync.CodeNotConfigured},
		{billing.ErrProviderNotConfigured, http.StatusBadRequest, subsync.CodeNotConfigured},
		{fmt.Errorf("wrap: %w", subsync.ErrNotFound), http.StatusNotFound, subsync.CodeNotFound},
		{subsync.ErrForbidden, http.StatusForbidden, subsync.CodeForbidden},
		{billing.ErrCircuitOpen, http.StatusBadGateway, subsync.CodeProviderUnavailable},
		{errors.New("db down"), http.StatusInternalServerError, subsync.CodeInternal},
	}
	for _, tc := range cases {
		h, err := NewHandler(Config{Service: &stubService{err: tc.err}, GetUserID: FromHeader(userIDHeader)})
		require.NoError(t, err)

		rec := do(h.GetSubscription, http.MethodGet, "/subscription", testUserID)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, tc.code, decodeError(t, rec).Code)
	}
}

func TestHandler_OnError(t *testing.T) {
	called := false
	h, err := NewHandler(Config{
		Service:   &stubService{err: subsync.ErrForbidden},
		GetUserID: FromHeader(userIDHeader),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			called = true
			assert.ErrorIs(t, err, subsync.ErrForbidden)
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	rec := do(h.CancelSubscription, http.MethodPost, "/subscription/cancel", testUserID)
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestFromContext(t *testing.T) {
	type key struct{}
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Equal(t, "", FromContext(key{})(req))

	req = req.WithContext(context.WithValue(req.Context(), key{}, "u1"))
	assert.Equal(t, "u1", FromContext(key{})(req))
}
