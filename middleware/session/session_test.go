package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(Config{Secret: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	return m
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserID(r)))
	})
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestMiddleware_NoSession(t *testing.T) {
	m := newManager(t)

	rec := httptest.NewRecorder()
	m.Middleware(echoUser()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscription", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMiddleware_LoginRoundTrip(t *testing.T) {
	m := newManager(t)

	login := httptest.NewRecorder()
	require.NoError(t, m.Login(login, httptest.NewRequest(http.MethodPost, "/login", nil), "user_42"))
	cookies := login.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
	req.AddCookie(cookies[0])
	rec := httptest.NewRecorder()
	m.Middleware(echoUser()).ServeHTTP(rec, req)

	assert.Equal(t, "user_42", rec.Body.String())
}

func TestMiddleware_TamperedCookie(t *testing.T) {
	m := newManager(t)

	req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
	req.AddCookie(&http.Cookie{Name: defaultCookieName, Value: "forged"})
	rec := httptest.NewRecorder()
	m.Middleware(echoUser()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMiddleware_ForeignSecret(t *testing.T) {
	other, err := New(Config{Secret: []byte("another-secret-another-secret-00")})
	require.NoError(t, err)

	login := httptest.NewRecorder()
	require.NoError(t, other.Login(login, httptest.NewRequest(http.MethodPost, "/login", nil), "user_42"))

	req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
	req.AddCookie(login.Result().Cookies()[0])
	rec := httptest.NewRecorder()
	newManager(t).Middleware(echoUser()).ServeHTTP(rec, req)

	assert.Empty(t, rec.Body.String())
}

func TestLogout(t *testing.T) {
	m := newManager(t)

	rec := httptest.NewRecorder()
	require.NoError(t, m.Logout(rec, httptest.NewRequest(http.MethodPost, "/logout", nil)))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestWithUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUserID(req.Context(), "u1"))
	assert.Equal(t, "u1", UserID(req))
}
