// Package session provides cookie-backed session authentication for the
// subscription endpoints. The authenticated user id is placed in the request
// context where api.Config.GetUserID can read it.
package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	defaultCookieName = "subsync_session"
	userIDValue       = "user_id"
)

type contextKey struct{}

// Config holds session middleware configuration
type Config struct {
	// Secret authenticates the session cookie (required)
	Secret []byte

	// CookieName defaults to "subsync_session"
	CookieName string

	// Secure marks the cookie HTTPS-only
	Secure bool

	// MaxAge in seconds. Default: 7 days
	MaxAge int

	Logger subsync.Logger
}

// Manager reads and writes authenticated sessions.
type Manager struct {
	store  *sessions.CookieStore
	name   string
	logger subsync.Logger
}

// New creates a session Manager.
func New(cfg Config) (*Manager, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 7 * 24 * 60 * 60
	}
	if cfg.Logger == nil {
		cfg.Logger = &subsync.NoopLogger{}
	}

	store := sessions.NewCookieStore(cfg.Secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   cfg.MaxAge,
		Secure:   cfg.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	return &Manager{store: store, name: cfg.CookieName, logger: cfg.Logger}, nil
}

// Middleware resolves the session cookie and stores the user id in the
// request context. Requests without a valid session pass through
// unauthenticated.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := m.store.Get(r, m.name)
		if err != nil {
			// Tampered or stale cookies decode to a fresh session.
			m.logger.Debug("session decode failed", subsync.Field{Key: "error", Value: err.Error()})
		}
		if sess != nil {
			if userID, ok := sess.Values[userIDValue].(string); ok && userID != "" {
				r = r.WithContext(context.WithValue(r.Context(), contextKey{}, userID))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Login binds userID to the session and writes the cookie.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, userID string) error {
	sess, _ := m.store.Get(r, m.name)
	sess.Values[userIDValue] = userID
	return sess.Save(r, w)
}

// Logout expires the session cookie.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	sess, _ := m.store.Get(r, m.name)
	delete(sess.Values, userIDValue)
	sess.Options.MaxAge = -1
	return sess.Save(r, w)
}

// UserID returns the authenticated user id, or "" when the request carries
// no session. It matches api.Config.GetUserID.
func UserID(r *http.Request) string {
	userID, _ := r.Context().Value(contextKey{}).(string)
	return userID
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}
