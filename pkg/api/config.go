package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/controlplane"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Service is the control plane the handler delegates to.
type Service interface {
	Create(ctx context.Context, userID string) (*controlplane.CreateResult, error)
	Get(ctx context.Context, userID string) (*billing.View, error)
	Cancel(ctx context.Context, userID string) (*billing.View, error)
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Service is the control plane (required)
	Service Service

	// GetUserID extracts the session user ID from the request (required).
	// An empty result is answered with 401.
	GetUserID func(*http.Request) string

	// OnError handles errors. If nil, errors are written as
	// {"error": <generic message>, "code": <stable code>}.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger receives the upstream error text that is never sent to clients.
	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
