package billing

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = fmt.Errorf("billing provider not configured: %w", subsync.ErrNotConfigured)

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API rejects a request (not retryable)
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCircuitOpen is returned when the circuit breaker short-circuits a provider call
	ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", subsync.ErrProviderUnavailable)
)
