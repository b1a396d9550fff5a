package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func countAll(error) bool { return true }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	var states []CircuitBreakerState
	cb := NewCircuitBreaker(3, time.Minute, func(s CircuitBreakerState) { states = append(states, s) })

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errTransient }, countAll)
		assert.ErrorIs(t, err, errTransient)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil }, countAll)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []CircuitBreakerState{StateOpen}, states)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 30*time.Second, nil)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errTransient }, countAll)
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(func() error { return nil }, countAll)
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeFails(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, 30*time.Second, nil)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errTransient }, countAll)
	now = now.Add(31 * time.Second)

	_ = cb.Execute(func() error { return errTransient }, countAll)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IgnoresUncountedErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, nil)
	rejected := errors.New("rejected")

	err := cb.Execute(func() error { return rejected }, func(error) bool { return false })
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, StateClosed, cb.State())
}
