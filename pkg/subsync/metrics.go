package subsync

import "time"

// Metrics defines the interface for tracking sweep runs and store operations.
type Metrics interface {
	// RecordSweep records one completed sweep run with its counts.
	RecordSweep(subscriptions, captains, charters int, duration time.Duration)

	// RecordSweepError records a failed sweep run.
	RecordSweepError(reason string)

	// RecordSweepSkipped records a tick skipped by the running guard.
	RecordSweepSkipped()

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordSweep(_, _, _ int, _ time.Duration)                  {}
func (n *NoopMetrics) RecordSweepError(_ string)                                 {}
func (n *NoopMetrics) RecordSweepSkipped()                                       {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
