package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Claim implements subsync.EventInbox. An unprocessed claim older than
// ClaimTimeout is taken over.
func (s *Storage) Claim(ctx context.Context, provider, eventID, eventType string) (result subsync.ClaimResult, err error) {
	defer s.track("inbox_claim")(&err)

	now := s.now().UTC()
	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO billing_webhook_events (provider, event_id, event_type, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO UPDATE SET received_at = EXCLUDED.received_at
			WHERE billing_webhook_events.processed_at IS NULL
			  AND billing_webhook_events.received_at < $5
		RETURNING event_id`,
		provider, eventID, eventType, now, now.Add(-s.config.ClaimTimeout),
	).Scan(&id)
	if err == nil {
		return subsync.ClaimAcquired, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return subsync.ClaimInFlight, fmt.Errorf("failed to claim event: %w", err)
	}

	var processed bool
	err = s.pool.QueryRow(ctx,
		`SELECT processed_at IS NOT NULL FROM billing_webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID,
	).Scan(&processed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// released between the two statements
		return subsync.ClaimInFlight, nil
	case err != nil:
		return subsync.ClaimInFlight, fmt.Errorf("failed to read event claim: %w", err)
	case processed:
		return subsync.ClaimProcessed, nil
	default:
		return subsync.ClaimInFlight, nil
	}
}

// MarkProcessed implements subsync.EventInbox
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string) (err error) {
	defer s.track("inbox_mark_processed")(&err)

	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_webhook_events SET processed_at = $3 WHERE provider = $1 AND event_id = $2`,
		provider, eventID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrNotFound
	}
	return nil
}

// Release implements subsync.EventInbox. Processed events are kept.
func (s *Storage) Release(ctx context.Context, provider, eventID string) (err error) {
	defer s.track("inbox_release")(&err)

	_, err = s.pool.Exec(ctx,
		`DELETE FROM billing_webhook_events WHERE provider = $1 AND event_id = $2 AND processed_at IS NULL`,
		provider, eventID)
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}
