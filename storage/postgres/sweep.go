package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// WithSweepTx implements subsync.SweepStore. fn runs inside one transaction
// that is committed only when fn returns nil.
func (s *Storage) WithSweepTx(ctx context.Context, fn func(tx subsync.SweepTx) error) (err error) {
	defer s.track("sweep_tx")(&err)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("sweep rollback failed", subsync.Field{Key: "error", Value: rbErr.Error()})
		}
	}()

	if err := fn(&sweepTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sweepTx struct {
	tx pgx.Tx
}

// LapsedSubscriptions locks the selected rows so a concurrent webhook write
// waits for the sweep to finish.
func (t *sweepTx) LapsedSubscriptions(ctx context.Context, now time.Time) ([]subsync.Subscription, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = $1
			   OR (status = $2 AND (trial_end IS NULL OR trial_end < $3))
			ORDER BY user_id
			FOR UPDATE`,
		string(subsync.StatusPastDue), string(subsync.StatusPending), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query lapsed subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subsync.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lapsed subscriptions: %w", err)
	}
	return out, nil
}

func (t *sweepTx) CaptainsForUsers(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `SELECT id FROM captains WHERE user_id = ANY($1) ORDER BY id`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query captains: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read captains: %w", err)
	}
	return ids, nil
}

func (t *sweepTx) UnlistCharters(ctx context.Context, captainIDs []string) (int, error) {
	if len(captainIDs) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE charters SET is_listed = FALSE WHERE captain_id = ANY($1) AND is_listed`, captainIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to unlist charters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
