package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func (s *Storage) eventDoc(provider, eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.EventsCollection).Doc(provider + ":" + eventID)
}

// Claim implements subsync.EventInbox. An unprocessed claim older than
// ClaimTimeout is taken over.
func (s *Storage) Claim(ctx context.Context, provider, eventID, eventType string) (result subsync.ClaimResult, err error) {
	defer s.track("inbox_claim")(&err)

	doc := s.eventDoc(provider, eventID)
	now := s.now().UTC()
	claim := map[string]interface{}{
		"provider":   provider,
		"eventId":    eventID,
		"eventType":  eventType,
		"receivedAt": now,
	}

	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err != nil || !snap.Exists() {
			result = subsync.ClaimAcquired
			return tx.Create(doc, claim)
		}

		data := snap.Data()
		switch {
		case !getTime(data, "processedAt").IsZero():
			result = subsync.ClaimProcessed
			return nil
		case getTime(data, "receivedAt").Before(now.Add(-s.config.ClaimTimeout)):
			result = subsync.ClaimAcquired
			return tx.Set(doc, claim)
		default:
			result = subsync.ClaimInFlight
			return nil
		}
	})
	if err != nil {
		return subsync.ClaimInFlight, fmt.Errorf("failed to claim event: %w", err)
	}
	return result, nil
}

// MarkProcessed implements subsync.EventInbox
func (s *Storage) MarkProcessed(ctx context.Context, provider, eventID string) (err error) {
	defer s.track("inbox_mark_processed")(&err)

	_, err = s.eventDoc(provider, eventID).Update(ctx, []firestore.Update{
		{Path: "processedAt", Value: s.now().UTC()},
	})
	if isNotFound(err) {
		return subsync.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Release implements subsync.EventInbox. Processed events are kept.
func (s *Storage) Release(ctx context.Context, provider, eventID string) (err error) {
	defer s.track("inbox_release")(&err)

	doc := s.eventDoc(provider, eventID)
	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !snap.Exists() || !getTime(snap.Data(), "processedAt").IsZero() {
			return nil
		}
		return tx.Delete(doc)
	})
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// Cleanup deletes processed inbox events older than the retention window.
func (s *Storage) Cleanup(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.config.EventRetention)
	docs, err := s.client.Collection(s.config.EventsCollection).
		Where("processedAt", "<", cutoff).
		Documents(ctx).
		GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to query webhook events: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	bw := s.client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to delete webhook event: %w", err)
		}
	}
	bw.End()
	return len(docs), nil
}
