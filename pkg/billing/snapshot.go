package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Snapshot is a provider subscription reduced to the fields the engine
// persists. Provider payloads are full snapshots, never deltas.
type Snapshot struct {
	ID                 string
	CustomerID         string
	ProviderStatus     string
	Status             subsync.Status
	PriceID            string
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

// View is the canonical subscription shape returned to every caller.
type View struct {
	ID                string         `json:"id"`
	Status            subsync.Status `json:"status"`
	CurrentPeriodEnd  *time.Time     `json:"current_period_end"`
	TrialEnd          *time.Time     `json:"trial_end"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
}

// rawSubscription mirrors the subscription object as it appears on the wire.
// Period bounds moved from the top level into the items across API versions,
// so both locations are decoded.
type rawSubscription struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	TrialStart         int64             `json:"trial_start"`
	TrialEnd           int64             `json:"trial_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              *struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// expandableID decodes a reference that is either a bare id string or an
// expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// ParseSnapshot normalizes a raw subscription object.
//
// Field precedence for the period bounds: the top-level current_period_start
// and current_period_end win when non-zero, otherwise the first subscription
// item's values are used.
func ParseSnapshot(raw []byte) (*Snapshot, error) {
	var rs rawSubscription
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	if rs.ID == "" {
		return nil, fmt.Errorf("%w: subscription id missing", ErrInvalidWebhookPayload)
	}

	snap := &Snapshot{
		ID:                rs.ID,
		CustomerID:        string(rs.Customer),
		ProviderStatus:    rs.Status,
		Status:            MapStatus(rs.Status),
		TrialStart:        unixPtr(rs.TrialStart),
		TrialEnd:          unixPtr(rs.TrialEnd),
		CancelAtPeriodEnd: rs.CancelAtPeriodEnd,
		Metadata:          rs.Metadata,
	}

	periodStart, periodEnd := rs.CurrentPeriodStart, rs.CurrentPeriodEnd
	if len(rs.Items.Data) > 0 {
		first := rs.Items.Data[0]
		if periodStart == 0 {
			periodStart = first.CurrentPeriodStart
		}
		if periodEnd == 0 {
			periodEnd = first.CurrentPeriodEnd
		}
		if first.Price != nil {
			snap.PriceID = first.Price.ID
		}
	}
	if periodStart > 0 {
		snap.CurrentPeriodStart = time.Unix(periodStart, 0).UTC()
	}
	if periodEnd > 0 {
		snap.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}

	return snap, nil
}

// MapStatus maps a provider subscription status onto the local status set.
// Anything unrecognized maps to pending so it fails closed under the sweep.
func MapStatus(providerStatus string) subsync.Status {
	switch providerStatus {
	case "active":
		return subsync.StatusActive
	case "trialing":
		return subsync.StatusTrialing
	case "past_due", "unpaid":
		return subsync.StatusPastDue
	case "canceled", "incomplete_expired":
		return subsync.StatusCanceled
	default:
		return subsync.StatusPending
	}
}

// View returns the canonical shape of the snapshot.
func (s *Snapshot) View() *View {
	v := &View{
		ID:                s.ID,
		Status:            s.Status,
		TrialEnd:          s.TrialEnd,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
	}
	if !s.CurrentPeriodEnd.IsZero() {
		end := s.CurrentPeriodEnd
		v.CurrentPeriodEnd = &end
	}
	return v
}

// Record builds the local subscription row for userID.
func (s *Snapshot) Record(userID, planType string) *subsync.Subscription {
	return &subsync.Subscription{
		UserID:                 userID,
		ProviderSubscriptionID: s.ID,
		ProviderCustomerID:     s.CustomerID,
		Status:                 s.Status,
		PlanType:               planType,
		TrialStart:             s.TrialStart,
		TrialEnd:               s.TrialEnd,
		CurrentPeriodStart:     s.CurrentPeriodStart,
		CurrentPeriodEnd:       s.CurrentPeriodEnd,
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
	}
}

// ViewOf returns the canonical shape of a stored subscription row.
func ViewOf(sub *subsync.Subscription) *View {
	if sub == nil {
		return nil
	}
	v := &View{
		ID:                sub.ProviderSubscriptionID,
		Status:            sub.Status,
		TrialEnd:          sub.TrialEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		v.CurrentPeriodEnd = &end
	}
	return v
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
