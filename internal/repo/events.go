package repo

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tracegate/capture-gateway/internal/domain"
)

// EventStore is the reference capture.Persister: it writes accepted events
// to the captured_events table in one transaction and returns the assigned
// UUIDs in batch order.
//
// It performs no deduplication of its own. A worker that crashes between
// persisting and caching its capture result can cause a retried submission
// to land the same events twice; deduping by content-derived ID would close
// that window and is a known gap, not an accident.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore wraps db as a persister.
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// Persist implements capture.Persister.
func (s *EventStore) Persist(ctx context.Context, orgID string, events []domain.Event) ([]string, error) {
	rows := make([]domain.CapturedEvent, len(events))
	ids := make([]string, len(events))
	for i, ev := range events {
		var head struct {
			Type string `json:"type"`
		}
		// Structural validation ran upstream; a decode failure here means
		// the validator was bypassed, and the row still gets stored.
		_ = json.Unmarshal(ev, &head)

		id := uuid.NewString()
		ids[i] = id
		rows[i] = domain.CapturedEvent{
			ID:        id,
			OrgID:     orgID,
			EventType: head.Type,
			Payload:   []byte(ev),
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
