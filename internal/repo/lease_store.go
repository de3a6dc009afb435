package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tracegate/capture-gateway/internal/domain"
	"github.com/tracegate/capture-gateway/internal/lease"
)

// LeaseStore is the SQL-backed lease.Store. Atomicity of set-if-absent rides
// on the primary key of lease_entries: INSERT ... ON CONFLICT DO NOTHING
// admits exactly one writer per key, no matter how many gateway instances
// share the database. Any database error surfaces as lease.ErrUnavailable so
// callers treat the state as unknown.
type LeaseStore struct {
	db *gorm.DB

	// now is a test seam for expiry decisions.
	now func() time.Time
}

// NewLeaseStore wraps db as a lease.Store.
func NewLeaseStore(db *gorm.DB) *LeaseStore {
	return &LeaseStore{db: db, now: time.Now}
}

// Get implements lease.Store.
func (s *LeaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var rec domain.LeaseEntry
	err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", key, s.now().UTC()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	return rec.Value, true, nil
}

// SetWithTTL implements lease.Store as an upsert that resets the expiry.
func (s *LeaseStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rec := domain.LeaseEntry{Key: key, Value: value, ExpiresAt: s.now().UTC().Add(ttl)}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// SetIfAbsentWithTTL implements lease.Store. An expired row for the key is
// reaped first; then a conflict-ignoring insert decides the winner by its
// affected-row count. Two workers may both reap, but only one insert lands.
func (s *LeaseStore) SetIfAbsentWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now().UTC()

	if err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at <= ?", key, now).
		Delete(&domain.LeaseEntry{}).Error; err != nil {
		return false, unavailable(err)
	}

	rec := domain.LeaseEntry{Key: key, Value: value, ExpiresAt: now.Add(ttl)}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return false, unavailable(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Delete implements lease.Store.
func (s *LeaseStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).
		Where("key = ?", key).
		Delete(&domain.LeaseEntry{}).Error; err != nil {
		return unavailable(err)
	}
	return nil
}

// Exists implements lease.Store.
func (s *LeaseStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&domain.LeaseEntry{}).
		Where("key = ? AND expires_at > ?", key, s.now().UTC()).
		Count(&n).Error
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// Refresh implements lease.Store. Expired rows stay expired.
func (s *LeaseStore) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	now := s.now().UTC()
	err := s.db.WithContext(ctx).
		Model(&domain.LeaseEntry{}).
		Where("key = ? AND expires_at > ?", key, now).
		Update("expires_at", now.Add(ttl)).Error
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// ReapExpired deletes rows whose TTL has lapsed and returns how many went.
// Correctness never depends on it; it only keeps the table small. Run it
// periodically from the server loop.
func (s *LeaseStore) ReapExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now().UTC()).
		Delete(&domain.LeaseEntry{})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return res.RowsAffected, nil
}

// unavailable maps a database error to the store-agnostic outage error.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", lease.ErrUnavailable, err)
}

var _ lease.Store = (*LeaseStore)(nil)
