package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tracegate/capture-gateway/internal/domain"
)

// SecretStore resolves per-organization HMAC secrets from the org_secrets
// table. It implements signature.SecretResolver.
type SecretStore struct {
	db *gorm.DB
}

// NewSecretStore wraps db as a secret resolver.
func NewSecretStore(db *gorm.DB) *SecretStore {
	return &SecretStore{db: db}
}

// Resolve returns the secret for orgID. found is false for unprovisioned
// organizations; err is reserved for database failures.
func (s *SecretStore) Resolve(ctx context.Context, orgID string) ([]byte, bool, error) {
	var rec domain.OrgSecret
	err := s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(rec.Secret), true, nil
}

// UpsertSecret provisions or rotates the secret for orgID. Used by the
// startup seeding path; production provisioning is expected to write the
// table out of band.
func (s *SecretStore) UpsertSecret(ctx context.Context, orgID, secret string) error {
	rec := domain.OrgSecret{OrgID: orgID, Secret: secret}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"secret", "updated_at"}),
		}).
		Create(&rec).Error
}
