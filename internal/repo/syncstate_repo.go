// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file persists per (identity, relay, kind) high-water
// marks used to seed relay queries.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
)

// The WHERE clause makes the upsert monotonic: a value that does not exceed
// the stored one leaves the row untouched. Both SQLite and PostgreSQL accept
// this form.
const upsertSyncStateSQL = `
INSERT INTO relay_sync_states (identity_id, relay_url, kind, last_event_timestamp, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (identity_id, relay_url, kind) DO UPDATE
SET last_event_timestamp = excluded.last_event_timestamp,
    updated_at = excluded.updated_at
WHERE excluded.last_event_timestamp > relay_sync_states.last_event_timestamp`

// UpsertSyncStates applies monotonic upserts for every row inside one
// transaction.
func UpsertSyncStates(ctx context.Context, db *gorm.DB, rows []domain.RelaySyncState) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range rows {
			if err := tx.Exec(upsertSyncStateSQL, r.IdentityID, r.RelayURL, r.Kind, r.LastEventTimestamp, now).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSyncStates returns the stored marks of one identity and kind across
// all relays.
func ListSyncStates(ctx context.Context, db *gorm.DB, identityID string, kind int) ([]domain.RelaySyncState, error) {
	var out []domain.RelaySyncState
	err := db.WithContext(ctx).
		Where("identity_id = ? AND kind = ?", identityID, kind).
		Order("relay_url asc").
		Find(&out).Error
	return out, err
}

// GetSyncState fetches one mark.
func GetSyncState(ctx context.Context, db *gorm.DB, identityID, relayURL string, kind int) (*domain.RelaySyncState, error) {
	var out domain.RelaySyncState
	err := db.WithContext(ctx).
		Where("identity_id = ? AND relay_url = ? AND kind = ?", identityID, relayURL, kind).
		First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSyncStatesForIdentity drops every mark of an identity.
func DeleteSyncStatesForIdentity(ctx context.Context, db *gorm.DB, identityID string) error {
	return db.WithContext(ctx).Where("identity_id = ?", identityID).Delete(&domain.RelaySyncState{}).Error
}

// DeleteSyncStatesForRelay drops the marks of one relay for an identity.
func DeleteSyncStatesForRelay(ctx context.Context, db *gorm.DB, identityID, relayURL string) error {
	return db.WithContext(ctx).
		Where("identity_id = ? AND relay_url = ?", identityID, relayURL).
		Delete(&domain.RelaySyncState{}).Error
}
