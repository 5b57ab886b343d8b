// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Identity
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When an identity is not found, functions return ErrNotFound.
//   - A second identity with the same public key yields ErrDuplicate.
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
)

// CreateIdentity inserts an identity row with a fresh UUID.
func CreateIdentity(ctx context.Context, db *gorm.DB, publicKey, secretRef, label string, relays []domain.RelayEndpoint) (*domain.Identity, error) {
	now := time.Now().UTC()
	id := &domain.Identity{
		ID:        uuid.NewString(),
		PublicKey: publicKey,
		SecretRef: secretRef,
		Label:     label,
		Relays:    datatypes.JSONSlice[domain.RelayEndpoint](relays),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(id).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return id, nil
}

// GetIdentity fetches an identity by id.
func GetIdentity(ctx context.Context, db *gorm.DB, id string) (*domain.Identity, error) {
	var out domain.Identity
	if err := db.WithContext(ctx).Where("id = ?", id).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// GetIdentityByPubkey fetches an identity by its hex public key.
func GetIdentityByPubkey(ctx context.Context, db *gorm.DB, publicKey string) (*domain.Identity, error) {
	var out domain.Identity
	if err := db.WithContext(ctx).Where("public_key = ?", publicKey).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// ListIdentities returns every identity, oldest first.
func ListIdentities(ctx context.Context, db *gorm.DB) ([]domain.Identity, error) {
	var out []domain.Identity
	err := db.WithContext(ctx).Order("created_at asc, id asc").Find(&out).Error
	return out, err
}

// UpdateIdentityLabel renames an identity. Returns ErrNotFound when no row
// matched.
func UpdateIdentityLabel(ctx context.Context, db *gorm.DB, id, label string) error {
	res := db.WithContext(ctx).
		Model(&domain.Identity{}).
		Where("id = ?", id).
		Updates(map[string]any{"label": label, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateIdentityRelays replaces the per-identity relay list.
func UpdateIdentityRelays(ctx context.Context, db *gorm.DB, id string, relays []domain.RelayEndpoint) error {
	res := db.WithContext(ctx).
		Model(&domain.Identity{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"relays":     datatypes.JSONSlice[domain.RelayEndpoint](relays),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIdentity removes an identity together with its contacts (including
// tombstones), messages, sync state, failed-event marks and profile send
// state, in one transaction.
func DeleteIdentity(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ident domain.Identity
		if err := tx.Where("id = ?", id).First(&ident).Error; err != nil {
			return err
		}
		if err := tx.Where("identity_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("identity_id = ?", id).Delete(&domain.Contact{}).Error; err != nil {
			return err
		}
		if err := tx.Where("identity_id = ?", id).Delete(&domain.RelaySyncState{}).Error; err != nil {
			return err
		}
		if err := tx.Where("identity_id = ?", id).Delete(&domain.FailedEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("identity_pubkey = ?", ident.PublicKey).Delete(&domain.ProfileSendState{}).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_pubkey = ? AND source = ?", ident.PublicKey, domain.SourcePrivateAuthored).
			Delete(&domain.ProfileRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ident).Error
	})
}
