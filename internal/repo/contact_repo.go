// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Contact
// model. Contacts are soft-deleted; every query here sees live rows only
// unless stated otherwise.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
)

// CreateContact inserts a pending contact. Returns ErrDuplicate when a live
// contact with the same public key already exists for the identity.
func CreateContact(ctx context.Context, db *gorm.DB, identityID, publicKey string, alias *string) (*domain.Contact, error) {
	now := time.Now().UTC()
	c := &domain.Contact{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		PublicKey:  publicKey,
		Alias:      alias,
		State:      domain.ContactPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetContact fetches a live contact by id within an identity.
func GetContact(ctx context.Context, db *gorm.DB, identityID, id string) (*domain.Contact, error) {
	var c domain.Contact
	err := db.WithContext(ctx).
		Where("id = ? AND identity_id = ?", id, identityID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContactByPubkey fetches the live contact of identityID with publicKey.
func GetContactByPubkey(ctx context.Context, db *gorm.DB, identityID, publicKey string) (*domain.Contact, error) {
	var c domain.Contact
	err := db.WithContext(ctx).
		Where("identity_id = ? AND public_key = ?", identityID, publicKey).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns the live contacts of an identity, most recently
// active first.
func ListContacts(ctx context.Context, db *gorm.DB, identityID string) ([]domain.Contact, error) {
	var out []domain.Contact
	err := db.WithContext(ctx).
		Where("identity_id = ?", identityID).
		Order("last_message_at desc, created_at asc").
		Find(&out).Error
	return out, err
}

// ListContactPubkeys returns just the public keys of the live contacts.
func ListContactPubkeys(ctx context.Context, db *gorm.DB, identityID string) ([]string, error) {
	var out []string
	err := db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("identity_id = ?", identityID).
		Order("public_key asc").
		Pluck("public_key", &out).Error
	return out, err
}

// SetContactAlias sets or (with nil) clears the alias.
func SetContactAlias(ctx context.Context, db *gorm.DB, identityID, id string, alias *string) error {
	res := db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ? AND identity_id = ?", id, identityID).
		Updates(map[string]any{"alias": alias, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkContactConnected moves a pending contact to connected. It never
// touches a contact that is already connected and reports whether a
// transition happened.
func MarkContactConnected(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ? AND state = ?", id, domain.ContactPending).
		Updates(map[string]any{"state": domain.ContactConnected, "updated_at": time.Now().UTC()})
	return res.RowsAffected > 0, res.Error
}

// TouchContactLastMessage advances last_message_at to at unless a later
// value is already stored.
func TouchContactLastMessage(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at < ?)", id, at).
		Update("last_message_at", at).Error
}

// DeleteContact tombstones a contact and purges its messages.
func DeleteContact(ctx context.Context, db *gorm.DB, identityID, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND identity_id = ?", id, identityID).Delete(&domain.Contact{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("identity_id = ? AND contact_id = ?", identityID, id).Delete(&domain.Message{}).Error
	})
}
