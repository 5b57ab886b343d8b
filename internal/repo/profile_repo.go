// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers profile records, private-profile send
// state and public-profile presence.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/941design/slim-chat/internal/domain"
)

// UpsertProfileRecord stores content for (owner, source) unless the stored
// row comes from a newer event. eventAt is the created_at of the profile
// event; ties replace. applied is false when the stored row was kept, in
// which case that row is returned. The read and the write run in one
// transaction so concurrent writers converge on a single row.
func UpsertProfileRecord(ctx context.Context, db *gorm.DB, owner string, source domain.ProfileSource, content []byte, eventID string, eventAt int64, validSig bool) (rec *domain.ProfileRecord, applied bool, err error) {
	var out domain.ProfileRecord
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		err := tx.Where("owner_pubkey = ? AND source = ?", owner, source).First(&out).Error
		switch {
		case err == nil:
			if out.EventCreatedAt > eventAt {
				return nil
			}
			res := tx.Model(&domain.ProfileRecord{}).
				Where("id = ? AND event_created_at <= ?", out.ID, eventAt).
				Updates(map[string]any{
					"content":          datatypes.JSON(content),
					"event_id":         eventID,
					"event_created_at": eventAt,
					"valid_signature":  validSig,
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			applied = true
			return tx.First(&out, "id = ?", out.ID).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = domain.ProfileRecord{
				ID:             uuid.NewString(),
				OwnerPubkey:    owner,
				Source:         source,
				Content:        datatypes.JSON(content),
				EventID:        eventID,
				EventCreatedAt: eventAt,
				ValidSignature: validSig,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			applied = true
			return tx.Create(&out).Error
		default:
			return err
		}
	})
	if err != nil {
		if isDuplicate(err) {
			return nil, false, ErrDuplicate
		}
		return nil, false, err
	}
	return &out, applied, nil
}

// GetProfileRecord fetches the record for (owner, source).
func GetProfileRecord(ctx context.Context, db *gorm.DB, owner string, source domain.ProfileSource) (*domain.ProfileRecord, error) {
	var out domain.ProfileRecord
	err := db.WithContext(ctx).
		Where("owner_pubkey = ? AND source = ?", owner, source).
		First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProfileRecords returns every record held for owner.
func ListProfileRecords(ctx context.Context, db *gorm.DB, owner string) ([]domain.ProfileRecord, error) {
	var out []domain.ProfileRecord
	err := db.WithContext(ctx).Where("owner_pubkey = ?", owner).Order("source asc").Find(&out).Error
	return out, err
}

// GetSendState fetches the profile send state, or ErrNotFound.
func GetSendState(ctx context.Context, db *gorm.DB, identityPub, contactPub string) (*domain.ProfileSendState, error) {
	var out domain.ProfileSendState
	err := db.WithContext(ctx).
		Where("identity_pubkey = ? AND contact_pubkey = ?", identityPub, contactPub).
		First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordSendSuccess stores a successful send and clears any earlier error.
func RecordSendSuccess(ctx context.Context, db *gorm.DB, identityPub, contactPub, hash, eventID string, at time.Time) error {
	row := domain.ProfileSendState{
		IdentityPubkey:  identityPub,
		ContactPubkey:   contactPub,
		LastSentHash:    hash,
		LastSentEventID: eventID,
		LastAttemptAt:   &at,
		LastSuccessAt:   &at,
		LastError:       "",
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity_pubkey"}, {Name: "contact_pubkey"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_sent_hash", "last_sent_event_id", "last_attempt_at", "last_success_at", "last_error",
		}),
	}).Create(&row).Error
}

// RecordSendFailure stores a failed attempt. The last successful hash, event
// id and timestamp are left untouched.
func RecordSendFailure(ctx context.Context, db *gorm.DB, identityPub, contactPub, errText string, at time.Time) error {
	row := domain.ProfileSendState{
		IdentityPubkey: identityPub,
		ContactPubkey:  contactPub,
		LastAttemptAt:  &at,
		LastError:      errText,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_pubkey"}, {Name: "contact_pubkey"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_attempt_at", "last_error"}),
	}).Create(&row).Error
}

// GetPresence fetches the public-profile presence of pubkey, or ErrNotFound.
func GetPresence(ctx context.Context, db *gorm.DB, pubkey string) (*domain.PublicProfilePresence, error) {
	var out domain.PublicProfilePresence
	if err := db.WithContext(ctx).Where("pubkey = ?", pubkey).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// SavePresence writes the outcome of a lookup. When the lookup itself
// failed (checkOK false) only the check columns change: a failed check
// neither asserts nor retracts existence.
func SavePresence(ctx context.Context, db *gorm.DB, pubkey string, exists, checkOK bool, eventID string, at time.Time) error {
	row := domain.PublicProfilePresence{
		Pubkey:           pubkey,
		Exists:           exists && checkOK,
		LastCheckedAt:    at,
		LastCheckSuccess: checkOK,
		LastSeenEventID:  eventID,
	}
	cols := []string{"last_checked_at", "last_check_success"}
	if checkOK {
		cols = append(cols, "profile_exists", "last_seen_event_id")
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pubkey"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&row).Error
}
