package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/941design/slim-chat/internal/domain"
)

// RecordFailedEvent marks eventID as undecryptable for identityID. Marking
// an event twice keeps the first reason.
func RecordFailedEvent(ctx context.Context, db *gorm.DB, identityID, eventID string, kind int, reason string) error {
	row := domain.FailedEvent{
		IdentityID: identityID,
		EventID:    eventID,
		Kind:       kind,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// IsFailedEvent reports whether eventID was marked undecryptable for
// identityID.
func IsFailedEvent(ctx context.Context, db *gorm.DB, identityID, eventID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.FailedEvent{}).
		Where("identity_id = ? AND event_id = ?", identityID, eventID).
		Count(&n).Error
	return n > 0, err
}
