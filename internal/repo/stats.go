// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides aggregate queries used for conditional
// responses (weak ETags) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
)

// ConversationStats returns the number of messages in one conversation and
// the greatest UpdatedAt among them. maxUpdatedAt is nil for an empty
// conversation. Status transitions and read marks bump UpdatedAt, so the pair
// changes whenever a listed row does.
func ConversationStats(ctx context.Context, db *gorm.DB, identityID, contactID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).
		Where("identity_id = ? AND contact_id = ?", identityID, contactID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Avoid MAX() -> TEXT in SQLite.
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
