// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the guarded status transitions of outgoing messages.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/941design/slim-chat/internal/domain"
)

// ErrInvalidTransition is returned when a status change is not an edge of
// the message status graph, or the row has moved on concurrently.
var ErrInvalidTransition = errors.New("invalid message status transition")

// allowedFrom lists, per target status, the statuses a row may leave.
var allowedFrom = map[domain.MessageStatus][]domain.MessageStatus{
	domain.StatusSending: {domain.StatusQueued},
	domain.StatusSent:    {domain.StatusQueued, domain.StatusSending},
	domain.StatusError:   {domain.StatusQueued, domain.StatusSending},
	domain.StatusQueued:  {domain.StatusError},
}

// CreateMessage inserts m, assigning an id and timestamps when missing.
// A row whose (identity, contact, event id) already exists yields
// ErrDuplicate.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	m.CreatedAt, m.UpdatedAt = now, now
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetMessage fetches a message by ID within an identity.
func GetMessage(ctx context.Context, db *gorm.DB, identityID, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ? AND identity_id = ?", id, identityID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesPage returns a conversation ordered (timestamp ASC, id ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, identityID, contactID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("identity_id = ? AND contact_id = ?", identityID, contactID).
		Order("timestamp ASC, id ASC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, identityID, contactID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE identity_id = ? AND contact_id = ?", identityID, contactID).
		Scan(&total).Error
	return total, err
}

// CountMessagesWithEvent counts rows carrying eventID in one conversation.
func CountMessagesWithEvent(ctx context.Context, db *gorm.DB, identityID, contactID, eventID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("identity_id = ? AND contact_id = ? AND event_id = ?", identityID, contactID, eventID).
		Count(&total).Error
	return total, err
}

// ListPendingOutgoing returns outgoing rows still queued or sending, oldest
// first.
func ListPendingOutgoing(ctx context.Context, db *gorm.DB, identityID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("identity_id = ? AND direction = ? AND status IN ?", identityID, domain.DirectionOutgoing,
			[]domain.MessageStatus{domain.StatusQueued, domain.StatusSending}).
		Order("timestamp ASC, id ASC").
		Find(&out).Error
	return out, err
}

// TransitionMessageStatus moves a message to status `to` if its current
// status is an allowed predecessor. eventID, when non-nil, is stored
// alongside; errText replaces the error column (cleared on success).
func TransitionMessageStatus(ctx context.Context, db *gorm.DB, id string, to domain.MessageStatus, eventID *string, errText string) error {
	from, ok := allowedFrom[to]
	if !ok {
		return ErrInvalidTransition
	}
	updates := map[string]any{
		"status":     to,
		"error_text": errText,
		"updated_at": time.Now().UTC(),
	}
	if eventID != nil {
		updates["event_id"] = *eventID
	}
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		if isDuplicate(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// MarkConversationRead flags every incoming message of a conversation read.
func MarkConversationRead(ctx context.Context, db *gorm.DB, identityID, contactID string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("identity_id = ? AND contact_id = ? AND direction = ? AND is_read = ?",
			identityID, contactID, domain.DirectionIncoming, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}
