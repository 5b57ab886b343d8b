package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ProfileSource tells where a ProfileRecord came from.
type ProfileSource string

const (
	// SourcePrivateAuthored is the profile a local identity shares privately.
	SourcePrivateAuthored ProfileSource = "private_authored"
	// SourcePrivateReceived is a profile a contact sent us inside a gift wrap.
	SourcePrivateReceived ProfileSource = "private_received"
	// SourcePublicDiscovered is a public (kind 0) profile found on relays.
	SourcePublicDiscovered ProfileSource = "public_discovered"
)

// ProfileRecord holds the latest profile content for one (owner, source).
// Writes are latest-wins upserts ordered by EventCreatedAt, the created_at
// of the profile event itself: at most one row exists per key.
type ProfileRecord struct {
	ID             string         `json:"id"               gorm:"type:char(36);primaryKey"`
	OwnerPubkey    string         `json:"owner_pubkey"     gorm:"type:varchar(64);not null;uniqueIndex:ux_profile_owner_source,priority:1"`
	Source         ProfileSource  `json:"source"           gorm:"type:varchar(32);not null;uniqueIndex:ux_profile_owner_source,priority:2;check:source IN ('private_authored','private_received','public_discovered')"`
	Content        datatypes.JSON `json:"content"          gorm:"not null"`
	EventID        string         `json:"event_id"         gorm:"type:varchar(64)"`
	ValidSignature bool           `json:"valid_signature"  gorm:"not null;default:false"`
	EventCreatedAt int64          `json:"event_created_at" gorm:"not null;default:0"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName returns the database table name for ProfileRecord.
func (ProfileRecord) TableName() string { return "profile_records" }

// ProfileSendState drives idempotent private-profile resends per
// (identity, contact). A failed attempt never clears the last success.
type ProfileSendState struct {
	IdentityPubkey  string     `gorm:"type:varchar(64);primaryKey"`
	ContactPubkey   string     `gorm:"type:varchar(64);primaryKey"`
	LastSentHash    string     `gorm:"type:varchar(64)"`
	LastSentEventID string     `gorm:"type:varchar(64)"`
	LastAttemptAt   *time.Time `gorm:"column:last_attempt_at"`
	LastSuccessAt   *time.Time `gorm:"column:last_success_at"`
	LastError       string     `gorm:"type:text"`
}

// TableName returns the database table name for ProfileSendState.
func (ProfileSendState) TableName() string { return "profile_send_states" }

// PublicProfilePresence records what the last public-profile lookup found.
type PublicProfilePresence struct {
	Pubkey           string    `json:"pubkey"             gorm:"type:varchar(64);primaryKey"`
	Exists           bool      `json:"exists"             gorm:"column:profile_exists;not null;default:false"`
	LastCheckedAt    time.Time `json:"last_checked_at"`
	LastCheckSuccess bool      `json:"last_check_success" gorm:"not null;default:false"`
	LastSeenEventID  string    `json:"last_seen_event_id" gorm:"type:varchar(64)"`
}

// TableName returns the database table name for PublicProfilePresence.
func (PublicProfilePresence) TableName() string { return "public_profile_presence" }

// HasProfile reports whether a "has public profile" signal may be shown. A
// failed check never counts, whatever Exists says.
func (p PublicProfilePresence) HasProfile() bool {
	return p.Exists && p.LastCheckSuccess
}
