// Package domain defines the persistence models for identities, contacts,
// messages, relay sync state and private profiles. These types are mapped with
// GORM and form the row shapes shared by the repository and service layers.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ContactState is the one-way lifecycle of a contact: pending until the first
// inbound message is ingested, connected afterwards.
type ContactState string

const (
	ContactPending   ContactState = "pending"
	ContactConnected ContactState = "connected"
)

// MessageStatus is the delivery status of a message row.
//
// Allowed transitions:
//
//	queued  -> sending
//	sending -> sent | error
//	queued  -> sent | error   (flush of an offline row)
//	error   -> queued         (explicit retry only)
type MessageStatus string

const (
	StatusQueued  MessageStatus = "queued"
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// Direction tells whether a message was received or authored locally.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// RelayEndpoint is a relay URL with its read/write capability flags.
type RelayEndpoint struct {
	URL   string `json:"url"   yaml:"url"`
	Read  bool   `json:"read"  yaml:"read"`
	Write bool   `json:"write" yaml:"write"`
}

// Identity is a local keypair. The secret key itself lives in the secret
// store; only a reference to it is persisted.
//
// Fields:
//   - ID: stable UUID primary key.
//   - PublicKey: hex x-only public key, unique.
//   - SecretRef: reference understood by the configured secret store.
//   - Label: user-facing name, mutable.
//   - Relays: optional per-identity relay list (JSON).
type Identity struct {
	ID        string                             `json:"id"         gorm:"type:char(36);primaryKey"`
	PublicKey string                             `json:"public_key" gorm:"type:varchar(64);not null;uniqueIndex"`
	SecretRef string                             `json:"-"          gorm:"type:varchar(128);not null"`
	Label     string                             `json:"label"      gorm:"type:varchar(255);not null;default:''"`
	Relays    datatypes.JSONSlice[RelayEndpoint] `json:"relays,omitempty"`
	CreatedAt time.Time                          `json:"created_at"`
	UpdatedAt time.Time                          `json:"updated_at"`
}

// TableName returns the database table name for Identity.
func (Identity) TableName() string { return "identities" }

// Contact is a peer public key known to one identity. Contacts are never
// created from inbound traffic. Deleting a contact tombstones the row and
// purges its messages; (identity, public key) is unique among live rows.
type Contact struct {
	ID            string         `json:"id"              gorm:"type:char(36);primaryKey"`
	IdentityID    string         `json:"identity_id"     gorm:"type:char(36);not null;index;uniqueIndex:ux_contact_identity_pubkey,where:deleted_at IS NULL"`
	PublicKey     string         `json:"public_key"      gorm:"type:varchar(64);not null;uniqueIndex:ux_contact_identity_pubkey,where:deleted_at IS NULL"`
	Alias         *string        `json:"alias,omitempty" gorm:"type:varchar(255)"`
	State         ContactState   `json:"state"           gorm:"type:varchar(16);not null;default:'pending';check:state IN ('pending','connected')"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `json:"-"               gorm:"index"`
}

// TableName returns the database table name for Contact.
func (Contact) TableName() string { return "contacts" }

// Message is a single DM within an (identity, contact) conversation. Content
// is plaintext; ciphertext is never persisted.
//
// For non-null event ids there is at most one row per (identity, contact,
// event id). That unique index is the last line of defense against duplicate
// ingestion under at-least-once delivery.
type Message struct {
	ID              string        `json:"id"                 gorm:"type:char(36);primaryKey"`
	IdentityID      string        `json:"identity_id"        gorm:"type:char(36);not null;index:idx_conversation,priority:1;uniqueIndex:ux_message_event,priority:1"`
	ContactID       string        `json:"contact_id"         gorm:"type:char(36);not null;index:idx_conversation,priority:2;uniqueIndex:ux_message_event,priority:2"`
	SenderPubkey    string        `json:"sender_pubkey"      gorm:"type:varchar(64);not null"`
	RecipientPubkey string        `json:"recipient_pubkey"   gorm:"type:varchar(64);not null"`
	Content         string        `json:"content"            gorm:"type:text;not null"`
	EventID         *string       `json:"event_id,omitempty" gorm:"type:varchar(64);uniqueIndex:ux_message_event,priority:3"`
	Timestamp       time.Time     `json:"timestamp"          gorm:"not null;index:idx_conversation,priority:3"`
	Status          MessageStatus `json:"status"             gorm:"type:varchar(16);not null;index;check:status IN ('queued','sending','sent','error')"`
	Direction       Direction     `json:"direction"          gorm:"type:varchar(16);not null;check:direction IN ('incoming','outgoing')"`
	IsRead          bool          `json:"is_read"            gorm:"not null;default:false"`
	Kind            int           `json:"kind"               gorm:"not null"`
	WasGiftWrapped  bool          `json:"was_gift_wrapped"   gorm:"not null;default:false"`
	ErrorText       string        `json:"error,omitempty"    gorm:"type:text"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// RelaySyncState is the newest event timestamp seen for one (identity, relay,
// kind). The stored value never decreases.
type RelaySyncState struct {
	IdentityID         string    `gorm:"type:char(36);primaryKey"`
	RelayURL           string    `gorm:"type:varchar(512);primaryKey"`
	Kind               int       `gorm:"primaryKey;autoIncrement:false"`
	LastEventTimestamp int64     `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// TableName returns the database table name for RelaySyncState.
func (RelaySyncState) TableName() string { return "relay_sync_states" }

// FailedEvent marks an inbound event of an identity that could not be
// decrypted. Such events are dropped for good and never decrypted again.
type FailedEvent struct {
	IdentityID string    `gorm:"type:char(36);primaryKey"`
	EventID    string    `gorm:"type:varchar(64);primaryKey"`
	Kind       int       `gorm:"not null"`
	Reason     string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
}

// TableName returns the database table name for FailedEvent.
func (FailedEvent) TableName() string { return "failed_events" }
