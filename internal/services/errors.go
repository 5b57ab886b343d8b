// Package services holds the orchestration core of the client: identities,
// contacts, the outgoing message queue, the inbound event router and the
// private profile subsystem. This file centralizes the service-level error
// values so callers can check them with errors.Is.
//
// Translation into user-facing messages or HTTP status codes happens in the
// handler layer.
package services

import "errors"

var (
	// ErrIdentityNotFound indicates that the requested identity does not exist.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrIdentityExists is returned when importing a key that is already an
	// identity.
	ErrIdentityExists = errors.New("identity already exists")

	// ErrContactNotFound indicates that the contact does not exist for the
	// identity or has been deleted.
	ErrContactNotFound = errors.New("contact not found")

	// ErrContactExists is returned when adding a public key that is already a
	// live contact of the identity.
	ErrContactExists = errors.New("contact already exists")

	// ErrSelfContact is returned when an identity tries to add itself.
	ErrSelfContact = errors.New("cannot add own key as contact")

	// ErrMessageNotFound indicates that the message does not exist for the
	// identity.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when a message exceeds the configured length.
	ErrTooLong = errors.New("message too long")

	// ErrNotRetryable is returned by RetryMessage for messages not in the
	// error state.
	ErrNotRetryable = errors.New("only failed messages can be retried")

	// ErrUnknownSender marks inbound events from keys that are not contacts
	// of the receiving identity. Such events are dropped; contacts are never
	// created from inbound traffic.
	ErrUnknownSender = errors.New("sender is not a contact")

	// ErrNoPrivateProfile is returned when sending a private profile before
	// one has been set.
	ErrNoPrivateProfile = errors.New("no private profile set")

	// ErrClosed is returned by operations started after Close.
	ErrClosed = errors.New("service closed")
)
