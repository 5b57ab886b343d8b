// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// These codes give clients a stable, machine-readable error taxonomy that
// supplements human-readable messages. Codes are lowercase snake_case;
// generic ones mirror HTTP status semantics, domain ones cover outcomes that
// status alone cannot convey.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "relay_config_changed",
//	  "message": "relay config modified externally"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeTimeout          = "timeout"
	ErrCodeBodyTooLarge     = "body_too_large"

	// Domain-specific:
	ErrCodeCreateFailed       = "create_failed"
	ErrCodeListFailed         = "list_failed"
	ErrCodeUpdateFailed       = "update_failed"
	ErrCodeSendFailed         = "send_failed"
	ErrCodeSyncFailed         = "sync_failed"
	ErrCodeTooLong            = "message_too_long"
	ErrCodeNotRetryable       = "not_retryable"
	ErrCodeInvalidProfile     = "invalid_profile"
	ErrCodeNoProfile          = "no_private_profile"
	ErrCodeRelayConfigChanged = "relay_config_changed"
	ErrCodeOffline            = "offline"
)
