package domain

import "errors"

var (
	// ErrValidation marks a malformed inbound payload. It is acknowledged and dropped.
	ErrValidation = errors.New("validation error")
	// ErrDuplicateEvent marks an external message id that was already recorded.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrNotFound marks an unknown funnel step or missing media asset.
	ErrNotFound = errors.New("not found")
	// ErrTransientDelivery marks a 5xx or network failure on an outbound send.
	ErrTransientDelivery = errors.New("transient delivery error")
	// ErrContentResolution marks a transcription or vision failure.
	ErrContentResolution = errors.New("content resolution failure")
	// ErrStorageUnavailable is fatal for the current event.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
