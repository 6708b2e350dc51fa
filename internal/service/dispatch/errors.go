package dispatch

import "errors"

// Sentinel errors for the dispatch service layer.
var (
	ErrNotFound          = errors.New("notification not found")
	ErrSegmentNotFound   = errors.New("segment not found")
	ErrNotSendable       = errors.New("notification is not in a sendable state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCredentials       = errors.New("signing credentials unavailable")
	ErrAudience          = errors.New("audience resolution failed")
)
