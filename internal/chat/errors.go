package chat

import "errors"

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrThreadNotFound         = errors.New("thread not found")
	ErrThreadClosed           = errors.New("thread is closed")
	ErrInvalidMessage         = errors.New("message needs content or at least one file")
	ErrAttachmentStore        = errors.New("attachment store failure")
	ErrPersistence            = errors.New("persistence failure")
	// ErrBroadcast is logged and counted, never returned to callers.
	ErrBroadcast = errors.New("broadcast failure")
)
