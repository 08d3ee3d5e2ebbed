package domain

import "errors"

var (
	ErrAlreadyQueued       = errors.New("already queued or admitted")
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrAccessDenied        = errors.New("access denied")
	ErrNotQueued           = errors.New("not queued")
	ErrEventNotFound       = errors.New("event not found")
	ErrInvalidMessage      = errors.New("invalid dispatch message")
	ErrChannelClosed       = errors.New("channel closed")
)
