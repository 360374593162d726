package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrInvalidCursor is returned when a cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor format")

	// ErrInvalidChat is returned when a chat row fails validation.
	ErrInvalidChat = errors.New("invalid chat message")

	// ErrInvalidGift is returned when a gift row fails validation.
	ErrInvalidGift = errors.New("invalid gift event")
)
