package session

import "errors"

// Sentinel errors for the session package.
var (
	// ErrClosed is returned by operations on a closed session or manager.
	ErrClosed = errors.New("session closed")

	// ErrInvalidLikes is returned for a like count below 1.
	ErrInvalidLikes = errors.New("likes must be at least 1")

	// ErrInvalidMember is returned when joining without a user id.
	ErrInvalidMember = errors.New("member user id is required")

	// ErrInvalidStream is returned for an empty stream id.
	ErrInvalidStream = errors.New("stream id is required")
)
