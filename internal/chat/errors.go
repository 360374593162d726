package chat

import "errors"

// Errors surfaced to the user who tried to send a message.
var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message is too long")
	ErrRateLimited    = errors.New("sending too fast, wait a moment")
	ErrMuted          = errors.New("you are muted in this chat")
	ErrBanned         = errors.New("you are banned")
	ErrSendFailed     = errors.New("message could not be sent")
)
