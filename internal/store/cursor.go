package store

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// EncodeCursor creates a URL-safe cursor from a timestamp and row id.
func EncodeCursor(t time.Time, id string) string {
	s := formatTime(t) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// decodeCursor parses a cursor made by EncodeCursor.
func decodeCursor(cur string) (time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(cur)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: base64 decode failed", ErrInvalidCursor)
	}

	tsStr, id, ok := strings.Cut(string(b), "|")
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}

	t, err := time.Parse(TimeFormat, tsStr)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: invalid timestamp", ErrInvalidCursor)
	}
	return t, id, nil
}
