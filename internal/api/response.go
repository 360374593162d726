package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/graaaaa/livecast/internal/chat"
	"github.com/graaaaa/livecast/internal/gifts"
	"github.com/graaaaa/livecast/internal/layout"
	"github.com/graaaaa/livecast/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// errorResponse is the standard error response format.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to the response.
// It buffers the encoding to detect errors before writing headers.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("json encode failed", "err", err)
		writeErrorFallback(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

// writeError writes a JSON error response. For 5xx errors the underlying
// error is logged; clients only see the public message.
func writeError(w http.ResponseWriter, status int, public string, err error) {
	if public == "" {
		public = http.StatusText(status)
	}
	if status >= 500 && err != nil {
		slog.Error("internal error", "status", status, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: public})
}

// writeErrorFallback writes a plain text error when JSON encoding fails.
func writeErrorFallback(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(message))
}

// userErrors maps errors a caller can act on to their status code. The
// sentinel's message is the public text.
var userErrors = []struct {
	err    error
	status int
}{
	{chat.ErrEmptyMessage, http.StatusBadRequest},
	{chat.ErrMessageTooLong, http.StatusBadRequest},
	{chat.ErrRateLimited, http.StatusTooManyRequests},
	{chat.ErrMuted, http.StatusForbidden},
	{chat.ErrBanned, http.StatusForbidden},
	{chat.ErrSendFailed, http.StatusServiceUnavailable},
	{gifts.ErrUnknownGift, http.StatusNotFound},
	{gifts.ErrInvalidQuantity, http.StatusBadRequest},
	{session.ErrInvalidLikes, http.StatusBadRequest},
	{session.ErrInvalidMember, http.StatusBadRequest},
	{session.ErrInvalidStream, http.StatusBadRequest},
	{session.ErrClosed, http.StatusServiceUnavailable},
	{layout.ErrUnknownMode, http.StatusBadRequest},
}

// errorStatus returns the status and public message for err.
func errorStatus(err error) (int, string) {
	for _, ue := range userErrors {
		if errors.Is(err, ue.err) {
			return ue.status, ue.err.Error()
		}
	}
	return http.StatusInternalServerError, "internal error"
}

// writeServiceError writes err using errorStatus.
func writeServiceError(w http.ResponseWriter, err error) {
	status, public := errorStatus(err)
	writeError(w, status, public, err)
}

// decodeJSON strictly decodes a bounded request body into v. On failure it
// writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	return true
}
