package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/session"
	"github.com/graaaaa/livecast/internal/store"
)

// streamSession authorises the caller for the {id} stream and returns its
// session. It writes the error response and returns nil on failure.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) (*session.Session, principal) {
	id := r.PathValue("id")
	p := principalFrom(r.Context())
	if !p.allowsStream(id) {
		writeError(w, http.StatusForbidden, "token not valid for this stream", nil)
		return nil, p
	}
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return nil, p
	}
	return sess, p
}

// actor returns the user a write acts for: the token subject, or for an
// operator the user named in the body.
func actor(w http.ResponseWriter, p principal, requested string) (string, bool) {
	if uid := p.UserID(); uid != "" {
		if requested != "" && requested != uid && !p.Operator {
			writeError(w, http.StatusForbidden, "cannot act for another user", nil)
			return "", false
		}
		if requested == "" || !p.Operator {
			return uid, true
		}
	}
	if requested == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return "", false
	}
	return requested, true
}

type chatResponse struct {
	Messages []event.ChatEvent `json:"messages"`
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.streamSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Messages: sess.Messages()})
}

type chatRequest struct {
	UserID  string         `json:"user_id,omitempty"`
	Content string         `json:"content"`
	Kind    event.ChatKind `json:"kind,omitempty"`
}

func (s *Server) handlePostChat(w http.ResponseWriter, r *http.Request) {
	sess, p := s.streamSession(w, r)
	if sess == nil {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := actor(w, p, req.UserID)
	if !ok {
		return
	}
	switch req.Kind {
	case "":
		req.Kind = event.KindChat
	case event.KindChat, event.KindImage:
	default:
		writeError(w, http.StatusBadRequest, "kind must be chat or image", nil)
		return
	}

	ev, err := sess.SendChat(r.Context(), userID, req.Content, req.Kind)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleGetGifts(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.streamSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess.Gifts())
}

type giftRequest struct {
	UserID   string `json:"user_id,omitempty"`
	GiftID   string `json:"gift_id"`
	Quantity int    `json:"quantity,omitempty"`
}

func (s *Server) handlePostGift(w http.ResponseWriter, r *http.Request) {
	sess, p := s.streamSession(w, r)
	if sess == nil {
		return
	}
	var req giftRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := actor(w, p, req.UserID)
	if !ok {
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	ev, err := sess.SendGift(r.Context(), session.GiftRequest{
		UserID:   userID,
		GiftID:   req.GiftID,
		Quantity: req.Quantity,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type likesRequest struct {
	UserID string `json:"user_id,omitempty"`
	Count  int64  `json:"count,omitempty"`
}

type likesResponse struct {
	TotalLikes int64 `json:"total_likes"`
}

func (s *Server) handlePostLikes(w http.ResponseWriter, r *http.Request) {
	sess, p := s.streamSession(w, r)
	if sess == nil {
		return
	}
	var req likesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := actor(w, p, req.UserID)
	if !ok {
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	total, err := sess.SendLikes(r.Context(), userID, req.Count)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, likesResponse{TotalLikes: total})
}

type viewersResponse struct {
	Viewers          int            `json:"viewers"`
	PersistedViewers *int           `json:"persisted_viewers,omitempty"`
	Members          []event.Member `json:"members"`
}

func (s *Server) handleGetViewers(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.streamSession(w, r)
	if sess == nil {
		return
	}
	snap := sess.Snapshot()
	writeJSON(w, http.StatusOK, viewersResponse{
		Viewers:          snap.Viewers,
		PersistedViewers: snap.PersistedViewers,
		Members:          sess.Members(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.streamSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.streams.ListStreams(r.Context()))
}

// handleChatHistory handles GET /api/v1/streams/{id}/chat/history?limit=&cursor=
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !principalFrom(r.Context()).allowsStream(id) {
		writeError(w, http.StatusForbidden, "token not valid for this stream", nil)
		return
	}

	q := r.URL.Query()
	filter := store.ChatFilter{StreamID: id, Cursor: q.Get("cursor")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		filter.Limit = n
	}

	page, err := s.history.Query(r.Context(), filter)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			writeError(w, http.StatusBadRequest, "invalid cursor", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleStats handles GET /api/v1/streams/{id}/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !principalFrom(r.Context()).allowsStream(id) {
		writeError(w, http.StatusForbidden, "token not valid for this stream", nil)
		return
	}
	result, err := s.stats.GetStreamStats(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
