package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/gifts"
	"github.com/graaaaa/livecast/internal/session"
	"github.com/graaaaa/livecast/internal/transport"
)

const (
	wsWriteWait     = 10 * time.Second
	wsMaxMessage    = 8 << 10
	wsOutboundQueue = 16
)

// Client to server message types.
const (
	wsChat = "chat"
	wsLike = "like"
	wsGift = "gift"
)

// wsInbound is a message from the client.
type wsInbound struct {
	Type     string         `json:"type"`
	Content  string         `json:"content,omitempty"`
	Kind     event.ChatKind `json:"kind,omitempty"`
	Count    int64          `json:"count,omitempty"`
	GiftID   string         `json:"gift_id,omitempty"`
	Quantity int            `json:"quantity,omitempty"`
}

// wsOutbound is a message to the client. Type is a session update type,
// "snapshot", a "*_sent" acknowledgement or "error".
type wsOutbound struct {
	Type       string            `json:"type"`
	Snapshot   *session.Snapshot `json:"snapshot,omitempty"`
	Cue        *gifts.Event      `json:"cue,omitempty"`
	Message    *event.ChatEvent  `json:"message,omitempty"`
	Gift       *gifts.Event      `json:"gift,omitempty"`
	TotalLikes int64             `json:"total_likes,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts non-browser clients, same-host pages and the
// configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host || isAllowedHost(u.Host, originHosts(s.origins))
}

// handleWebSocket handles GET /api/v1/streams/{id}/ws. A caller with an
// identity (token subject, or user_id for operators) joins the stream's
// presence for the connection's lifetime and may send chat, likes and gifts.
// Anyone else only watches.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, p := s.streamSession(w, r)
	if sess == nil {
		return
	}
	userID := p.UserID()
	if p.Operator {
		if q := r.URL.Query().Get("user_id"); q != "" {
			userID = q
		}
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return
	}
	defer conn.Close()
	if s.metrics != nil {
		s.metrics.WSConnected()
		defer s.metrics.WSDisconnected()
	}

	// A hijacked connection's request context is not cancelled when the
	// peer goes away; the read loop cancels ctx instead.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := sess.Subscribe(ctx)
	if err != nil {
		closeWS(conn, websocket.CloseGoingAway, "stream closed")
		return
	}

	if userID != "" {
		rec := sess.Resolver().Resolve(ctx, userID)
		member := event.Member{
			UserID:      userID,
			DisplayName: rec.DisplayName,
			AvatarURL:   rec.AvatarURL,
			Role:        rec.Role,
			JoinedAt:    s.now(),
		}
		if p.Claims.Name != "" {
			member.DisplayName = p.Claims.Name
		}
		if p.Claims.IsHost() {
			member.Role = session.RoleHost
		}
		leave, err := sess.Join(ctx, member)
		if err != nil {
			s.logger.Warn("ws presence join failed", "stream_id", sess.StreamID(), "user_id", userID, "err", err)
		} else {
			defer leave()
		}
	}

	out := make(chan wsOutbound, wsOutboundQueue)
	go s.wsReadLoop(ctx, cancel, conn, sess, userID, out)
	s.wsWriteLoop(ctx, conn, sess, sub, out)
}

// wsReadLoop handles client messages until the connection fails.
func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sess *session.Session, userID string, out chan<- wsOutbound) {
	defer cancel()

	readWait := 2 * s.heartbeat
	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		var msg wsInbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws read failed", "stream_id", sess.StreamID(), "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		reply := s.wsHandle(ctx, sess, userID, msg)
		select {
		case out <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// wsHandle performs one client action and returns the acknowledgement.
func (s *Server) wsHandle(ctx context.Context, sess *session.Session, userID string, msg wsInbound) wsOutbound {
	if userID == "" {
		return wsOutbound{Type: "error", Error: "an identity is required to interact"}
	}
	fail := func(err error) wsOutbound {
		status, public := errorStatus(err)
		if status >= 500 {
			s.logger.Error("ws action failed", "stream_id", sess.StreamID(), "type", msg.Type, "err", err)
		}
		return wsOutbound{Type: "error", Error: public}
	}

	switch msg.Type {
	case wsChat:
		kind := msg.Kind
		if kind == "" {
			kind = event.KindChat
		}
		if kind != event.KindChat && kind != event.KindImage {
			return wsOutbound{Type: "error", Error: "kind must be chat or image"}
		}
		ev, err := sess.SendChat(ctx, userID, msg.Content, kind)
		if err != nil {
			return fail(err)
		}
		return wsOutbound{Type: "chat_sent", Message: &ev}
	case wsLike:
		n := msg.Count
		if n == 0 {
			n = 1
		}
		total, err := sess.SendLikes(ctx, userID, n)
		if err != nil {
			return fail(err)
		}
		return wsOutbound{Type: "like_sent", TotalLikes: total}
	case wsGift:
		q := msg.Quantity
		if q == 0 {
			q = 1
		}
		ev, err := sess.SendGift(ctx, session.GiftRequest{UserID: userID, GiftID: msg.GiftID, Quantity: q})
		if err != nil {
			return fail(err)
		}
		return wsOutbound{Type: "gift_sent", Gift: &ev}
	default:
		return wsOutbound{Type: "error", Error: "unknown message type"}
	}
}

// wsWriteLoop is the connection's only writer: the initial snapshot, session
// updates, acknowledgements and pings.
func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, sub *transport.Subscription[session.Update], out <-chan wsOutbound) {
	snap := sess.Snapshot()
	if err := writeWS(conn, wsOutbound{Type: snapshotEvent, Snapshot: &snap}); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		var err error
		select {
		case u, ok := <-sub.Events():
			if !ok {
				closeWS(conn, websocket.CloseGoingAway, "stream closed")
				return
			}
			err = writeWS(conn, wsOutbound{Type: u.Type, Snapshot: &u.Snapshot, Cue: u.Cue})
		case msg := <-out:
			err = writeWS(conn, msg)
		case <-ticker.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		case <-sub.Done():
			closeWS(conn, websocket.CloseGoingAway, "stream closed")
			return
		case <-ctx.Done():
			closeWS(conn, websocket.CloseNormalClosure, "")
			return
		}
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("ws write failed", "stream_id", sess.StreamID(), "err", err)
			}
			return
		}
	}
}

func writeWS(conn *websocket.Conn, msg wsOutbound) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
