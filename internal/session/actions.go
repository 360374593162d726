package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/graaaaa/livecast/internal/chat"
	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/gifts"
)

// SendChat posts a chat message as userID. Errors from the chat package
// (ErrMuted, ErrRateLimited, ...) are meant for the acting user.
func (s *Session) SendChat(ctx context.Context, userID, content string, kind event.ChatKind) (event.ChatEvent, error) {
	if s.isClosed() {
		return event.ChatEvent{}, ErrClosed
	}
	return s.sender.Send(ctx, chat.SendRequest{
		StreamID: s.streamID,
		UserID:   userID,
		Content:  content,
		Kind:     kind,
	})
}

// GiftRequest is a user's request to send a catalog gift.
type GiftRequest struct {
	UserID   string
	GiftID   string
	Quantity int
}

// SendGift persists a gift purchase, broadcasts it and schedules its
// display. The gift must be in the catalog.
func (s *Session) SendGift(ctx context.Context, req GiftRequest) (gifts.Event, error) {
	if s.isClosed() {
		return gifts.Event{}, ErrClosed
	}
	if req.Quantity < 1 {
		return gifts.Event{}, gifts.ErrInvalidQuantity
	}
	g, ok := s.catalog.Lookup(req.GiftID)
	if !ok {
		return gifts.Event{}, fmt.Errorf("%w: %q", gifts.ErrUnknownGift, req.GiftID)
	}
	sender := s.resolver.Resolve(ctx, req.UserID)

	row, err := s.store.InsertGift(ctx, event.GiftRow{
		StreamID:    s.streamID,
		GiftID:      g.ID,
		GiftName:    g.Name,
		SenderID:    req.UserID,
		CoinsAmount: g.Cost * int64(req.Quantity),
		Quantity:    req.Quantity,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		return gifts.Event{}, fmt.Errorf("persist gift: %w", err)
	}

	txnID := strconv.FormatInt(row.ID, 10)
	if s.broadcaster != nil {
		env := event.Envelope{
			V:        event.EnvelopeVersion,
			Type:     event.EnvelopeGift,
			TxnID:    txnID,
			Sender:   req.UserID,
			Ts:       row.CreatedAt.UnixMilli(),
			StreamID: s.streamID,
			Data: event.EnvelopeData{
				GiftID:   row.GiftID,
				GiftName: row.GiftName,
				Amount:   row.CoinsAmount,
				Quantity: row.Quantity,
			},
		}
		env.Data.SetSender(sender)
		if err := s.broadcaster.Publish(ctx, env); err != nil {
			s.logger.Warn("gift broadcast failed", "gift_id", row.GiftID, "err", err)
		}
	}

	raw := gifts.FromRow(row)
	raw.SenderName = sender.DisplayName
	raw.SenderAvatar = sender.AvatarURL
	if !s.markGift(giftKey(txnID)) {
		// The feed delivered the row first and already scheduled it.
		return s.scheduler.Classify(raw), nil
	}
	return s.scheduler.Ingest(raw), nil
}

// SendLikes adds n likes to the stream and returns the new total.
func (s *Session) SendLikes(ctx context.Context, userID string, n int64) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if n < 1 {
		return 0, ErrInvalidLikes
	}
	total, err := s.store.AddLikes(ctx, s.streamID, n)
	if err != nil {
		return 0, fmt.Errorf("add likes: %w", err)
	}
	if s.raiseLikes(total) {
		s.notify(UpdateStats, nil)
	}
	if s.broadcaster != nil {
		env := event.Envelope{
			V:        event.EnvelopeVersion,
			Type:     event.EnvelopeLike,
			TxnID:    uuid.NewString(),
			Sender:   userID,
			Ts:       s.clock.Now().UnixMilli(),
			StreamID: s.streamID,
			Data:     event.EnvelopeData{Likes: total},
		}
		if err := s.broadcaster.Publish(ctx, env); err != nil {
			s.logger.Warn("like broadcast failed", "err", err)
		}
	}
	return total, nil
}

// Join adds member to the stream's presence until leave is called or ctx
// ends. A user joined more than once stays present until the last leave.
func (s *Session) Join(ctx context.Context, member event.Member) (leave func(), err error) {
	if member.UserID == "" {
		return nil, ErrInvalidMember
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = s.clock.Now()
	}

	var snapshots <-chan []event.Member
	var leaveChannel func()
	if s.presence != nil {
		snapshots, leaveChannel, err = s.presence.JoinPresence(ctx, s.streamID, member)
		if err != nil {
			return nil, fmt.Errorf("join presence: %w", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if leaveChannel != nil {
			leaveChannel()
		}
		return nil, ErrClosed
	}
	s.conns[member.UserID]++
	s.nextLeave++
	id := s.nextLeave

	// syncMu orders this membership's snapshot syncs against its leave, so
	// a snapshot still buffered at leave time is never applied.
	var syncMu sync.Mutex
	left := false
	leave = func() {
		syncMu.Lock()
		defer syncMu.Unlock()
		if left {
			return
		}
		left = true

		s.mu.Lock()
		delete(s.leaves, id)
		s.conns[member.UserID]--
		last := s.conns[member.UserID] <= 0
		if last {
			delete(s.conns, member.UserID)
		}
		s.mu.Unlock()

		if leaveChannel != nil {
			leaveChannel()
		}
		if last {
			s.tracker.Leave(member.UserID)
		}
	}
	s.leaves[id] = leave
	if snapshots != nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if snapshots != nil {
		go func() {
			defer s.wg.Done()
			for snap := range snapshots {
				syncMu.Lock()
				if !left {
					s.tracker.Sync(snap)
				}
				syncMu.Unlock()
			}
		}()
	} else {
		s.tracker.Join(member)
	}

	go func() {
		select {
		case <-ctx.Done():
			leave()
		case <-s.ctx.Done():
		}
	}()
	return leave, nil
}
