package session

import (
	"strconv"

	"github.com/graaaaa/livecast/internal/event"
	"github.com/graaaaa/livecast/internal/gifts"
)

// consumeChanges applies durable feed changes until the subscription ends.
func (s *Session) consumeChanges(changes <-chan event.Change) {
	defer s.wg.Done()
	for ch := range changes {
		s.applyChange(ch)
	}
	if !s.isClosed() {
		s.logger.Warn("durable feed closed")
	}
}

func (s *Session) applyChange(ch event.Change) {
	switch ch.Table {
	case event.TableChat:
		if ch.Chat == nil || ch.Chat.StreamID != s.streamID {
			return
		}
		ev := *ch.Chat
		ev.Origin = event.OriginFeed
		s.queue.Push(ev)
	case event.TableGifts:
		if ch.Gift == nil || ch.Gift.StreamID != s.streamID {
			return
		}
		if !s.markGift(giftKey(strconv.FormatInt(ch.Gift.ID, 10))) {
			return
		}
		select {
		case s.giftRows <- *ch.Gift:
		case <-s.ctx.Done():
		}
	case event.TableStats:
		s.follower.Apply(ch)
	case event.TableProfiles:
		if ch.ProfileID != "" {
			s.resolver.Invalidate(ch.ProfileID)
		}
	}
}

// consumeGifts resolves the senders of feed gift rows and schedules them in
// arrival order.
func (s *Session) consumeGifts() {
	defer s.wg.Done()
	for {
		select {
		case row := <-s.giftRows:
			raw := gifts.FromRow(row)
			rec := s.resolver.Resolve(s.ctx, raw.SenderID)
			raw.SenderName = rec.DisplayName
			raw.SenderAvatar = rec.AvatarURL
			s.scheduler.Ingest(raw)
		case <-s.ctx.Done():
			return
		}
	}
}

// consumeBroadcast applies broadcast envelopes until the subscription ends.
func (s *Session) consumeBroadcast(envelopes <-chan event.Envelope) {
	defer s.wg.Done()
	for env := range envelopes {
		s.applyEnvelope(env)
	}
	if !s.isClosed() {
		s.logger.Warn("broadcast subscription closed")
	}
}

func (s *Session) applyEnvelope(env event.Envelope) {
	if env.StreamID != s.streamID {
		return
	}
	if s.node != "" && env.Node == s.node {
		return
	}
	if profile := env.SenderProfile(); profile != nil {
		s.resolver.Seed(*profile)
	}
	switch env.Type {
	case event.EnvelopeChat:
		s.queue.Push(env.ChatEvent())
	case event.EnvelopeGift:
		if !s.markGift(giftKey(env.TxnID)) {
			return
		}
		s.scheduler.Ingest(gifts.FromEnvelope(env))
	case event.EnvelopeLike:
		if s.raiseLikes(env.Data.Likes) {
			s.notify(UpdateStats, nil)
		}
	}
}

// giftKey identifies one purchase across the feed row and its broadcast,
// whose txn id is the row id.
func giftKey(rowID string) string {
	return "gift:" + rowID
}

// markGift records key and reports whether it was new. Keys older than
// giftDedupTTL are forgotten.
func (s *Session) markGift(key string) bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.seenGifts {
		if now.Sub(at) > giftDedupTTL {
			delete(s.seenGifts, k)
		}
	}
	if _, ok := s.seenGifts[key]; ok {
		return false
	}
	s.seenGifts[key] = now
	return true
}

// raiseLikes moves the like total forward; totals never go back.
func (s *Session) raiseLikes(total int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if total <= s.likes {
		return false
	}
	s.likes = total
	return true
}

// entrance emits the entrance effect of a first-time viewer.
func (s *Session) entrance(m event.Member) {
	if m.Role == RoleHost {
		return
	}
	name := m.DisplayName
	if name == "" {
		name = m.UserID
	}
	s.queue.Push(event.ChatEvent{
		ID:        "entrance:" + m.UserID,
		StreamID:  s.streamID,
		SenderID:  m.UserID,
		Content:   name + " joined the stream",
		Kind:      event.KindEntrance,
		CreatedAt: s.clock.Now(),
		Origin:    event.OriginLocal,
	})
}
