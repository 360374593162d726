// Package gifts classifies gift purchases by tier, counts per-sender combos
// and schedules their display: small and medium tiers stack in a concurrent
// list, large tiers take turns in a single exclusive slot.
package gifts

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/graaaaa/livecast/internal/clock"
)

// Event is a classified gift ready for display.
type Event struct {
	InstanceID        string        `json:"instance_id"`
	GiftID            string        `json:"gift_id"`
	Name              string        `json:"name"`
	Icon              string        `json:"icon,omitempty"`
	SenderID          string        `json:"sender_id"`
	SenderDisplayName string        `json:"sender_display_name"`
	SenderAvatarURL   string        `json:"sender_avatar_url,omitempty"`
	Tier              Tier          `json:"tier"`
	CoinCost          int64         `json:"coin_cost"`
	Quantity          int           `json:"quantity"`
	ReceivedAt        time.Time     `json:"received_at"`
	Duration          time.Duration `json:"duration"`
	Combo             int           `json:"combo,omitempty"` // set only when >= 2
	Label             string        `json:"label"`
}

// State is the observable display state.
type State struct {
	Concurrent []Event `json:"concurrent"`
	Exclusive  *Event  `json:"exclusive,omitempty"`
	Queued     int     `json:"queued"`
}

// Observer receives scheduling statistics.
type Observer interface {
	GiftScheduled(tier Tier, exclusive bool)
}

type concurrentEntry struct {
	ev    Event
	timer clock.Timer
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	catalog     *Catalog
	clock       clock.Clock
	logger      *slog.Logger
	comboWindow time.Duration
	onCue       func(Event)
	onChange    func(State)
	observer    Observer
	newID       func() string

	mu             sync.Mutex
	combos         *comboTracker
	concurrent     []concurrentEntry
	exclusive      *Event
	exclusiveTimer clock.Timer
	queue          []Event
	stopped        bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock (for testing).
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithComboWindow sets the combo window.
func WithComboWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.comboWindow = d
		}
	}
}

// WithCue sets the side-effect callback, called once per display cycle:
// when an exclusive gift starts playing or a concurrent gift appears.
func WithCue(f func(Event)) Option {
	return func(s *Scheduler) { s.onCue = f }
}

// WithOnChange sets a callback invoked with the new State after every change.
func WithOnChange(f func(State)) Option {
	return func(s *Scheduler) { s.onChange = f }
}

// WithObserver sets the statistics observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithIDGenerator sets the instance id generator (for testing).
func WithIDGenerator(f func() string) Option {
	return func(s *Scheduler) { s.newID = f }
}

// NewScheduler creates a Scheduler. A nil catalog uses DefaultCatalog.
func NewScheduler(catalog *Catalog, opts ...Option) *Scheduler {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	s := &Scheduler{
		catalog:     catalog,
		clock:       clock.Real,
		logger:      slog.Default(),
		comboWindow: DefaultComboWindow,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.combos = newComboTracker(s.comboWindow)
	return s
}

// Classify resolves the gift's catalog entry and tier without scheduling
// it. The tier is the higher of the catalog tier and the tier of the total
// coin cost.
func (s *Scheduler) Classify(raw RawGift) Event {
	qty := raw.Quantity
	if qty < 1 {
		qty = 1
	}
	ev := Event{
		GiftID:            raw.GiftID,
		Name:              raw.Name,
		SenderID:          raw.SenderID,
		SenderDisplayName: raw.SenderName,
		SenderAvatarURL:   raw.SenderAvatar,
		CoinCost:          raw.Amount,
		Quantity:          qty,
		ReceivedAt:        raw.ReceivedAt,
	}
	if ev.SenderDisplayName == "" {
		ev.SenderDisplayName = "Anonymous"
	}

	g, ok := s.catalog.Lookup(raw.GiftID)
	if !ok && raw.Name != "" {
		g, ok = s.catalog.Lookup(raw.Name)
	}
	if ok {
		ev.GiftID = g.ID
		ev.Name = g.Name
		ev.Icon = g.Icon
		ev.Tier = g.Tier
		ev.Duration = g.Duration.Std()
		if ev.CoinCost == 0 {
			ev.CoinCost = g.Cost * int64(qty)
		}
		// A bulk purchase plays at the tier its total cost reaches.
		if tier, d := s.catalog.Classify(ev.CoinCost); tier > ev.Tier {
			ev.Tier, ev.Duration = tier, d
		}
	} else {
		ev.Tier, ev.Duration = s.catalog.Classify(ev.CoinCost)
		if ev.Name == "" {
			ev.Name = ev.GiftID
		}
	}
	ev.Label = label(ev)
	return ev
}

func label(ev Event) string {
	if ev.Quantity > 1 {
		return fmt.Sprintf("%s x%d (%s coins)", ev.Name, ev.Quantity, humanize.Comma(ev.CoinCost))
	}
	return fmt.Sprintf("%s (%s coins)", ev.Name, humanize.Comma(ev.CoinCost))
}

// Ingest classifies a gift, updates the sender's combo and schedules the
// display. It returns the scheduled event.
func (s *Scheduler) Ingest(raw RawGift) Event {
	ev := s.Classify(raw)
	now := s.clock.Now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	ev.InstanceID = s.newID()

	var cues []Event
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ev
	}
	if ev.SenderID != "" {
		if n := s.combos.hit(ev.SenderID, now); n >= 2 {
			ev.Combo = n
		}
	}

	if ev.Tier.Large() {
		if s.exclusive == nil {
			cues = append(cues, s.startExclusiveLocked(ev))
		} else {
			s.queue = append(s.queue, ev)
		}
	} else {
		id := ev.InstanceID
		timer := s.clock.AfterFunc(ev.Duration, func() { s.expireConcurrent(id) })
		s.concurrent = append(s.concurrent, concurrentEntry{ev: ev, timer: timer})
		cues = append(cues, ev)
	}
	state := s.stateLocked()
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.GiftScheduled(ev.Tier, ev.Tier.Large())
	}
	s.emit(cues, state)
	return ev
}

// startExclusiveLocked puts ev in the exclusive slot and arms its timer.
// Must be called with mu held.
func (s *Scheduler) startExclusiveLocked(ev Event) Event {
	s.exclusive = &ev
	s.exclusiveTimer = s.clock.AfterFunc(ev.Duration, s.finishExclusive)
	s.logger.Debug("exclusive gift started",
		"gift_id", ev.GiftID,
		"tier", ev.Tier.String(),
		"queued", len(s.queue),
	)
	return ev
}

// finishExclusive clears the slot and starts the next queued gift, if any.
func (s *Scheduler) finishExclusive() {
	var cues []Event
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.exclusive = nil
	s.exclusiveTimer = nil
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		cues = append(cues, s.startExclusiveLocked(next))
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.emit(cues, state)
}

func (s *Scheduler) expireConcurrent(instanceID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	removed := false
	for i, e := range s.concurrent {
		if e.ev.InstanceID == instanceID {
			s.concurrent = append(s.concurrent[:i], s.concurrent[i+1:]...)
			removed = true
			break
		}
	}
	state := s.stateLocked()
	s.mu.Unlock()

	if removed {
		s.emit(nil, state)
	}
}

func (s *Scheduler) emit(cues []Event, state State) {
	if s.onCue != nil {
		for _, ev := range cues {
			s.onCue(ev)
		}
	}
	if s.onChange != nil {
		s.onChange(state)
	}
}

// State returns the current display state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	st := State{
		Concurrent: make([]Event, len(s.concurrent)),
		Queued:     len(s.queue),
	}
	for i, e := range s.concurrent {
		st.Concurrent[i] = e.ev
	}
	if s.exclusive != nil {
		ex := *s.exclusive
		st.Exclusive = &ex
	}
	return st
}

// Stop cancels every pending timer and clears the display state.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, e := range s.concurrent {
		e.timer.Stop()
	}
	s.concurrent = nil
	if s.exclusiveTimer != nil {
		s.exclusiveTimer.Stop()
		s.exclusiveTimer = nil
	}
	s.exclusive = nil
	s.queue = nil
	s.combos.reset()
}
