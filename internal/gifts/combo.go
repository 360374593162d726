package gifts

import "time"

// DefaultComboWindow is the maximum gap between two gifts of one sender
// that still continues a combo.
const DefaultComboWindow = 10 * time.Second

// ComboState tracks consecutive gifts of one sender.
type ComboState struct {
	Count           int
	WindowStartedAt time.Time
}

// comboTracker is not safe for concurrent use; the Scheduler guards it.
type comboTracker struct {
	window time.Duration
	states map[string]ComboState
}

func newComboTracker(window time.Duration) *comboTracker {
	return &comboTracker{window: window, states: make(map[string]ComboState)}
}

// hit records a gift from sender at now and returns the combo count.
func (c *comboTracker) hit(sender string, now time.Time) int {
	st, ok := c.states[sender]
	if ok && now.Sub(st.WindowStartedAt) <= c.window {
		st.Count++
	} else {
		st.Count = 1
	}
	st.WindowStartedAt = now
	c.states[sender] = st
	c.prune(now)
	return st.Count
}

// prune drops senders whose window has lapsed.
func (c *comboTracker) prune(now time.Time) {
	if len(c.states) < 256 {
		return
	}
	for sender, st := range c.states {
		if now.Sub(st.WindowStartedAt) > c.window {
			delete(c.states, sender)
		}
	}
}

func (c *comboTracker) reset() {
	c.states = make(map[string]ComboState)
}
