package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var got []int

	c.AfterFunc(300*time.Millisecond, func() { got = append(got, 3) })
	c.AfterFunc(100*time.Millisecond, func() { got = append(got, 1) })
	c.AfterFunc(200*time.Millisecond, func() { got = append(got, 2) })

	c.Advance(250 * time.Millisecond)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("after 250ms got %v, want [1 2]", got)
	}

	c.Advance(50 * time.Millisecond)
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("after 300ms got %v, want [1 2 3]", got)
	}
	if !c.Now().Equal(epoch.Add(300 * time.Millisecond)) {
		t.Errorf("Now = %v, want %v", c.Now(), epoch.Add(300*time.Millisecond))
	}
}

func TestFake_CallbackSeesDeadlineTime(t *testing.T) {
	c := NewFake(epoch)
	var seen time.Time
	c.AfterFunc(time.Second, func() { seen = c.Now() })

	c.Advance(5 * time.Second)

	if !seen.Equal(epoch.Add(time.Second)) {
		t.Errorf("callback saw %v, want %v", seen, epoch.Add(time.Second))
	}
}

func TestFake_Stop(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatal("first Stop should return true")
	}
	if tm.Stop() {
		t.Error("second Stop should return false")
	}

	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestEvery(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	tm := Every(c, time.Second, func() { count++ })

	c.Advance(3500 * time.Millisecond)
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	tm.Stop()
	c.Advance(5 * time.Second)
	if count != 3 {
		t.Errorf("count after Stop = %d, want 3", count)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", c.Pending())
	}
}
