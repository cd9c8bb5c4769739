package clock

import (
	"testing"
	"time"
)

func TestSystemNowAdvancesRealTime(t *testing.T) {
	var s System
	first := s.Now()
	time.Sleep(time.Millisecond)
	second := s.Now()
	if !second.After(first) {
		t.Fatalf("expected second read to be after first")
	}
}

func TestFakeNowStaysFixedUntilAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if !f.Now().Equal(start) {
		t.Fatalf("got %v want %v", f.Now(), start)
	}
	f.Advance(time.Hour)
	if want := start.Add(time.Hour); !f.Now().Equal(want) {
		t.Fatalf("got %v want %v", f.Now(), want)
	}
}

func TestFakeAfterFuncFiresOnlyOnceDeadlineReached(t *testing.T) {
	f := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fired := 0
	f.AfterFunc(time.Minute, func() { fired++ })

	f.Advance(30 * time.Second)
	if fired != 0 {
		t.Fatalf("expected no fire before deadline, got %d", fired)
	}

	f.Advance(31 * time.Second)
	if fired != 1 {
		t.Fatalf("expected exactly one fire, got %d", fired)
	}

	f.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("expected timer not to re-fire, got %d", fired)
	}
}

func TestFakeAfterFuncStopPreventsFire(t *testing.T) {
	f := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fired := 0
	timer := f.AfterFunc(time.Minute, func() { fired++ })

	if !timer.Stop() {
		t.Fatalf("expected first Stop to report true")
	}
	if timer.Stop() {
		t.Fatalf("expected second Stop to report false")
	}

	f.Advance(time.Hour)
	if fired != 0 {
		t.Fatalf("expected stopped timer not to fire, got %d", fired)
	}
}

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	f := NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var order []string

	f.AfterFunc(2*time.Minute, func() { order = append(order, "second") })
	f.AfterFunc(1*time.Minute, func() { order = append(order, "first") })

	f.Advance(3 * time.Minute)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected fire order: %v", order)
	}
}

func TestDefaultIsSystemClock(t *testing.T) {
	if _, ok := Default.(System); !ok {
		t.Fatalf("expected Default to be a System clock")
	}
}
