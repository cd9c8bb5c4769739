package serialize

import (
	"math"
	"time"
)

// Tick resolution and epoch: 100ns ticks since 0001-01-01T00:00:00Z, the
// resolution and epoch the original Akavache serializes DateTime values
// with verbatim (see DESIGN.md for why this epoch was picked).
const ticksPerSecond int64 = 10_000_000

// epoch is 0001-01-01T00:00:00Z expressed the way Go's time package can
// represent it.
var epoch = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// MaxTicks is the tick encoding of "never expires": the maximum
// representable tick value. We reserve math.MaxInt64 itself for that
// sentinel rather than deriving it from a clamped time.Time, so the round
// trip ToTicks(NeverTime) == MaxTicks holds exactly.
const MaxTicks int64 = math.MaxInt64

// NeverTime is the time.Time decoded back from MaxTicks: a fixed clamp
// date (the end of the year 9999) far enough out that no real expiration
// could legitimately reach it.
var NeverTime = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// ToTicks converts t to a 100ns-tick count since the epoch. A zero
// time.Time or a time at/after NeverTime encodes as MaxTicks.
func ToTicks(t time.Time) int64 {
	if t.IsZero() || !t.Before(NeverTime) {
		return MaxTicks
	}
	secs := t.Unix() - epoch.Unix()
	return secs*ticksPerSecond + int64(t.Nanosecond())/100
}

// FromTicks converts a tick count back to a time.Time. MaxTicks decodes to
// NeverTime.
func FromTicks(ticks int64) time.Time {
	if ticks == MaxTicks {
		return NeverTime
	}
	secs := ticks / ticksPerSecond
	rem := ticks % ticksPerSecond
	return time.Unix(epoch.Unix()+secs, rem*100).UTC()
}
