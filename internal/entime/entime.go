// Package entime implements the exposure-notification time arithmetic:
// the 10-minute interval grid (ENIN) used for TEK/RPI timing, and the
// half-open wall-clock intervals used for diagnosis-server chunking.
package entime

import (
	"errors"
	"time"
)

// IntervalLength is the duration of one exposure-notification interval
// number (ENIN), fixed at 10 minutes by the protocol.
const IntervalLength = 10 * time.Minute

// ENIN is a count of 10-minute intervals since the UNIX epoch.
type ENIN uint32

// Now returns the ENIN containing t.
func Now(t time.Time) ENIN {
	return ENIN(t.Unix() / int64(IntervalLength/time.Second))
}

// Time returns the UTC instant at the start of the interval.
func (j ENIN) Time() time.Time {
	return time.Unix(int64(j)*int64(IntervalLength/time.Second), 0).UTC()
}

// TEKRP is a TEK rolling period, expressed as a positive number of ENIN
// units. The protocol default is 144 (24h).
type TEKRP uint32

// DefaultTEKRP is the protocol default rolling period: 144 ENIN (24h).
const DefaultTEKRP TEKRP = 144

// DefaultInfectionPeriod is the protocol default number of TEKRPs a key
// history retains: 14.
const DefaultInfectionPeriod = 14

// FloorTEKRPMultiple projects j onto the start of its TEKRP-aligned
// rolling window. Idempotent: FloorTEKRPMultiple(FloorTEKRPMultiple(j, t), t) == FloorTEKRPMultiple(j, t).
func FloorTEKRPMultiple(j ENIN, t TEKRP) ENIN {
	if t == 0 {
		return j
	}
	return (j / ENIN(t)) * ENIN(t)
}

// ErrNonPositiveDuration is returned when a TimeInterval would have zero
// or negative length.
var ErrNonPositiveDuration = errors.New("entime: interval duration must be positive")

// Tick is a generic wall-clock instant, expressed as whole seconds since
// the UNIX epoch. Chunk coverage windows are expressed on this grid
// (granularity set by the configured chunk_period, which is typically
// much finer than one ENIN), distinct from the 10-minute ENIN grid used
// for TEK/RPI timing.
type Tick int64

// TickOf converts a wall-clock instant to a Tick.
func TickOf(t time.Time) Tick {
	return Tick(t.Unix())
}

// Time returns the UTC instant the tick denotes.
func (t Tick) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// TimeInterval is a half-open range [From, To) on the Tick grid.
type TimeInterval struct {
	From Tick
	To   Tick
}

// NewTimeInterval builds a half-open interval, rejecting non-positive
// durations.
func NewTimeInterval(from, to Tick) (TimeInterval, error) {
	if to <= from {
		return TimeInterval{}, ErrNonPositiveDuration
	}
	return TimeInterval{From: from, To: to}, nil
}

// Contains reports whether t falls in [From, To).
func (i TimeInterval) Contains(t Tick) bool {
	return i.From <= t && t < i.To
}

// Duration is the tick-width of the interval.
func (i TimeInterval) Duration() Tick {
	return i.To - i.From
}

// NextInterval returns the contiguous interval immediately following i,
// of the same duration.
func (i TimeInterval) NextInterval() TimeInterval {
	d := i.Duration()
	return TimeInterval{From: i.To, To: i.To + d}
}

// WithAlignment returns the unique interval of duration d, anchored at
// today's UTC midnight plus some integer multiple of d, that contains
// now. d must be positive.
func WithAlignment(now time.Time, d time.Duration) (TimeInterval, error) {
	if d <= 0 {
		return TimeInterval{}, ErrNonPositiveDuration
	}
	secs := Tick(d / time.Second)
	if secs <= 0 {
		return TimeInterval{}, ErrNonPositiveDuration
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	anchor := TickOf(midnight)
	nowTick := TickOf(now)

	offset := (nowTick - anchor) / secs
	from := anchor + offset*secs
	return TimeInterval{From: from, To: from + secs}, nil
}
