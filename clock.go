package mxl

import "time"

// Clock converts between wall-clock time and the logical sample/grain index
// of a flow running at a fixed rate (spec §2: "index<->time conversion for
// a given rate"). No library in the retrieved example pack offers
// monotonic/TAI conversion; this is a narrow leaf utility built directly on
// the standard library's time package, which already yields a monotonic
// reading from time.Now() on every platform this module targets.
type Clock struct{}

// NewClock returns a Clock. It holds no state; every method is pure.
func NewClock() Clock { return Clock{} }

// Now returns the current monotonic time.
func (Clock) Now() time.Time { return time.Now() }

// IndexAt returns the logical index of t for a flow running at
// rateNumerator/rateDenominator samples (or grains) per second, relative to
// epoch.
func (Clock) IndexAt(t, epoch time.Time, rateNumerator, rateDenominator uint32) int64 {
	if rateNumerator == 0 {
		return 0
	}
	elapsed := t.Sub(epoch)
	return (elapsed.Nanoseconds() * int64(rateNumerator)) / (int64(time.Second) * int64(rateDenominator))
}

// TimeAt returns the wall-clock time of the given logical index for a flow
// running at rateNumerator/rateDenominator samples (or grains) per second,
// relative to epoch.
func (Clock) TimeAt(index int64, epoch time.Time, rateNumerator, rateDenominator uint32) time.Time {
	if rateNumerator == 0 {
		return epoch
	}
	ns := (index * int64(rateDenominator) * int64(time.Second)) / int64(rateNumerator)
	return epoch.Add(time.Duration(ns))
}
