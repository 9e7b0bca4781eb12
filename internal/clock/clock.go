// Package clock provides the monotonic and wall-clock sources used across the
// capture pipeline. All wall timestamps are rendered at a fixed +08:00 offset
// (Asia/Manila) regardless of the host timezone.
package clock

import "time"

// Manila is the fixed +08:00 zone every outgoing timestamp is rendered in.
var Manila = time.FixedZone("+08:00", 8*60*60)

// Clock couples a monotonic origin with the wall clock. Monotonic readings
// are used for ordering and latency measurement; wall readings only ever
// appear in payloads and audit records.
type Clock struct {
	origin time.Time
	now    func() time.Time
}

// New returns a Clock anchored at the current instant.
func New() *Clock {
	return &Clock{origin: time.Now(), now: time.Now}
}

// NewFake returns a Clock whose wall reads come from the given function.
// Monotonic reads still advance with the real process clock.
func NewFake(now func() time.Time) *Clock {
	return &Clock{origin: time.Now(), now: now}
}

// Monotonic returns the duration since the clock's origin. time.Since reads
// the runtime monotonic counter, so this never jumps backwards.
func (c *Clock) Monotonic() time.Duration {
	return time.Since(c.origin)
}

// Wall returns the current wall time in the +08:00 zone.
func (c *Clock) Wall() time.Time {
	return c.now().In(Manila)
}

// Stamp returns the current wall time as an ISO-8601 string with the +08:00
// offset, millisecond precision.
func (c *Clock) Stamp() string {
	return Format(c.now())
}

// Format renders any time as ISO-8601 at +08:00 with millisecond precision.
func Format(t time.Time) string {
	return t.In(Manila).Format("2006-01-02T15:04:05.000-07:00")
}
