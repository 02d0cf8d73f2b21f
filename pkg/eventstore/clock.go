package eventstore

import "time"

// Clock is injected rather than reading system time directly, so the
// metadata-age cache and expiry filter are deterministic under test.
type Clock func() time.Time

// SystemClock returns the wall-clock UTC time.
func SystemClock() time.Time {
	return time.Now().UTC()
}

func secondsToDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}
