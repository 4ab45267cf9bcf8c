// Package glucose holds the glucose-side arithmetic of the loop: insulin counteraction,
// momentum, and the effect curve operations used by retrospective correction.
package glucose

import "time"

// FloorToInterval returns t rounded down to a multiple of d since the Unix epoch
func FloorToInterval(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return t
	}
	return time.Unix(0, t.UnixNano()-mod(t.UnixNano(), int64(d))).In(t.Location())
}

// CeilToInterval returns t rounded up to a multiple of d since the Unix epoch
func CeilToInterval(t time.Time, d time.Duration) time.Time {
	floor := FloorToInterval(t, d)
	if floor.Equal(t) {
		return t
	}
	return floor.Add(d)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
