package telemetry

import "time"

// Nanos converts a time to Unix nanoseconds.
func Nanos(t time.Time) int64 {
	return t.UnixNano()
}

// FromNanos converts Unix nanoseconds to a UTC time.
func FromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// EpochOfDay returns the Unix nanoseconds of midnight UTC on t's day and the
// offset of t from it. Batches use the midnight epoch so timestamps stay small.
func EpochOfDay(t time.Time) (epoch, offset int64) {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.UnixNano(), u.Sub(midnight).Nanoseconds()
}

// IntervalNanos returns the nanoseconds between samples at hz.
func IntervalNanos(hz float64) int64 {
	if hz <= 0 {
		return 0
	}
	return int64(float64(time.Second) / hz)
}
