package sensor

import "time"

const (
	// TimestampLayout is the format of Reading.Timestamp.
	TimestampLayout = "2006-01-02 15:04:05"
	// FallbackTimestamp is reported while the wall clock is not yet set.
	FallbackTimestamp = "2024-01-01 00:00:00"
)

// TimeSource produces the wall-clock timestamp stamped on each reading.
type TimeSource interface {
	Timestamp() string
}

// ZoneClock formats the current time in a fixed UTC offset.
type ZoneClock struct {
	now  func() time.Time
	zone *time.Location
}

// NewZoneClock creates a time source for the given UTC offset in hours.
// A nil now uses time.Now.
func NewZoneClock(now func() time.Time, utcOffsetHours int) *ZoneClock {
	if now == nil {
		now = time.Now
	}
	return &ZoneClock{
		now:  now,
		zone: time.FixedZone("", utcOffsetHours*3600),
	}
}

// Timestamp returns the local time, or FallbackTimestamp when the clock
// reads earlier than 2024 and was evidently never set.
func (z *ZoneClock) Timestamp() string {
	t := z.now().In(z.zone)
	if t.Year() < 2024 {
		return FallbackTimestamp
	}
	return t.Format(TimestampLayout)
}
