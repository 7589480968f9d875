package decoder

import "time"

// MillisToTime converts an epoch-millisecond wire timestamp to a UTC
// time.Time, the form every Quote.EventTime is normalized into.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
