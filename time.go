package sparkplugb

import "time"

// GetCurrentTimestamp returns the current time in the Sparkplug B compliant
// format: milliseconds since the Unix epoch, UTC.
func GetCurrentTimestamp() int64 {
	return time.Now().UnixMilli()
}
