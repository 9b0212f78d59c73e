package timeutil

import (
	"fmt"
	"time"
)

// FormatAge renders how long ago t was, using the units ParseWindow
// understands. Collection ages live in the seconds-to-hours range, so the
// granularity stops at days.
func FormatAge(t time.Time) string {
	if t.IsZero() {
		return "0s"
	}

	elapsed := time.Since(t)
	if elapsed < 0 {
		elapsed = 0
	}

	seconds := int(elapsed.Seconds())
	if seconds < 120 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}
	if hours%24 == 0 {
		return fmt.Sprintf("%dd", hours/24)
	}
	return fmt.Sprintf("%dd%dh", hours/24, hours%24)
}
