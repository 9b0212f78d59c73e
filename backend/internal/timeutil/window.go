package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseWindow parses a lookback window of the form "<integer><s|m|h>"
// (e.g. "15m", "60m", "1h"). An invalid window is a configuration error,
// so callers are expected to fail fast rather than fall back to a default.
func ParseWindow(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 2 {
		return 0, fmt.Errorf("invalid window %q: expected <integer><s|m|h>", raw)
	}

	unit := trimmed[len(trimmed)-1]
	value, err := strconv.Atoi(trimmed[:len(trimmed)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", raw, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid window %q: value must be positive", raw)
	}

	switch unit {
	case 's':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid window %q: unknown unit %q", raw, string(unit))
	}
}

// FormatWindow renders a duration in the compact form ParseWindow accepts.
// Durations that do not divide evenly into hours or minutes fall back to
// seconds.
func FormatWindow(window time.Duration) string {
	if window <= 0 {
		return "0s"
	}
	if window%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(window/time.Hour))
	}
	if window%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(window/time.Minute))
	}
	return fmt.Sprintf("%ds", int(window/time.Second))
}
