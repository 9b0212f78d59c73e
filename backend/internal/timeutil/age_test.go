package timeutil

import (
	"testing"
	"time"
)

func TestFormatAgeZero(t *testing.T) {
	if got := FormatAge(time.Time{}); got != "0s" {
		t.Fatalf("expected 0s, got %s", got)
	}
}

func TestFormatAgeFutureReturnsZero(t *testing.T) {
	if got := FormatAge(time.Now().Add(5 * time.Second)); got != "0s" {
		t.Fatalf("expected 0s for future timestamp, got %s", got)
	}
}

func TestFormatAgeGranularities(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		input    time.Time
		expected string
	}{
		{"seconds", now.Add(-(30*time.Second + 500*time.Millisecond)), "30s"},
		{"wholeMinuteStaysSeconds", now.Add(-(90*time.Second + 500*time.Millisecond)), "90s"},
		{"minutes", now.Add(-(3*time.Minute + 500*time.Millisecond)), "3m"},
		{"hours", now.Add(-(2*time.Hour + 500*time.Millisecond)), "2h"},
		{"daysWithHours", now.Add(-(3*24*time.Hour + 5*time.Hour + 500*time.Millisecond)), "3d5h"},
		{"wholeDays", now.Add(-(10*24*time.Hour + 500*time.Millisecond)), "10d"},
	}

	for _, tt := range tests {
		if got := FormatAge(tt.input); got != tt.expected {
			t.Fatalf("%s: expected %s, got %s", tt.name, tt.expected, got)
		}
	}
}
