package timeseries

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Resolution selects the sampling granularity of a series buffer.
type Resolution string

const (
	// ResolutionHi is the high-frequency buffer (~1s step, short window).
	ResolutionHi Resolution = "hi"
	// ResolutionLo is the downsampled buffer (~10s step, long window).
	ResolutionLo Resolution = "lo"
)

// ParseResolution validates a wire resolution value, defaulting to lo for
// an empty string.
func ParseResolution(raw string) (Resolution, error) {
	switch strings.TrimSpace(raw) {
	case "", string(ResolutionLo):
		return ResolutionLo, nil
	case string(ResolutionHi):
		return ResolutionHi, nil
	default:
		return "", fmt.Errorf("unknown resolution %q", raw)
	}
}

// Series is a time-ordered buffer of points bounded by a retention window.
// Timestamps are strictly increasing; appends at or before the last stored
// timestamp are discarded so duplicate or out-of-order delivery is a no-op.
type Series struct {
	mu        sync.Mutex
	points    []Point
	retention time.Duration
}

// NewSeries creates an empty series with the given retention window.
func NewSeries(retention time.Duration) *Series {
	return &Series{retention: retention}
}

// Add appends a point if it is valid and newer than the last stored point.
// It reports whether the point was stored.
func (s *Series) Add(p Point) bool {
	if !p.Valid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.points); n > 0 && !p.T.After(s.points[n-1].T) {
		return false
	}
	s.points = append(s.points, p)
	return true
}

// Replace swaps the buffer contents wholesale. Points are sorted ascending,
// deduplicated by timestamp, and invalid points are dropped.
func (s *Series) Replace(points []Point) {
	cleaned := make([]Point, 0, len(points))
	for _, p := range points {
		if p.Valid() {
			cleaned = append(cleaned, p)
		}
	}
	sort.Slice(cleaned, func(i, j int) bool { return cleaned[i].T.Before(cleaned[j].T) })

	deduped := cleaned[:0]
	for _, p := range cleaned {
		if n := len(deduped); n > 0 && !p.T.After(deduped[n-1].T) {
			continue
		}
		deduped = append(deduped, p)
	}

	s.mu.Lock()
	s.points = append([]Point(nil), deduped...)
	s.mu.Unlock()
}

// Prune drops points older than the retention window relative to now.
func (s *Series) Prune(now time.Time) {
	if s.retention <= 0 {
		return
	}
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].T.Before(cutoff)
	})
	if idx == 0 {
		return
	}
	// Copy into a fresh slice so the backing array cannot grow unbounded.
	remaining := make([]Point, len(s.points)-idx)
	copy(remaining, s.points[idx:])
	s.points = remaining
}

// Snapshot returns a copy of the buffered points.
func (s *Series) Snapshot() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

// SnapshotSince returns a copy of the points with timestamps at or after
// the cutoff.
func (s *Series) SnapshotSince(cutoff time.Time) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.points), func(i int) bool {
		return !s.points[i].T.Before(cutoff)
	})
	out := make([]Point, len(s.points)-idx)
	copy(out, s.points[idx:])
	return out
}

// Last returns the most recent point, if any.
func (s *Series) Last() (Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.points) == 0 {
		return Point{}, false
	}
	return s.points[len(s.points)-1], true
}

// Len returns the number of buffered points.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}
