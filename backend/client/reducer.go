package client

import (
	"sort"
	"sync"
	"time"

	"github.com/luxury-yacht/pulse/backend/timeseries"
)

// Reducer folds init and append messages into bounded per-key buffers.
// Buffers stay sorted ascending by timestamp and never retain points older
// than the configured window.
type Reducer struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	series map[string][]timeseries.Point
}

// NewReducer creates a reducer holding at most window of history per key.
func NewReducer(window time.Duration) *Reducer {
	return &Reducer{
		window: window,
		now:    time.Now,
		series: make(map[string][]timeseries.Point),
	}
}

// ApplyInit replaces buffers wholesale with the snapshot payload. Points
// are sorted, deduplicated by timestamp, and invalid points are dropped.
func (r *Reducer) ApplyInit(data map[string][]timeseries.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, points := range data {
		cleaned := make([]timeseries.Point, 0, len(points))
		for _, p := range points {
			if p.Valid() {
				cleaned = append(cleaned, p)
			}
		}
		sort.Slice(cleaned, func(i, j int) bool { return cleaned[i].T.Before(cleaned[j].T) })

		deduped := cleaned[:0]
		for _, p := range cleaned {
			if len(deduped) > 0 && !p.T.After(deduped[len(deduped)-1].T) {
				continue
			}
			deduped = append(deduped, p)
		}
		r.series[key] = deduped
	}
	r.pruneLocked()
}

// ApplyAppend adds a single point to one key's buffer. Appends at or
// before the buffer's last timestamp are silent no-ops. Returns whether
// the point was applied.
func (r *Reducer) ApplyAppend(key string, p timeseries.Point) bool {
	if !p.Valid() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.series[key]
	if len(buf) > 0 && !p.T.After(buf[len(buf)-1].T) {
		return false
	}
	r.series[key] = append(buf, p)
	r.pruneLocked()
	return true
}

// Prune drops points older than now minus the window across all keys.
func (r *Reducer) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
}

func (r *Reducer) pruneLocked() {
	cutoff := r.now().Add(-r.window)
	for key, points := range r.series {
		idx := sort.Search(len(points), func(i int) bool {
			return !points[i].T.Before(cutoff)
		})
		if idx == 0 {
			continue
		}
		trimmed := make([]timeseries.Point, len(points)-idx)
		copy(trimmed, points[idx:])
		r.series[key] = trimmed
	}
}

// Snapshot returns a copy of every buffer.
func (r *Reducer) Snapshot() map[string][]timeseries.Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]timeseries.Point, len(r.series))
	for key, points := range r.series {
		cp := make([]timeseries.Point, len(points))
		copy(cp, points)
		out[key] = cp
	}
	return out
}

// Series returns a copy of one key's buffer.
func (r *Reducer) Series(key string) []timeseries.Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	points := r.series[key]
	cp := make([]timeseries.Point, len(points))
	copy(cp, points)
	return cp
}

// Reset drops all buffers. Reconnects do not need it because init
// replaces each series wholesale; callers use it when discarding a key
// set outright.
func (r *Reducer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series = make(map[string][]timeseries.Point)
}
