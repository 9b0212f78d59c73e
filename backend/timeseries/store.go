package timeseries

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxury-yacht/pulse/backend/internal/config"
)

// Update is a single appended point delivered to store subscribers.
type Update struct {
	Res   Resolution
	Key   string
	Point Point
}

// Subscription delivers live appends for a key set at one resolution.
// Updates is closed when the subscription is cancelled.
type Subscription struct {
	Updates <-chan Update

	store   *Store
	ch      chan Update
	res     Resolution
	keys    map[string]struct{}
	dropped atomic.Uint64
	once    sync.Once
}

// Cancel detaches the subscription from the store and closes Updates.
func (sub *Subscription) Cancel() {
	sub.once.Do(func() {
		sub.store.unsubscribe(sub)
		close(sub.ch)
	})
}

// Dropped reports how many updates were discarded because the subscriber
// fell behind.
func (sub *Subscription) Dropped() uint64 {
	return sub.dropped.Load()
}

// StoreConfig captures the tunables for a Store. Zero values fall back to
// the package defaults.
type StoreConfig struct {
	HiRetention time.Duration
	LoRetention time.Duration
	LoStep      time.Duration
	Now         func() time.Time
}

// Store owns the per-key series buffers at both resolutions and fans
// appended points out to live subscribers. Appends always land in the
// hi-res buffer; the lo-res buffer receives a downsampled copy whenever
// the last lo-res point is at least LoStep old.
type Store struct {
	mu        sync.RWMutex
	series    map[Resolution]map[string]*Series
	retention map[Resolution]time.Duration
	loStep    time.Duration
	subs      map[*Subscription]struct{}
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.HiRetention <= 0 {
		cfg.HiRetention = config.HiResRetention
	}
	if cfg.LoRetention <= 0 {
		cfg.LoRetention = config.LoResRetention
	}
	if cfg.LoStep <= 0 {
		cfg.LoStep = config.LoResStep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		series: map[Resolution]map[string]*Series{
			ResolutionHi: make(map[string]*Series),
			ResolutionLo: make(map[string]*Series),
		},
		retention: map[Resolution]time.Duration{
			ResolutionHi: cfg.HiRetention,
			ResolutionLo: cfg.LoRetention,
		},
		loStep: cfg.LoStep,
		subs:   make(map[*Subscription]struct{}),
		now:    cfg.Now,
	}
}

// Upsert returns the series for key at the given resolution, creating it
// if needed.
func (s *Store) Upsert(res Resolution, key string) *Series {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(res, key)
}

func (s *Store) upsertLocked(res Resolution, key string) *Series {
	byKey, ok := s.series[res]
	if !ok {
		byKey = make(map[string]*Series)
		s.series[res] = byKey
	}
	series, ok := byKey[key]
	if !ok {
		series = NewSeries(s.retention[res])
		byKey[key] = series
	}
	return series
}

// Get returns the series for key if it exists.
func (s *Store) Get(res Resolution, key string) (*Series, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series, ok := s.series[res][key]
	return series, ok
}

// Append stores a sampled point for key. The hi-res buffer always receives
// the point; the lo-res buffer receives it only when enough time has passed
// since its last point. Subscribers for the affected resolutions are
// notified.
func (s *Store) Append(key string, p Point) {
	if !p.Valid() {
		return
	}

	s.mu.Lock()
	hi := s.upsertLocked(ResolutionHi, key)
	lo := s.upsertLocked(ResolutionLo, key)
	s.mu.Unlock()

	if hi.Add(p) {
		s.publish(Update{Res: ResolutionHi, Key: key, Point: p})
	}

	if last, ok := lo.Last(); ok && p.T.Sub(last.T) < s.loStep {
		return
	}
	if lo.Add(p) {
		s.publish(Update{Res: ResolutionLo, Key: key, Point: p})
	}
}

// Seed bulk-loads archived points into a buffer without notifying
// subscribers. Used for startup replay.
func (s *Store) Seed(res Resolution, key string, points []Point) {
	series := s.Upsert(res, key)
	merged := append(series.Snapshot(), points...)
	series.Replace(merged)
}

// Snapshot returns copies of the requested key buffers, restricted to the
// lookback window (the full buffer when window is zero). Requested keys
// are always present in the result, even when their buffer is empty.
func (s *Store) Snapshot(res Resolution, keys []string, window time.Duration) map[string][]Point {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = s.now().Add(-window)
	}

	out := make(map[string][]Point, len(keys))
	for _, key := range keys {
		series, ok := s.Get(res, key)
		if !ok {
			out[key] = []Point{}
			continue
		}
		if cutoff.IsZero() {
			out[key] = series.Snapshot()
		} else {
			out[key] = series.SnapshotSince(cutoff)
		}
	}
	return out
}

// SnapshotSince returns all points at the given resolution with timestamps
// at or after cutoff, keyed by series. Keys with no qualifying points are
// omitted. Used by the archive flush loop.
func (s *Store) SnapshotSince(res Resolution, cutoff time.Time) map[string][]Point {
	s.mu.RLock()
	byKey := make(map[string]*Series, len(s.series[res]))
	for key, series := range s.series[res] {
		byKey[key] = series
	}
	s.mu.RUnlock()

	out := make(map[string][]Point)
	for key, series := range byKey {
		points := series.SnapshotSince(cutoff)
		if len(points) > 0 {
			out[key] = points
		}
	}
	return out
}

// Keys lists the known series keys at a resolution.
func (s *Store) Keys(res Resolution) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.series[res]))
	for key := range s.series[res] {
		keys = append(keys, key)
	}
	return keys
}

// Prune drops expired points from every buffer. Keys are never removed,
// only their points; an empty buffer is distinct from an absent key.
func (s *Store) Prune() {
	now := s.now()

	s.mu.RLock()
	all := make([]*Series, 0)
	for _, byKey := range s.series {
		for _, series := range byKey {
			all = append(all, series)
		}
	}
	s.mu.RUnlock()

	for _, series := range all {
		series.Prune(now)
	}
}

// Subscribe registers for live appends of the given keys at one
// resolution. Delivery is best-effort: when the subscriber's buffer is
// full the update is dropped and counted rather than blocking the sampler.
func (s *Store) Subscribe(res Resolution, keys []string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = config.StreamSubscriberBufferSize
	}
	keySet := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keySet[key] = struct{}{}
	}

	sub := &Subscription{
		store: s,
		ch:    make(chan Update, buffer),
		res:   res,
		keys:  keySet,
	}
	sub.Updates = sub.ch

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// publish delivers under the read lock so Cancel's write-locked removal
// cannot race a send on a closed channel.
func (s *Store) publish(update Update) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		if sub.res != update.Res {
			continue
		}
		if _, ok := sub.keys[update.Key]; !ok {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			sub.dropped.Add(1)
		}
	}
}
