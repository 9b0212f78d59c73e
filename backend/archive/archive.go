package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

// Config holds archive configuration.
type Config struct {
	Path  string
	Store *timeseries.Store

	Logger capabilities.Logger

	// Zero values fall back to the configured defaults.
	FlushInterval time.Duration
	GCInterval    time.Duration
	Retention     time.Duration

	Now func() time.Time
}

// Archive persists low-resolution points to BadgerDB so the store survives
// restarts with history intact. Blocks are zstd-compressed JSON, one entry
// per series per flush, expired by badger TTL.
type Archive struct {
	db      *badger.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	store         *timeseries.Store
	logger        capabilities.Logger
	flushInterval time.Duration
	gcInterval    time.Duration
	retention     time.Duration
	now           func() time.Time

	lastFlush time.Time
}

// Open initialises the archive database at cfg.Path.
func Open(cfg Config) (*Archive, error) {
	if cfg.Path == "" {
		return nil, errors.New("archive path is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("time-series store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = capabilities.NoopLogger()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.ArchiveFlushInterval
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = config.ArchiveGCInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = config.ArchiveRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil // Disable BadgerDB logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Archive{
		db:            db,
		encoder:       encoder,
		decoder:       decoder,
		store:         cfg.Store,
		logger:        cfg.Logger,
		flushInterval: cfg.FlushInterval,
		gcInterval:    cfg.GCInterval,
		retention:     cfg.Retention,
		now:           cfg.Now,
		lastFlush:     cfg.Now().Add(-cfg.Retention),
	}, nil
}

// Replay seeds the store with archived points. Call once before the
// sampler starts appending.
func (a *Archive) Replay() error {
	collected := make(map[string][]timeseries.Point)

	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			seriesKey, ok := splitBlockKey(item.Key())
			if !ok {
				continue
			}
			err := item.Value(func(value []byte) error {
				points, err := a.decodeBlock(value)
				if err != nil {
					return err
				}
				collected[seriesKey] = append(collected[seriesKey], points...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive replay failed: %w", err)
	}

	for key, points := range collected {
		sort.Slice(points, func(i, j int) bool { return points[i].T.Before(points[j].T) })
		a.store.Seed(timeseries.ResolutionLo, key, points)
	}

	if len(collected) > 0 {
		a.logger.Info(fmt.Sprintf("archive: replayed %d series", len(collected)), "Archive")
	}
	return nil
}

// Run flushes new low-resolution points and garbage-collects the value log
// until the context is cancelled.
func (a *Archive) Run(ctx context.Context) error {
	flush := time.NewTicker(a.flushInterval)
	defer flush.Stop()
	gc := time.NewTicker(a.gcInterval)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so a clean shutdown loses nothing.
			if err := a.Flush(); err != nil {
				a.logger.Warn(fmt.Sprintf("archive: final flush failed: %v", err), "Archive")
			}
			return ctx.Err()
		case <-flush.C:
			if err := a.Flush(); err != nil {
				a.logger.Warn(fmt.Sprintf("archive: flush failed: %v", err), "Archive")
			}
		case <-gc.C:
			// Badger asks for repeated calls until it returns ErrNoRewrite.
			for {
				if err := a.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// Flush writes every low-resolution point newer than the previous flush.
func (a *Archive) Flush() error {
	now := a.now()
	blocks := a.store.SnapshotSince(timeseries.ResolutionLo, a.lastFlush)
	if len(blocks) == 0 {
		a.lastFlush = now
		return nil
	}

	batch := a.db.NewWriteBatch()
	defer batch.Cancel()

	for key, points := range blocks {
		if len(points) == 0 {
			continue
		}
		value, err := a.encodeBlock(points)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(blockKey(key, now), value).WithTTL(a.retention)
		if err := batch.SetEntry(entry); err != nil {
			return err
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("archive flush failed: %w", err)
	}

	a.lastFlush = now
	return nil
}

// Close flushes outstanding writes and closes the database.
func (a *Archive) Close() error {
	a.encoder.Close()
	a.decoder.Close()
	return a.db.Close()
}

func (a *Archive) encodeBlock(points []timeseries.Point) ([]byte, error) {
	raw, err := json.Marshal(points)
	if err != nil {
		return nil, err
	}
	return a.encoder.EncodeAll(raw, nil), nil
}

func (a *Archive) decodeBlock(value []byte) ([]timeseries.Point, error) {
	raw, err := a.decoder.DecodeAll(value, nil)
	if err != nil {
		return nil, err
	}
	var points []timeseries.Point
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// blockKey is <series-key>\x00<flush-time-ms big endian> so per-series
// blocks iterate in time order.
func blockKey(seriesKey string, at time.Time) []byte {
	key := make([]byte, 0, len(seriesKey)+9)
	key = append(key, seriesKey...)
	key = append(key, 0)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixMilli()))
	return append(key, ts[:]...)
}

func splitBlockKey(key []byte) (string, bool) {
	if len(key) < 10 {
		return "", false
	}
	sep := len(key) - 9
	if key[sep] != 0 {
		return "", false
	}
	return string(key[:sep]), true
}
