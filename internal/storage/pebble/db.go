package pebblestore

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = pebble.ErrNotFound

// FsyncMode selects when committed writes reach stable storage.
type FsyncMode int

const (
	// FsyncModeUnspecified behaves like FsyncModeInterval with the default window.
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every commit.
	FsyncModeAlways
	// FsyncModeInterval lets pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to pebble.
	FsyncModeNever
)

const defaultFsyncInterval = 5 * time.Millisecond

// Options configure Open.
type Options struct {
	// DataDir holds the database. Ignored when InMemory is set.
	DataDir  string
	InMemory bool
	Fsync    FsyncMode
	// FsyncInterval is the group-commit window for FsyncModeInterval.
	FsyncInterval time.Duration
	// Pebble overrides the engine options. The store still sets FS and the
	// WAL sync interval from the fields above.
	Pebble  *pebble.Options
	Metrics MetricsHook
}

// MetricsHook observes storage latency and volume.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
	ObserveBatchCommit(elapsed time.Duration, numOps int, bytes int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveWrite(time.Duration, int)            {}
func (noopMetrics) ObserveRead(time.Duration, int)             {}
func (noopMetrics) ObserveBatchCommit(time.Duration, int, int) {}

// DB is the broker's handle on pebble.
type DB struct {
	inner   *pebble.DB
	sync    *pebble.WriteOptions
	metrics MetricsHook
}

// Open opens or creates the database described by opts.
func Open(opts Options) (*DB, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, errors.New("pebblestore: data dir is required unless in-memory")
	}
	po := &pebble.Options{}
	if opts.Pebble != nil {
		po = opts.Pebble
	}
	dir := opts.DataDir
	if opts.InMemory {
		po.FS, dir = vfs.NewMem(), ""
	}
	if window := walWindow(opts); window > 0 {
		po.WALMinSyncInterval = func() time.Duration { return window }
	}

	inner, err := pebble.Open(dir, po)
	if err != nil {
		return nil, err
	}
	db := &DB{inner: inner, sync: pebble.NoSync, metrics: opts.Metrics}
	if opts.Fsync == FsyncModeAlways {
		db.sync = pebble.Sync
	}
	if db.metrics == nil {
		db.metrics = noopMetrics{}
	}
	return db, nil
}

// walWindow is the group-commit window for the mode, zero for none.
func walWindow(opts Options) time.Duration {
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
		return 0
	case FsyncModeInterval:
		if opts.FsyncInterval > 0 {
			return opts.FsyncInterval
		}
	}
	return defaultFsyncInterval
}

func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewBatch starts an atomic write. Callers Close it after commit.
func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch applies b under the configured fsync mode.
func (db *DB) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebblestore: nil batch")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	ops, size := int(b.Count()), b.Len()
	err := b.Commit(db.sync)
	db.metrics.ObserveBatchCommit(time.Since(start), ops, size)
	return err
}

// Set writes a single key.
func (db *DB) Set(key, value []byte) error {
	start := time.Now()
	if err := db.inner.Set(key, value, db.sync); err != nil {
		return err
	}
	db.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return nil
}

// Get returns a copy of the value stored at key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	start := time.Now()
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	db.metrics.ObserveRead(time.Since(start), len(out))
	return out, nil
}

func (db *DB) Has(key []byte) (bool, error) {
	_, closer, err := db.inner.Get(key)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

// NewIter opens a raw iterator. Callers Close it.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// Count returns the number of keys in [lo, hi).
func (db *DB) Count(lo, hi []byte) (int, error) {
	iter, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return 0, err
	}
	return n, iter.Close()
}

// LastKey returns a copy of the greatest key in [lo, hi), or nil when the
// range is empty.
func (db *DB) LastKey(lo, hi []byte) ([]byte, error) {
	iter, err := db.inner.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	var key []byte
	if iter.Last() {
		key = append([]byte(nil), iter.Key()...)
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return nil, err
	}
	return key, iter.Close()
}

// Ping checks that the engine still serves reads.
func (db *DB) Ping(ctx context.Context) error {
	if db == nil || db.inner == nil {
		return errors.New("pebblestore: not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	iter, err := db.inner.NewIter(nil)
	if err != nil {
		return err
	}
	return iter.Close()
}
