// Package pebblestore is the storage layer under the share-queue broker: a
// pebble database opened on disk or in memory, with commits synced
// according to an FsyncMode and latencies reported to a MetricsHook.
//
// The broker writes through batches and reads with point lookups and
// bounded iterators:
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeInterval})
//	b := db.NewBatch()
//	_ = b.Set(key, val, nil)
//	err = db.CommitBatch(ctx, b)
//	n, err := db.Count(lo, hi)
package pebblestore
