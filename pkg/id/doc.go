// Package id provides the 128-bit record identifiers used as share-queue
// message keys.
//
// An ID is [8 bytes ms][8 bytes sequence], big-endian, so pebble's byte
// ordering iterates records in publish order. A Generator never emits a
// smaller ID than its predecessor, even across clock regressions, and
// Observe lets a reopened store continue after its newest record.
//
//	g := id.NewGenerator()
//	g.Observe(lastStored)
//	next := g.Next()
//	back, _ := id.Parse(next.String())
package id
