// Package sharequeue implements share-group topics on top of Pebble.
//
// A topic is a durable sequence of records. Any number of share groups may
// subscribe to a topic; each group independently receives every record, and
// within a group each record is leased to exactly one consumer at a time.
// Consumers finish a record with Accept or hand it back with Release. A
// lease that is neither accepted nor released before it expires is
// reclaimed and redelivered. Records delivered MaxDeliveries times are
// archived to the group's dead-letter set.
//
// Keys are laid out under sq/{topic}/:
//
//	meta                             creation time
//	msg/{id}                         framed record (CRC32C)
//	ref/{id}                         groups still owing an outcome
//	grp/{group}                      subscription time
//	avail/{group}/{id}               deliveries so far
//	lease/{group}/{id}               JSON lease
//	lease_idx/{group}/{exp}{id}      expiry index
//	dlq/{group}/{id}                 JSON dead letter
//
// IDs are time-ordered, so iteration over avail/ yields oldest first.
//
// Example:
//
//	b := sharequeue.NewBroker(db, sharequeue.Options{})
//	t, _ := b.Topic("orders")
//	_ = t.Subscribe(ctx, "billing")
//	_, _ = t.Publish(ctx, []byte("k"), []byte("v"), 0)
//	ds, _ := t.Acquire(ctx, "billing", "worker-1", 10, 0, 0)
//	for _, d := range ds {
//		_ = t.Accept(ctx, "billing", "worker-1", d.ID)
//	}
package sharequeue
