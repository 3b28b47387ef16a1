package sharequeue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/sharepipe/internal/storage/pebble"
	"github.com/rzbill/sharepipe/pkg/id"
	"github.com/rzbill/sharepipe/pkg/log"
)

var (
	// ErrInvalidName is returned for topic or group names outside [A-Za-z0-9._-]{1,249}.
	ErrInvalidName = errors.New("sharequeue: invalid name")
	// ErrUnknownGroup is returned when a group acquires before subscribing.
	ErrUnknownGroup = errors.New("sharequeue: group not subscribed")
	// ErrUnknownTopic is returned by Broker.Lookup for a topic never created.
	ErrUnknownTopic = errors.New("sharequeue: unknown topic")
	// ErrLeaseNotHeld is returned when acknowledging a record the consumer
	// does not hold, either because it was reclaimed or leased to another
	// consumer.
	ErrLeaseNotHeld = errors.New("sharequeue: lease not held")
	// ErrClosed is returned after the broker is closed.
	ErrClosed = errors.New("sharequeue: closed")
)

// Delivery is a record leased to one consumer of a share group.
type Delivery struct {
	ID             id.ID
	Key            []byte
	Value          []byte
	PublishedMs    int64
	DeliveryCount  int
	LeaseExpiresMs int64
}

// GroupStats is a point-in-time count of a group's records.
type GroupStats struct {
	Group        string `json:"group"`
	Available    int    `json:"available"`
	InFlight     int    `json:"in_flight"`
	DeadLettered int    `json:"dead_lettered"`
}

// Topic is a durable stream of records shared by any number of groups. Each
// group sees every record; within a group each record is leased to one
// consumer at a time.
type Topic struct {
	db     *pebblestore.DB
	name   string
	ids    *id.Generator
	opts   Options
	logger log.Logger
	notify func()

	mu       sync.Mutex
	groups   map[string]struct{}
	notifyCh chan struct{}
	closed   bool
}

func openTopic(db *pebblestore.DB, name string, ids *id.Generator, opts Options, notify func()) (*Topic, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: topic %q", ErrInvalidName, name)
	}
	t := &Topic{
		db:       db,
		name:     name,
		ids:      ids,
		opts:     opts,
		logger:   opts.Logger.With(log.Str("topic", name)),
		notify:   notify,
		groups:   make(map[string]struct{}),
		notifyCh: make(chan struct{}),
	}
	if err := t.ensureMeta(); err != nil {
		return nil, err
	}
	if err := t.loadGroups(); err != nil {
		return nil, err
	}
	if err := t.observeLastID(); err != nil {
		return nil, err
	}
	return t, nil
}

// observeLastID keeps new IDs after the newest retained record, so a
// reopened topic still serves records in publish order.
func (t *Topic) observeLastID() error {
	lo, hi := keyRange(msgPrefix(t.name))
	key, err := t.db.LastKey(lo, hi)
	if err != nil || key == nil {
		return err
	}
	if last, ok := idFromKey(key); ok {
		t.ids.Observe(last)
	}
	return nil
}

// ensureMeta records the topic's creation time once.
func (t *Topic) ensureMeta() error {
	ok, err := t.db.Has(metaKey(t.name))
	if err != nil || ok {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(time.Now().UnixMilli()))
	return t.db.Set(metaKey(t.name), b[:])
}

func (t *Topic) loadGroups() error {
	prefix := groupPrefix(t.name)
	lo, hi := keyRange(prefix)
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		t.groups[string(iter.Key()[len(prefix):])] = struct{}{}
	}
	return iter.Error()
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Groups returns the subscribed group names in sorted order.
func (t *Topic) Groups() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.groups))
	for g := range t.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Publish durably appends a record and makes it available to every
// subscribed group. Records published before any group subscribes are
// retained until one does.
func (t *Topic) Publish(ctx context.Context, key, value []byte, nowMs int64) (id.ID, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return id.ID{}, ErrClosed
	}

	msgID := t.ids.Next()
	b := t.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(t.name, msgID), encodeMessage(nowMs, key, value), nil); err != nil {
		return id.ID{}, err
	}
	if err := b.Set(refKey(t.name, msgID), putUint32(uint32(len(t.groups))), nil); err != nil {
		return id.ID{}, err
	}
	for g := range t.groups {
		if err := b.Set(availKey(t.name, g, msgID), putUint32(0), nil); err != nil {
			return id.ID{}, err
		}
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return id.ID{}, fmt.Errorf("publish %s: %w", t.name, err)
	}
	t.broadcastLocked()
	return msgID, nil
}

// Subscribe registers group on the topic. A new group starts from the
// earliest retained record. Subscribing an existing group is a no-op.
func (t *Topic) Subscribe(ctx context.Context, group string) error {
	if !validName(group) {
		return fmt.Errorf("%w: group %q", ErrInvalidName, group)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.groups[group]; ok {
		return nil
	}

	b := t.db.NewBatch()
	defer b.Close()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixMilli()))
	if err := b.Set(groupKey(t.name, group), ts[:], nil); err != nil {
		return err
	}

	backfilled, err := t.backfillLocked(b, group)
	if err != nil {
		return err
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("subscribe %s/%s: %w", t.name, group, err)
	}
	t.groups[group] = struct{}{}
	t.logger.Debug("group subscribed", log.Str("group", group), log.Int("backfilled", backfilled))
	if backfilled > 0 {
		t.broadcastLocked()
	}
	return nil
}

func (t *Topic) backfillLocked(b *pebble.Batch, group string) (int, error) {
	lo, hi := keyRange(msgPrefix(t.name))
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		msgID, ok := idFromKey(iter.Key())
		if !ok {
			continue
		}
		refs, err := t.refsLocked(msgID)
		if err != nil {
			return n, err
		}
		if err := b.Set(refKey(t.name, msgID), putUint32(refs+1), nil); err != nil {
			return n, err
		}
		if err := b.Set(availKey(t.name, group, msgID), putUint32(0), nil); err != nil {
			return n, err
		}
		n++
	}
	return n, iter.Error()
}

// Acquire leases up to max available records of group to consumer. It
// returns an empty slice, not an error, when nothing is available. Expired
// leases of the group are reclaimed first. leaseMs <= 0 uses the broker's
// lease duration.
func (t *Topic) Acquire(ctx context.Context, group, consumer string, max int, leaseMs, nowMs int64) ([]Delivery, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	if leaseMs <= 0 {
		leaseMs = t.opts.LeaseDuration.Milliseconds()
	}
	if max <= 0 {
		max = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if _, ok := t.groups[group]; !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownGroup, t.name, group)
	}
	if _, err := t.reclaimLocked(ctx, group, nowMs, t.opts.SweepBatch); err != nil {
		return nil, err
	}

	b := t.db.NewBatch()
	defer b.Close()
	out, err := t.leaseAvailableLocked(b, group, consumer, max, leaseMs, nowMs)
	if err != nil {
		return nil, err
	}
	if b.Count() == 0 {
		return out, nil
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("acquire %s/%s: %w", t.name, group, err)
	}
	return out, nil
}

func (t *Topic) leaseAvailableLocked(b *pebble.Batch, group, consumer string, max int, leaseMs, nowMs int64) ([]Delivery, error) {
	lo, hi := keyRange(availPrefix(t.name, group))
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]Delivery, 0, max)
	for ok := iter.First(); ok && len(out) < max; ok = iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		msgID, ok := idFromKey(k)
		if !ok {
			continue
		}
		deliveries := int(getUint32(iter.Value())) + 1

		raw, err := t.db.Get(msgKey(t.name, msgID))
		if errors.Is(err, pebble.ErrNotFound) {
			_ = b.Delete(k, nil)
			continue
		}
		if err != nil {
			return nil, err
		}
		msg, ok := decodeStored(raw)
		if !ok {
			t.logger.Error("corrupt record archived", log.Str("group", group), log.Str("id", msgID.String()))
			_ = b.Delete(k, nil)
			if err := t.archiveLocked(b, group, msgID, raw, deliveries-1, nowMs, ReasonCorrupt); err != nil {
				return nil, err
			}
			continue
		}

		exp := nowMs + leaseMs
		lv, err := encodeLease(lease{ConsumerID: consumer, ExpiresAtMs: exp, DeliveryCount: deliveries, AcquiredAtMs: nowMs})
		if err != nil {
			return nil, err
		}
		if err := b.Delete(k, nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseKey(t.name, group, msgID), lv, nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseIdxKey(t.name, group, exp, msgID), nil, nil); err != nil {
			return nil, err
		}
		out = append(out, Delivery{
			ID:             msgID,
			Key:            msg.key,
			Value:          msg.value,
			PublishedMs:    msg.publishedMs,
			DeliveryCount:  deliveries,
			LeaseExpiresMs: exp,
		})
	}
	return out, iter.Error()
}

// Accept marks a leased record as processed by group. A lease that expired
// but has not been reclaimed yet can still be accepted.
func (t *Topic) Accept(ctx context.Context, group, consumer string, msgID id.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	l, err := t.heldLeaseLocked(group, consumer, msgID)
	if err != nil {
		return err
	}
	b := t.db.NewBatch()
	defer b.Close()
	_ = b.Delete(leaseKey(t.name, group, msgID), nil)
	_ = b.Delete(leaseIdxKey(t.name, group, l.ExpiresAtMs, msgID), nil)
	if err := t.dropRefLocked(b, msgID); err != nil {
		return err
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("accept %s/%s: %w", t.name, group, err)
	}
	return nil
}

// Release returns a leased record to group's available set for redelivery.
// Once the record has been delivered MaxDeliveries times it is archived to
// the group's dead-letter set instead, and archived is true.
func (t *Topic) Release(ctx context.Context, group, consumer string, msgID id.ID, nowMs int64) (archived bool, err error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, ErrClosed
	}
	l, err := t.heldLeaseLocked(group, consumer, msgID)
	if err != nil {
		return false, err
	}
	b := t.db.NewBatch()
	defer b.Close()
	archived, err = t.expireLeaseLocked(b, group, msgID, l, nowMs, ReasonReleased)
	if err != nil {
		return false, err
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return false, fmt.Errorf("release %s/%s: %w", t.name, group, err)
	}
	if !archived {
		t.broadcastLocked()
	}
	return archived, nil
}

// ReclaimExpired returns up to max records of group whose lease expired at
// or before nowMs to the available set, archiving those that reached
// MaxDeliveries. max <= 0 means no limit.
func (t *Topic) ReclaimExpired(ctx context.Context, group string, nowMs int64, max int) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	n, err := t.reclaimLocked(ctx, group, nowMs, max)
	if n > 0 {
		t.broadcastLocked()
	}
	return n, err
}

func (t *Topic) reclaimLocked(ctx context.Context, group string, nowMs int64, max int) (int, error) {
	prefix := leaseIdxPrefix(t.name, group)
	lo, hi := keyRange(prefix)
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}

	b := t.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		exp, ok := expiryFromIdxKey(k, len(prefix))
		if !ok {
			continue
		}
		if exp > nowMs {
			break
		}
		msgID, _ := idFromKey(k)
		_ = b.Delete(append([]byte(nil), k...), nil)

		raw, err := t.db.Get(leaseKey(t.name, group, msgID))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			iter.Close()
			return reclaimed, err
		}
		l, err := decodeLease(raw)
		if err != nil {
			iter.Close()
			return reclaimed, err
		}
		if l.ExpiresAtMs != exp {
			continue
		}
		if _, err := t.expireLeaseLocked(b, group, msgID, l, nowMs, ReasonExpired); err != nil {
			iter.Close()
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return reclaimed, err
	}
	if b.Count() == 0 {
		return reclaimed, nil
	}
	if err := t.db.CommitBatch(ctx, b); err != nil {
		return 0, fmt.Errorf("reclaim %s/%s: %w", t.name, group, err)
	}
	if reclaimed > 0 {
		t.logger.Debug("reclaimed expired leases", log.Str("group", group), log.Int("count", reclaimed))
	}
	return reclaimed, nil
}

// expireLeaseLocked ends lease l and either makes the record available again
// or archives it.
func (t *Topic) expireLeaseLocked(b *pebble.Batch, group string, msgID id.ID, l lease, nowMs int64, reason string) (bool, error) {
	if err := b.Delete(leaseKey(t.name, group, msgID), nil); err != nil {
		return false, err
	}
	if err := b.Delete(leaseIdxKey(t.name, group, l.ExpiresAtMs, msgID), nil); err != nil {
		return false, err
	}
	if t.opts.MaxDeliveries > 0 && l.DeliveryCount >= t.opts.MaxDeliveries {
		raw, err := t.db.Get(msgKey(t.name, msgID))
		if err != nil && !errors.Is(err, pebble.ErrNotFound) {
			return false, err
		}
		if err := t.archiveLocked(b, group, msgID, raw, l.DeliveryCount, nowMs, reason); err != nil {
			return false, err
		}
		t.logger.Warn("record dead-lettered",
			log.Str("group", group), log.Str("id", msgID.String()),
			log.Int("deliveries", l.DeliveryCount), log.Str("reason", reason))
		return true, nil
	}
	return false, b.Set(availKey(t.name, group, msgID), putUint32(uint32(l.DeliveryCount)), nil)
}

func (t *Topic) archiveLocked(b *pebble.Batch, group string, msgID id.ID, raw []byte, deliveries int, nowMs int64, reason string) error {
	v, err := json.Marshal(archived{DeliveryCount: deliveries, ArchivedAtMs: nowMs, Reason: reason, Record: raw})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := b.Set(dlqKey(t.name, group, msgID), v, nil); err != nil {
		return err
	}
	return t.dropRefLocked(b, msgID)
}

func (t *Topic) heldLeaseLocked(group, consumer string, msgID id.ID) (lease, error) {
	raw, err := t.db.Get(leaseKey(t.name, group, msgID))
	if errors.Is(err, pebble.ErrNotFound) {
		return lease{}, fmt.Errorf("%w: %s", ErrLeaseNotHeld, msgID)
	}
	if err != nil {
		return lease{}, err
	}
	l, err := decodeLease(raw)
	if err != nil {
		return lease{}, err
	}
	if l.ConsumerID != consumer {
		return lease{}, fmt.Errorf("%w: %s leased by %s", ErrLeaseNotHeld, msgID, l.ConsumerID)
	}
	return l, nil
}

func (t *Topic) refsLocked(msgID id.ID) (uint32, error) {
	raw, err := t.db.Get(refKey(t.name, msgID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return getUint32(raw), nil
}

// dropRefLocked records that one group is done with msgID and deletes the
// record once no group owes it an outcome.
func (t *Topic) dropRefLocked(b *pebble.Batch, msgID id.ID) error {
	refs, err := t.refsLocked(msgID)
	if err != nil {
		return err
	}
	if refs <= 1 {
		_ = b.Delete(msgKey(t.name, msgID), nil)
		return b.Delete(refKey(t.name, msgID), nil)
	}
	return b.Set(refKey(t.name, msgID), putUint32(refs-1), nil)
}

// Stats counts group's available, in-flight and dead-lettered records.
func (t *Topic) Stats(group string) (GroupStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.groups[group]; !ok {
		return GroupStats{}, fmt.Errorf("%w: %s/%s", ErrUnknownGroup, t.name, group)
	}
	st := GroupStats{Group: group}
	var err error
	if st.Available, err = t.countLocked(availPrefix(t.name, group)); err != nil {
		return st, err
	}
	if st.InFlight, err = t.countLocked(leasePrefix(t.name, group)); err != nil {
		return st, err
	}
	if st.DeadLettered, err = t.countLocked(dlqPrefix(t.name, group)); err != nil {
		return st, err
	}
	return st, nil
}

// Retained counts records still stored for at least one group.
func (t *Topic) Retained() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked(msgPrefix(t.name))
}

func (t *Topic) countLocked(prefix string) (int, error) {
	lo, hi := keyRange(prefix)
	return t.db.Count(lo, hi)
}

// DeadLetters lists up to limit archived records of group, oldest first.
func (t *Topic) DeadLetters(group string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.groups[group]; !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownGroup, t.name, group)
	}
	lo, hi := keyRange(dlqPrefix(t.name, group))
	iter, err := t.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []DeadLetter
	for ok := iter.First(); ok && len(out) < limit; ok = iter.Next() {
		msgID, _ := idFromKey(iter.Key())
		var a archived
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return out, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		dl := DeadLetter{ID: msgID.String(), DeliveryCount: a.DeliveryCount, ArchivedAtMs: a.ArchivedAtMs, Reason: a.Reason}
		if msg, ok := decodeStored(a.Record); ok {
			dl.Key, dl.Value, dl.PublishedMs = msg.key, msg.value, msg.publishedMs
		}
		out = append(out, dl)
	}
	return out, iter.Error()
}

// WaitForPublish blocks until a record may have become available or the
// timeout elapses. It returns true if woken early.
func (t *Topic) WaitForPublish(ctx context.Context, timeout time.Duration) bool {
	t.mu.Lock()
	ch := t.notifyCh
	t.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

func (t *Topic) broadcastLocked() {
	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
	if t.notify != nil {
		t.notify()
	}
}

func (t *Topic) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
}
