package sharequeue

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	pebblestore "github.com/rzbill/sharepipe/internal/storage/pebble"
	"github.com/rzbill/sharepipe/pkg/id"
	"github.com/rzbill/sharepipe/pkg/log"
)

// Options tune lease and redelivery behaviour for every topic of a broker.
type Options struct {
	// LeaseDuration bounds how long a consumer may hold a record before it
	// is redelivered. Default 30s.
	LeaseDuration time.Duration
	// MaxDeliveries archives a record after this many deliveries. Zero
	// takes DefaultMaxDeliveries; negative redelivers forever.
	MaxDeliveries int
	// SweepInterval is the background reclaim period. Default 500ms.
	SweepInterval time.Duration
	// SweepBatch caps leases reclaimed per group per pass. Default 1024.
	SweepBatch int
	Logger     log.Logger
}

// DefaultMaxDeliveries is used when Options.MaxDeliveries is left zero.
const DefaultMaxDeliveries = 5

func (o Options) withDefaults() Options {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.MaxDeliveries == 0 {
		o.MaxDeliveries = DefaultMaxDeliveries
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 500 * time.Millisecond
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 1024
	}
	if o.Logger == nil {
		o.Logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	return o
}

// Broker owns the topics stored in one pebble database.
type Broker struct {
	db     *pebblestore.DB
	opts   Options
	ids    *id.Generator
	logger log.Logger

	mu       sync.Mutex
	topics   map[string]*Topic
	changed  chan struct{}
	closed   bool
	stop     chan struct{}
	sweeping sync.WaitGroup
}

// NewBroker returns a broker over db. Topics are opened on first use.
func NewBroker(db *pebblestore.DB, opts Options) *Broker {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.WithComponent("sharequeue")
	return &Broker{
		db:      db,
		opts:    opts,
		ids:     id.NewGenerator(),
		logger:  opts.Logger,
		topics:  make(map[string]*Topic),
		changed: make(chan struct{}),
	}
}

// Options returns the effective broker options.
func (b *Broker) Options() Options { return b.opts }

// Topic opens, creating if needed, the named topic.
func (b *Broker) Topic(name string) (*Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := openTopic(b.db, name, b.ids, b.opts, b.signal)
	if err != nil {
		return nil, err
	}
	b.topics[name] = t
	b.logger.Debug("topic opened", log.Str("topic", name))
	return t, nil
}

// Lookup returns an existing topic without creating one. Topics stored by
// an earlier process are opened from disk.
func (b *Broker) Lookup(name string) (*Topic, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: topic %q", ErrInvalidName, name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	ok, err := b.db.Has(metaKey(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, name)
	}
	t, err := openTopic(b.db, name, b.ids, b.opts, b.signal)
	if err != nil {
		return nil, err
	}
	b.topics[name] = t
	return t, nil
}

// Topics returns the opened topics sorted by name.
func (b *Broker) Topics() []*Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Changed returns a channel closed at the next publish, release or reclaim
// on any topic.
func (b *Broker) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *Broker) signal() {
	b.mu.Lock()
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

// StartSweeper runs a background loop reclaiming expired leases of every
// group on every opened topic. It is a no-op if already running.
func (b *Broker) StartSweeper() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil || b.closed {
		return
	}
	b.stop = make(chan struct{})
	stop := b.stop
	interval := b.opts.SweepInterval
	b.sweeping.Add(1)
	go func() {
		defer b.sweeping.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				b.sweep(context.Background(), time.Now().UnixMilli())
			}
		}
	}()
}

func (b *Broker) sweep(ctx context.Context, nowMs int64) int {
	total := 0
	for _, t := range b.Topics() {
		for _, g := range t.Groups() {
			n, err := t.ReclaimExpired(ctx, g, nowMs, b.opts.SweepBatch)
			if err != nil {
				b.logger.Warn("sweep failed", log.Str("topic", t.name), log.Str("group", g), log.Err(err))
				continue
			}
			total += n
		}
	}
	return total
}

// StopSweeper stops the background sweeper and waits for it to exit.
func (b *Broker) StopSweeper() {
	b.mu.Lock()
	stop := b.stop
	b.stop = nil
	b.mu.Unlock()
	if stop != nil {
		close(stop)
		b.sweeping.Wait()
	}
}

// Close stops the sweeper and wakes every waiter. The database stays open;
// its owner closes it.
func (b *Broker) Close() error {
	b.StopSweeper()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()

	for _, t := range topics {
		t.close()
	}
	return nil
}
