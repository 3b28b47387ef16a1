package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/sharepipe/internal/queue"
)

// fakeBroker hands one scripted batch to the first poll of any consumer and
// records acknowledgments and sends.
type fakeBroker struct {
	mu       sync.Mutex
	batch    []queue.Record
	acks     map[string]queue.AckType
	sent     []queue.Record
	sendErr  error
	polled   chan struct{}
	handedTo int
}

func newFakeBroker(batch ...queue.Record) *fakeBroker {
	return &fakeBroker{batch: batch, acks: make(map[string]queue.AckType), polled: make(chan struct{}, 16)}
}

func (b *fakeBroker) NewConsumer(group string) (queue.Consumer, error) {
	return &fakeConsumer{b: b}, nil
}

func (b *fakeBroker) NewProducer(string) (queue.Producer, error) { return &fakeProducer{b: b}, nil }
func (b *fakeBroker) Close() error                               { return nil }

func (b *fakeBroker) ack(id string) (queue.AckType, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.acks[id]
	return a, ok
}

func (b *fakeBroker) sentRecords() []queue.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Record(nil), b.sent...)
}

type fakeConsumer struct {
	b *fakeBroker
}

func (c *fakeConsumer) Subscribe(context.Context, ...string) error { return nil }

func (c *fakeConsumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Record, error) {
	c.b.mu.Lock()
	batch := c.b.batch
	c.b.batch = nil
	c.b.mu.Unlock()
	if len(batch) > 0 {
		c.b.polled <- struct{}{}
		return batch, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func (c *fakeConsumer) Acknowledge(_ context.Context, rec queue.Record, ack queue.AckType) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if _, dup := c.b.acks[rec.ID]; dup {
		return errors.New("double ack")
	}
	c.b.acks[rec.ID] = ack
	return nil
}

func (c *fakeConsumer) Close() error { return nil }

type fakeProducer struct {
	b *fakeBroker
}

func (p *fakeProducer) Send(_ context.Context, topic, key string, value []byte) error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.b.sendErr != nil {
		return &queue.TransportError{Op: "send", Topic: topic, Err: p.b.sendErr}
	}
	p.b.sent = append(p.b.sent, queue.Record{Topic: topic, Key: key, Value: value})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

type countingObserver struct {
	mu        sync.Mutex
	accepted  int
	released  map[string]int
	published int
}

func (o *countingObserver) Polled(string, int) {}
func (o *countingObserver) Accepted(string) {
	o.mu.Lock()
	o.accepted++
	o.mu.Unlock()
}
func (o *countingObserver) Released(_ string, reason string) {
	o.mu.Lock()
	if o.released == nil {
		o.released = make(map[string]int)
	}
	o.released[reason]++
	o.mu.Unlock()
}
func (o *countingObserver) Published(_ string, n int) {
	o.mu.Lock()
	o.published += n
	o.mu.Unlock()
}
func (o *countingObserver) ObserveTransform(string, time.Duration) {}
