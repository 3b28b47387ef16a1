// Package local implements queue.Transport over an in-process
// sharequeue.Broker.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/internal/sharequeue"
	"github.com/rzbill/sharepipe/pkg/id"
	"github.com/rzbill/sharepipe/pkg/log"
)

// Options configure consumers of a local transport.
type Options struct {
	// MaxPollRecords caps records returned per Poll. Default 16.
	MaxPollRecords int
	Logger         log.Logger
}

// Transport hands out consumers and producers bound to one broker. The
// broker is owned by the caller.
type Transport struct {
	broker *sharequeue.Broker
	opts   Options
	logger log.Logger
}

var _ queue.Transport = (*Transport)(nil)

func New(b *sharequeue.Broker, opts Options) *Transport {
	if opts.MaxPollRecords <= 0 {
		opts.MaxPollRecords = 16
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	return &Transport{broker: b, opts: opts, logger: opts.Logger.WithComponent("queue.local")}
}

func (t *Transport) NewConsumer(group string) (queue.Consumer, error) {
	if group == "" {
		return nil, &queue.TransportError{Op: "new consumer", Err: errors.New("group is required")}
	}
	cid := uuid.NewString()
	return &Consumer{
		t:      t,
		group:  group,
		id:     cid,
		topics: make(map[string]*sharequeue.Topic),
		logger: t.logger.With(log.Str("group", group), log.Str("consumer", cid)),
	}, nil
}

func (t *Transport) NewProducer(clientID string) (queue.Producer, error) {
	return &Producer{broker: t.broker, clientID: clientID}, nil
}

// Close is a no-op; the broker outlives its transports.
func (t *Transport) Close() error { return nil }

// Consumer polls its subscribed topics round-robin.
type Consumer struct {
	t      *Transport
	group  string
	id     string
	logger log.Logger

	order  []string
	topics map[string]*sharequeue.Topic
	next   int
	closed bool
}

// ID returns the consumer's member ID within its group.
func (c *Consumer) ID() string { return c.id }

func (c *Consumer) Subscribe(ctx context.Context, topics ...string) error {
	for _, name := range topics {
		if _, ok := c.topics[name]; ok {
			continue
		}
		tp, err := c.t.broker.Topic(name)
		if err != nil {
			return &queue.TransportError{Op: "subscribe", Topic: name, Err: err}
		}
		if err := tp.Subscribe(ctx, c.group); err != nil {
			return &queue.TransportError{Op: "subscribe", Topic: name, Err: err}
		}
		c.topics[name] = tp
		c.order = append(c.order, name)
	}
	return nil
}

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Record, error) {
	if c.closed {
		return nil, &queue.TransportError{Op: "poll", Err: sharequeue.ErrClosed}
	}
	if len(c.order) == 0 {
		return nil, &queue.TransportError{Op: "poll", Err: errors.New("not subscribed")}
	}
	deadline := time.Now().Add(timeout)
	for {
		changed := c.t.broker.Changed()
		recs, err := c.acquire(ctx)
		if err != nil || len(recs) > 0 {
			return recs, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// acquire takes records from the first topic, starting after the last one
// served, that has any available.
func (c *Consumer) acquire(ctx context.Context) ([]queue.Record, error) {
	leaseMs := c.t.broker.Options().LeaseDuration.Milliseconds()
	for i := 0; i < len(c.order); i++ {
		name := c.order[(c.next+i)%len(c.order)]
		ds, err := c.topics[name].Acquire(ctx, c.group, c.id, c.t.opts.MaxPollRecords, leaseMs, 0)
		if err != nil {
			return nil, &queue.TransportError{Op: "poll", Topic: name, Err: err}
		}
		if len(ds) == 0 {
			continue
		}
		c.next = (c.next + i + 1) % len(c.order)
		out := make([]queue.Record, len(ds))
		for j, d := range ds {
			out[j] = queue.Record{
				Topic:         name,
				Key:           string(d.Key),
				Value:         d.Value,
				ID:            d.ID.String(),
				DeliveryCount: d.DeliveryCount,
				Timestamp:     time.UnixMilli(d.PublishedMs),
			}
		}
		return out, nil
	}
	return nil, nil
}

func (c *Consumer) Acknowledge(ctx context.Context, rec queue.Record, ack queue.AckType) error {
	tp, ok := c.topics[rec.Topic]
	if !ok {
		return &queue.TransportError{Op: "acknowledge", Topic: rec.Topic, Err: errors.New("topic not subscribed")}
	}
	msgID, err := id.Parse(rec.ID)
	if err != nil {
		return &queue.TransportError{Op: "acknowledge", Topic: rec.Topic, Err: err}
	}
	switch ack {
	case queue.Accept:
		err = tp.Accept(ctx, c.group, c.id, msgID)
	case queue.Release:
		var archived bool
		archived, err = tp.Release(ctx, c.group, c.id, msgID, 0)
		if archived {
			c.logger.Warn("record moved to dead letters", log.Str("topic", rec.Topic), log.Str("id", rec.ID), log.Int("deliveries", rec.DeliveryCount))
		}
	default:
		err = fmt.Errorf("unknown ack type %v", ack)
	}
	if err != nil {
		return &queue.TransportError{Op: "acknowledge", Topic: rec.Topic, Err: err}
	}
	return nil
}

// Close leaves unacknowledged records to lease expiry.
func (c *Consumer) Close() error {
	c.closed = true
	return nil
}

// Producer publishes straight into broker topics.
type Producer struct {
	broker   *sharequeue.Broker
	clientID string

	mu     sync.RWMutex
	closed bool
}

func (p *Producer) Send(ctx context.Context, topic, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return &queue.TransportError{Op: "send", Topic: topic, Err: sharequeue.ErrClosed}
	}
	tp, err := p.broker.Topic(topic)
	if err != nil {
		return &queue.TransportError{Op: "send", Topic: topic, Err: err}
	}
	if _, err := tp.Publish(ctx, []byte(key), value, 0); err != nil {
		return &queue.TransportError{Op: "send", Topic: topic, Err: err}
	}
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
