// Package kafka implements queue.Transport over Kafka consumer groups with
// segmentio/kafka-go.
//
// Kafka partitions are not shared per record, so share semantics are
// emulated: Accept commits the record's offset, and Release re-publishes the
// record to the tail of its topic with an incremented delivery-count header
// before committing. A record released MaxDeliveries times is published to
// "{topic}{DLQSuffix}" instead.
//
// A commit never passes a record without an outcome. Commits on a partition
// are held back behind the lowest fetched offset that is still unacknowledged
// or whose re-publish failed; failed re-publishes are retried on every later
// Acknowledge. Records held this way come back to the group, possibly with
// later records again, once this consumer leaves it.
//
// There is no lease deadline. A consumer that stays in the group but stops
// acknowledging keeps its records until it closes or its session times out.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	kgo "github.com/segmentio/kafka-go"

	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/pkg/log"
)

// HeaderDeliveryCount carries how many times a record was delivered before
// being re-published.
const HeaderDeliveryCount = "x-delivery-count"

// ErrUnknownRecord is returned when acknowledging a record this consumer
// did not poll, or already acknowledged.
var ErrUnknownRecord = errors.New("kafka: record not pending")

// Options configure the Kafka transport.
type Options struct {
	Brokers []string
	// MaxDeliveries routes a record to the dead-letter topic once released
	// this many times. <= 0 never dead-letters.
	MaxDeliveries int
	// DLQSuffix is appended to a topic name for its dead-letter topic.
	// Default ".dlq".
	DLQSuffix string
	// MaxPollRecords caps records returned per Poll. Default 16.
	MaxPollRecords int
	// WriteTimeout bounds each produce. Default 10s.
	WriteTimeout time.Duration
	Logger       log.Logger
}

// Transport shares one writer between all producers and release paths.
type Transport struct {
	opts   Options
	writer *kgo.Writer
	logger log.Logger
}

var _ queue.Transport = (*Transport)(nil)

// New validates opts and builds the shared writer. No connection is made
// until first use.
func New(opts Options) (*Transport, error) {
	opts.Brokers = cleanBrokers(opts.Brokers)
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if opts.DLQSuffix == "" {
		opts.DLQSuffix = ".dlq"
	}
	if opts.MaxPollRecords <= 0 {
		opts.MaxPollRecords = 16
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewLogger(log.WithOutput(log.NullOutput{}))
	}
	logger := opts.Logger.WithComponent("queue.kafka")
	w := &kgo.Writer{
		Addr:                   kgo.TCP(opts.Brokers...),
		Balancer:               &kgo.Hash{},
		RequiredAcks:           kgo.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           5 * time.Millisecond,
		WriteTimeout:           opts.WriteTimeout,
		ErrorLogger:            kgo.LoggerFunc(log.Printf(logger, log.ErrorLevel)),
	}
	return &Transport{opts: opts, writer: w, logger: logger}, nil
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(csv string) []string { return cleanBrokers(strings.Split(csv, ",")) }

func cleanBrokers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, b := range in {
		b = strings.TrimSpace(b)
		if b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (t *Transport) NewConsumer(group string) (queue.Consumer, error) {
	if group == "" {
		return nil, &queue.TransportError{Op: "new consumer", Err: errors.New("group is required")}
	}
	cid := uuid.NewString()
	c := &Consumer{
		t:          t,
		group:      group,
		id:         cid,
		pending:    make(map[string]kgo.Message),
		stuck:      make(map[string]kgo.Message),
		partitions: make(map[partitionKey]*partitionState),
		logger:     t.logger.With(log.Str("group", group), log.Str("consumer", cid)),
	}
	c.publish = t.write
	c.commit = c.commitToReader
	return c, nil
}

func (t *Transport) NewProducer(clientID string) (queue.Producer, error) {
	return &Producer{t: t, clientID: clientID}, nil
}

func (t *Transport) Close() error { return t.writer.Close() }

func (t *Transport) write(ctx context.Context, msgs ...kgo.Message) error {
	wctx, cancel := context.WithTimeout(ctx, t.opts.WriteTimeout)
	defer cancel()
	return t.writer.WriteMessages(wctx, msgs...)
}

// dlqTopic names the dead-letter topic for topic.
func (t *Transport) dlqTopic(topic string) string { return topic + t.opts.DLQSuffix }

// TopicSpec describes a topic for EnsureTopics.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates missing topics through the cluster controller.
// Topics that already exist are left as they are.
func (t *Transport) EnsureTopics(ctx context.Context, specs ...TopicSpec) error {
	conn, err := kgo.DialContext(ctx, "tcp", t.opts.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	ctrl, err := kgo.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer ctrl.Close()

	for _, s := range specs {
		if s.Partitions <= 0 {
			s.Partitions = 1
		}
		if s.ReplicationFactor <= 0 {
			s.ReplicationFactor = 1
		}
		err := ctrl.CreateTopics(kgo.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     s.Partitions,
			ReplicationFactor: s.ReplicationFactor,
		})
		if err != nil && !errors.Is(err, kgo.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", s.Name, err)
		}
		t.logger.Info("topic ensured", log.Str("topic", s.Name), log.Int("partitions", s.Partitions))
	}
	return nil
}

// Consumer is one member of a Kafka consumer group.
type Consumer struct {
	t      *Transport
	group  string
	id     string
	logger log.Logger

	// publish and commit are the transport writer and the reader's commit.
	publish func(ctx context.Context, msgs ...kgo.Message) error
	commit  func(ctx context.Context, msgs ...kgo.Message) error

	mu         sync.Mutex
	reader     *kgo.Reader
	pending    map[string]kgo.Message
	stuck      map[string]kgo.Message
	partitions map[partitionKey]*partitionState
}

type partitionKey struct {
	topic     string
	partition int
}

// partitionState tracks fetched offsets without an outcome and finished
// records whose commit waits on a lower one.
type partitionState struct {
	open map[int64]struct{}
	done []kgo.Message
}

func (c *Consumer) Subscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader != nil {
		return &queue.TransportError{Op: "subscribe", Err: errors.New("already subscribed")}
	}
	if len(topics) == 0 {
		return &queue.TransportError{Op: "subscribe", Err: errors.New("no topics")}
	}
	c.reader = kgo.NewReader(kgo.ReaderConfig{
		Brokers:        c.t.opts.Brokers,
		GroupID:        c.group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
		StartOffset:    kgo.FirstOffset,
		ErrorLogger:    kgo.LoggerFunc(log.Printf(c.logger, log.ErrorLevel)),
	})
	return nil
}

// drainWait bounds how long Poll lingers for records after the first one.
const drainWait = 2 * time.Millisecond

func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]queue.Record, error) {
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	if r == nil {
		return nil, &queue.TransportError{Op: "poll", Err: errors.New("not subscribed")}
	}

	var out []queue.Record
	wait := timeout
	for len(out) < c.t.opts.MaxPollRecords {
		fctx, cancel := context.WithTimeout(ctx, wait)
		m, err := r.FetchMessage(fctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, &queue.TransportError{Op: "poll", Err: err}
		}
		out = append(out, c.track(m))
		wait = drainWait
	}
	return out, nil
}

// track registers a fetched message as awaiting an outcome.
func (c *Consumer) track(m kgo.Message) queue.Record {
	rec := toRecord(m)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[rec.ID] = m
	c.partitionLocked(m).open[m.Offset] = struct{}{}
	return rec
}

func (c *Consumer) partitionLocked(m kgo.Message) *partitionState {
	k := partitionKey{topic: m.Topic, partition: m.Partition}
	ps, ok := c.partitions[k]
	if !ok {
		ps = &partitionState{open: make(map[int64]struct{})}
		c.partitions[k] = ps
	}
	return ps
}

// Acknowledge records the outcome of a polled record. A Release whose
// re-publish keeps failing returns an error; the record then stays
// uncommitted and its re-publish is retried on later calls.
func (c *Consumer) Acknowledge(ctx context.Context, rec queue.Record, ack queue.AckType) error {
	c.mu.Lock()
	m, ok := c.pending[rec.ID]
	delete(c.pending, rec.ID)
	c.mu.Unlock()
	if !ok {
		return &queue.TransportError{Op: "acknowledge", Topic: rec.Topic, Err: ErrUnknownRecord}
	}

	c.retryStuck(ctx)
	if ack == queue.Release {
		if err := c.republish(ctx, m, releaseAttempts); err != nil {
			c.mu.Lock()
			c.stuck[rec.ID] = m
			c.mu.Unlock()
			c.logger.Error("release failed, holding partition commits", log.Str("topic", m.Topic), log.Str("id", rec.ID), log.Err(err))
			return &queue.TransportError{Op: "release", Topic: m.Topic, Err: err}
		}
	}
	return c.resolve(ctx, m)
}

// releaseAttempts bounds re-publish tries within one Acknowledge.
const releaseAttempts = 3

var releaseBackoff = 100 * time.Millisecond

// republish sends m back to its topic, or to the dead-letter topic once it
// reached MaxDeliveries.
func (c *Consumer) republish(ctx context.Context, m kgo.Message, attempts int) error {
	deliveries := deliveryCount(m) + 1
	target := m.Topic
	if max := c.t.opts.MaxDeliveries; max > 0 && deliveries >= max {
		target = c.t.dlqTopic(m.Topic)
	}
	out := kgo.Message{
		Topic:   target,
		Key:     m.Key,
		Value:   m.Value,
		Headers: withDeliveryCount(m.Headers, deliveries),
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * releaseBackoff):
			}
		}
		if err = c.publish(ctx, out); err == nil {
			if target != m.Topic {
				c.logger.Warn("record moved to dead letters", log.Str("topic", m.Topic), log.Str("id", recordID(m)), log.Int("deliveries", deliveries))
			}
			return nil
		}
	}
	return err
}

// retryStuck makes one more attempt at every failed re-publish.
func (c *Consumer) retryStuck(ctx context.Context) {
	c.mu.Lock()
	stuck := make([]kgo.Message, 0, len(c.stuck))
	for _, m := range c.stuck {
		stuck = append(stuck, m)
	}
	c.mu.Unlock()
	for _, m := range stuck {
		if err := c.republish(ctx, m, 1); err != nil {
			continue
		}
		c.mu.Lock()
		delete(c.stuck, recordID(m))
		c.mu.Unlock()
		if err := c.resolve(ctx, m); err != nil {
			c.logger.Warn("commit after retried release failed", log.Str("id", recordID(m)), log.Err(err))
		}
	}
}

// resolve marks m finished and commits every finished record of its
// partition that sits below the lowest open offset.
func (c *Consumer) resolve(ctx context.Context, m kgo.Message) error {
	c.mu.Lock()
	ps := c.partitionLocked(m)
	delete(ps.open, m.Offset)
	ps.done = append(ps.done, m)
	floor := int64(-1)
	for off := range ps.open {
		if floor < 0 || off < floor {
			floor = off
		}
	}
	var ready, held []kgo.Message
	for _, d := range ps.done {
		if floor < 0 || d.Offset < floor {
			ready = append(ready, d)
		} else {
			held = append(held, d)
		}
	}
	ps.done = held
	c.mu.Unlock()

	if len(ready) == 0 {
		return nil
	}
	if err := c.commit(ctx, ready...); err != nil {
		c.mu.Lock()
		ps.done = append(ps.done, ready...)
		c.mu.Unlock()
		return &queue.TransportError{Op: "commit", Topic: m.Topic, Err: err}
	}
	return nil
}

func (c *Consumer) commitToReader(ctx context.Context, msgs ...kgo.Message) error {
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	if r == nil {
		return errors.New("not subscribed")
	}
	return r.CommitMessages(ctx, msgs...)
}

// Close leaves the group; uncommitted records are redelivered to other
// members after rebalance.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	c.reader = nil
	return err
}

func toRecord(m kgo.Message) queue.Record {
	return queue.Record{
		Topic:         m.Topic,
		Key:           string(m.Key),
		Value:         m.Value,
		ID:            recordID(m),
		DeliveryCount: deliveryCount(m) + 1,
		Timestamp:     m.Time,
	}
}

func recordID(m kgo.Message) string {
	return m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10)
}

// deliveryCount returns how many times m was delivered before it was last
// published.
func deliveryCount(m kgo.Message) int {
	for i := len(m.Headers) - 1; i >= 0; i-- {
		if m.Headers[i].Key == HeaderDeliveryCount {
			n, err := strconv.Atoi(string(m.Headers[i].Value))
			if err != nil || n < 0 {
				return 0
			}
			return n
		}
	}
	return 0
}

func withDeliveryCount(headers []kgo.Header, n int) []kgo.Header {
	out := make([]kgo.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != HeaderDeliveryCount {
			out = append(out, h)
		}
	}
	return append(out, kgo.Header{Key: HeaderDeliveryCount, Value: []byte(strconv.Itoa(n))})
}

// Producer publishes through the transport's shared writer.
type Producer struct {
	t        *Transport
	clientID string
}

func (p *Producer) Send(ctx context.Context, topic, key string, value []byte) error {
	err := p.t.write(ctx, kgo.Message{Topic: topic, Key: []byte(key), Value: value, Time: time.Now()})
	if err != nil {
		return &queue.TransportError{Op: "send", Topic: topic, Err: err}
	}
	return nil
}

// Close is a no-op; the shared writer closes with the transport.
func (p *Producer) Close() error { return nil }
