package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	kgo "github.com/segmentio/kafka-go"

	"github.com/rzbill/sharepipe/internal/queue"
)

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(Options{Brokers: []string{" ", ""}}); err == nil {
		t.Fatalf("expected error for empty brokers")
	}
	tr, err := New(Options{Brokers: SplitBrokers("a:9092, b:9092")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer tr.Close()
	if len(tr.opts.Brokers) != 2 || tr.opts.DLQSuffix != ".dlq" || tr.opts.MaxPollRecords != 16 {
		t.Fatalf("defaults: %+v", tr.opts)
	}
	if tr.dlqTopic("cohort-load") != "cohort-load.dlq" {
		t.Fatalf("dlq topic name")
	}
}

func TestDeliveryCountHeader(t *testing.T) {
	tests := []struct {
		name    string
		headers []kgo.Header
		want    int
	}{
		{"absent", nil, 0},
		{"set", []kgo.Header{{Key: HeaderDeliveryCount, Value: []byte("3")}}, 3},
		{"garbage", []kgo.Header{{Key: HeaderDeliveryCount, Value: []byte("x")}}, 0},
		{"last wins", []kgo.Header{
			{Key: HeaderDeliveryCount, Value: []byte("1")},
			{Key: HeaderDeliveryCount, Value: []byte("2")},
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deliveryCount(kgo.Message{Headers: tt.headers}); got != tt.want {
				t.Fatalf("got %d want %d", got, tt.want)
			}
		})
	}
}

func TestWithDeliveryCountReplaces(t *testing.T) {
	in := []kgo.Header{{Key: "trace", Value: []byte("t1")}, {Key: HeaderDeliveryCount, Value: []byte("1")}}
	out := withDeliveryCount(in, 2)
	if len(out) != 2 || out[0].Key != "trace" {
		t.Fatalf("headers %+v", out)
	}
	if deliveryCount(kgo.Message{Headers: out}) != 2 {
		t.Fatalf("count not replaced")
	}
	if deliveryCount(kgo.Message{Headers: in}) != 1 {
		t.Fatalf("input mutated")
	}
}

func TestToRecord(t *testing.T) {
	m := kgo.Message{Topic: "t", Partition: 2, Offset: 41, Key: []byte("k"), Value: []byte("v")}
	rec := toRecord(m)
	if rec.ID != "t/2/41" || rec.Key != "k" || rec.DeliveryCount != 1 {
		t.Fatalf("record %+v", rec)
	}
}

func TestAcknowledgeUnknownRecord(t *testing.T) {
	tr, _ := New(Options{Brokers: []string{"localhost:9092"}})
	defer tr.Close()
	c, _ := tr.NewConsumer("g")
	err := c.Acknowledge(context.Background(), queue.Record{ID: "t/0/1", Topic: "t"}, queue.Accept)
	if !errors.Is(err, ErrUnknownRecord) {
		t.Fatalf("want ErrUnknownRecord, got %v", err)
	}
	if _, err := c.Poll(context.Background(), 0); err == nil {
		t.Fatalf("poll before subscribe should fail")
	}
}

// fakeCluster records re-publishes and commits in place of a broker.
type fakeCluster struct {
	mu         sync.Mutex
	failWrites int
	written    []kgo.Message
	committed  []int64
}

func (f *fakeCluster) write(_ context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites > 0 {
		f.failWrites--
		return errors.New("leader not available")
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeCluster) commit(_ context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeCluster) maxCommitted() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := int64(-1)
	for _, o := range f.committed {
		if o > max {
			max = o
		}
	}
	return max
}

func newFakeConsumer(t *testing.T, maxDeliveries int) (*Consumer, *fakeCluster) {
	t.Helper()
	old := releaseBackoff
	releaseBackoff = 0
	t.Cleanup(func() { releaseBackoff = old })
	tr, err := New(Options{Brokers: []string{"localhost:9092"}, MaxDeliveries: maxDeliveries})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	qc, _ := tr.NewConsumer("g")
	c := qc.(*Consumer)
	f := &fakeCluster{}
	c.publish = f.write
	c.commit = f.commit
	return c, f
}

func fetched(c *Consumer, offsets ...int64) []queue.Record {
	out := make([]queue.Record, len(offsets))
	for i, off := range offsets {
		out[i] = c.track(kgo.Message{Topic: "cohort-load", Partition: 0, Offset: off, Value: []byte("v")})
	}
	return out
}

func TestCommitsWaitForLowerOffsets(t *testing.T) {
	c, f := newFakeConsumer(t, 5)
	ctx := context.Background()
	recs := fetched(c, 10, 11, 12)
	if err := c.Acknowledge(ctx, recs[1], queue.Accept); err != nil {
		t.Fatalf("accept 11: %v", err)
	}
	if got := f.maxCommitted(); got != -1 {
		t.Fatalf("committed %d while 10 is open", got)
	}
	if err := c.Acknowledge(ctx, recs[0], queue.Accept); err != nil {
		t.Fatalf("accept 10: %v", err)
	}
	if got := f.maxCommitted(); got != 11 {
		t.Fatalf("max committed = %d, want 11", got)
	}
}

func TestFailedReleaseHoldsLaterCommits(t *testing.T) {
	c, f := newFakeConsumer(t, 5)
	ctx := context.Background()
	recs := fetched(c, 20, 21, 22)

	f.failWrites = releaseAttempts
	if err := c.Acknowledge(ctx, recs[0], queue.Release); err == nil {
		t.Fatalf("release should report the failed re-publish")
	}
	f.failWrites = 1 // the retry on the next call fails too
	if err := c.Acknowledge(ctx, recs[1], queue.Accept); err != nil {
		t.Fatalf("accept 21: %v", err)
	}
	if got := f.maxCommitted(); got != -1 {
		t.Fatalf("committed %d past the unreleased record", got)
	}

	// the cluster recovers: the next acknowledge re-publishes 20 and
	// commits everything finished
	if err := c.Acknowledge(ctx, recs[2], queue.Accept); err != nil {
		t.Fatalf("accept 22: %v", err)
	}
	if got := f.maxCommitted(); got != 22 {
		t.Fatalf("max committed = %d, want 22", got)
	}
	if len(f.written) != 1 || f.written[0].Topic != "cohort-load" || deliveryCount(f.written[0]) != 1 {
		t.Fatalf("re-published %+v", f.written)
	}
}

func TestReleaseRetriesWithinAcknowledge(t *testing.T) {
	c, f := newFakeConsumer(t, 2)
	ctx := context.Background()
	recs := fetched(c, 5)
	f.failWrites = releaseAttempts - 1
	if err := c.Acknowledge(ctx, recs[0], queue.Release); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.maxCommitted(); got != 5 {
		t.Fatalf("max committed = %d", got)
	}
	// first delivery released with MaxDeliveries 2 stays on the topic
	if len(f.written) != 1 || f.written[0].Topic != "cohort-load" {
		t.Fatalf("written %+v", f.written)
	}

	more := c.track(kgo.Message{Topic: "cohort-load", Offset: 6, Headers: withDeliveryCount(nil, 1)})
	if err := c.Acknowledge(ctx, more, queue.Release); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.written[1].Topic != "cohort-load.dlq" {
		t.Fatalf("second release went to %s", f.written[1].Topic)
	}
}
