package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/sharepipe/internal/codec"
	"github.com/rzbill/sharepipe/internal/queue"
	"github.com/rzbill/sharepipe/internal/queue/local"
	"github.com/rzbill/sharepipe/internal/sharequeue"
	pebblestore "github.com/rzbill/sharepipe/internal/storage/pebble"
)

// splitWords emits one output per space separated word; "bad" fails decode.
func splitWords(_ context.Context, rec queue.Record) ([]Output, error) {
	s := string(rec.Value)
	if s == "bad" {
		return nil, codec.NewDecodeError("words", errors.New("bad input"))
	}
	var out []Output
	for _, w := range strings.Fields(s) {
		out = append(out, Output{Key: rec.Key, Value: []byte(w)})
	}
	return out, nil
}

func runUntil(t *testing.T, s *Stage, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	deadline := time.Now().Add(3 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	b := newFakeBroker()
	if _, err := New(Config{Name: "s", InputTopic: "in", Group: "g", OutputTopic: "out"}, b, nil, splitWords); err == nil {
		t.Fatalf("expected error without producer")
	}
	s, err := New(Config{Name: "s", InputTopic: "in", Group: "g"}, b, nil, splitWords)
	if err != nil {
		t.Fatalf("terminal stage: %v", err)
	}
	if c := s.Config(); c.Workers != 1 || c.PollTimeout != 100*time.Millisecond {
		t.Fatalf("defaults %+v", c)
	}
}

func TestStageAcceptsAndPublishesInOrder(t *testing.T) {
	b := newFakeBroker(queue.Record{ID: "1", Topic: "in", Key: "k", Value: []byte("a b c")})
	p, _ := b.NewProducer("")
	obs := &countingObserver{}
	s, _ := New(Config{Name: "s", InputTopic: "in", OutputTopic: "out", Group: "g"}, b, p, splitWords, WithObserver(obs))

	runUntil(t, s, func() bool { _, ok := b.ack("1"); return ok })
	if a, _ := b.ack("1"); a != queue.Accept {
		t.Fatalf("want accept, got %v", a)
	}
	sent := b.sentRecords()
	if len(sent) != 3 {
		t.Fatalf("want 3 outputs, got %d", len(sent))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(sent[i].Value) != want || sent[i].Topic != "out" || sent[i].Key != "k" {
			t.Fatalf("output %d: %+v", i, sent[i])
		}
	}
	if obs.accepted != 1 || obs.published != 3 {
		t.Fatalf("observer %+v", obs)
	}
}

func TestStageReleasesOnDecodeError(t *testing.T) {
	b := newFakeBroker(
		queue.Record{ID: "bad", Topic: "in", Value: []byte("bad")},
		queue.Record{ID: "ok", Topic: "in", Value: []byte("fine")},
	)
	p, _ := b.NewProducer("")
	obs := &countingObserver{}
	s, _ := New(Config{Name: "s", InputTopic: "in", OutputTopic: "out", Group: "g"}, b, p, splitWords, WithObserver(obs))

	runUntil(t, s, func() bool { _, ok := b.ack("ok"); return ok })
	if a, _ := b.ack("bad"); a != queue.Release {
		t.Fatalf("bad record: want release, got %v", a)
	}
	if a, _ := b.ack("ok"); a != queue.Accept {
		t.Fatalf("worker did not continue after bad record")
	}
	if len(b.sentRecords()) != 1 {
		t.Fatalf("bad record published outputs")
	}
	if obs.released[ReasonDecode] != 1 {
		t.Fatalf("release reason %+v", obs.released)
	}
}

func TestStageReleasesOnPublishFailure(t *testing.T) {
	b := newFakeBroker(queue.Record{ID: "1", Topic: "in", Value: []byte("x")})
	b.sendErr = errors.New("broker down")
	p, _ := b.NewProducer("")
	obs := &countingObserver{}
	s, _ := New(Config{Name: "s", InputTopic: "in", OutputTopic: "out", Group: "g"}, b, p, splitWords, WithObserver(obs))

	runUntil(t, s, func() bool { _, ok := b.ack("1"); return ok })
	if a, _ := b.ack("1"); a != queue.Release {
		t.Fatalf("want release, got %v", a)
	}
	if obs.released[ReasonTransport] != 1 {
		t.Fatalf("release reason %+v", obs.released)
	}
}

func TestStageReleasesRestOfBatchOnCancel(t *testing.T) {
	b := newFakeBroker(
		queue.Record{ID: "1", Topic: "in", Value: []byte("x")},
		queue.Record{ID: "2", Topic: "in", Value: []byte("y")},
		queue.Record{ID: "3", Topic: "in", Value: []byte("z")},
	)
	ctx, cancel := context.WithCancel(context.Background())
	transform := func(_ context.Context, rec queue.Record) ([]Output, error) {
		if rec.ID == "1" {
			cancel()
		}
		return nil, nil
	}
	s, _ := New(Config{Name: "s", InputTopic: "in", Group: "g"}, b, nil, transform)
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if a, _ := b.ack("1"); a != queue.Accept {
		t.Fatalf("record 1: want accept")
	}
	for _, id := range []string{"2", "3"} {
		if a, ok := b.ack(id); !ok || a != queue.Release {
			t.Fatalf("record %s: want release on shutdown, got %v %v", id, a, ok)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{codec.NewDecodeError("x", errors.New("y")), ReasonDecode},
		{fmt.Errorf("wrap: %w", &queue.TransportError{Op: "send", Err: errors.New("z")}), ReasonTransport},
		{context.Canceled, ReasonShutdown},
		{errors.New("other"), ReasonError},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Fatalf("classify(%v)=%s want %s", tt.err, got, tt.want)
		}
	}
}

func TestStagePoolOverLocalBroker(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	broker := sharequeue.NewBroker(db, sharequeue.Options{})
	defer broker.Close()
	tr := local.New(broker, local.Options{MaxPollRecords: 3})

	producer, _ := tr.NewProducer("test")
	ctx := context.Background()
	const inputs = 30
	for i := 0; i < inputs; i++ {
		if err := producer.Send(ctx, "words-in", fmt.Sprint(i), []byte(fmt.Sprintf("w%d-a w%d-b", i, i))); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	count := func(_ context.Context, rec queue.Record) ([]Output, error) {
		mu.Lock()
		seen[string(rec.Value)]++
		mu.Unlock()
		return nil, nil
	}
	fanout, _ := New(Config{Name: "split", InputTopic: "words-in", OutputTopic: "words-out", Group: "splitters", Workers: 4, PollTimeout: 20 * time.Millisecond}, tr, producer, splitWords)
	sink, _ := New(Config{Name: "sink", InputTopic: "words-out", Group: "sinks", Workers: 3, PollTimeout: 20 * time.Millisecond}, tr, nil, count)

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 2)
	go func() { errc <- fanout.Run(runCtx) }()
	go func() { errc <- sink.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 2*inputs {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("saw %d of %d outputs", n, 2*inputs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for v, n := range seen {
		if n != 1 {
			t.Fatalf("%s processed %d times", v, n)
		}
	}
}
