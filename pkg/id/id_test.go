package id

import (
	"strings"
	"sync"
	"testing"
)

type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func (c *fakeClock) now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ms
}

func (c *fakeClock) set(ms int64) {
	c.mu.Lock()
	c.ms = ms
	c.mu.Unlock()
}

func TestNextIsStrictlyIncreasing(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	g := NewGenerator(WithClock(clk.now))
	steps := []int64{1000, 1000, 1001, 900, 900, 1500}
	prev := ID{}
	for i, ms := range steps {
		clk.set(ms)
		cur := g.Next()
		if cur.Compare(prev) <= 0 {
			t.Fatalf("step %d: %s not after %s", i, cur, prev)
		}
		prev = cur
	}
	if prev.Ms() != 1500 || prev.Seq() != 0 {
		t.Fatalf("last = %d/%d", prev.Ms(), prev.Seq())
	}
}

func TestClockRegressionKeepsMillisecond(t *testing.T) {
	clk := &fakeClock{ms: 1000}
	g := NewGenerator(WithClock(clk.now))
	a := g.Next()
	clk.set(900)
	b := g.Next()
	if b.Ms() != 1000 || b.Seq() != a.Seq()+1 {
		t.Fatalf("b = %d/%d", b.Ms(), b.Seq())
	}
}

func TestSequenceWrapBorrowsNextMillisecond(t *testing.T) {
	clk := &fakeClock{ms: 2000}
	g := NewGenerator(WithClock(clk.now))
	g.Observe(New(2000, ^uint64(0)))
	next := g.Next()
	if next.Ms() != 2001 || next.Seq() != 0 {
		t.Fatalf("next = %d/%d", next.Ms(), next.Seq())
	}
}

func TestObserveOnlyMovesForward(t *testing.T) {
	clk := &fakeClock{ms: 10}
	g := NewGenerator(WithClock(clk.now))
	g.Observe(New(50, 7))
	g.Observe(New(20, 0))
	if got := g.Next(); got.Ms() != 50 || got.Seq() != 8 {
		t.Fatalf("next = %d/%d", got.Ms(), got.Seq())
	}
}

func TestConcurrentNextUnique(t *testing.T) {
	g := NewGenerator()
	var mu sync.Mutex
	seen := make(map[ID]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				v := g.Next()
				mu.Lock()
				if seen[v] {
					t.Errorf("duplicate %s", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestParseRoundTrip(t *testing.T) {
	a := New(1234, 5)
	b, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a != b || b.Ms() != 1234 || b.Seq() != 5 || b.Time().UnixMilli() != 1234 {
		t.Fatalf("round trip mismatch: %s vs %s", a, b)
	}
	for _, bad := range []string{"zz", strings.Repeat("g", 32), strings.Repeat("0", 30)} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("%q parsed", bad)
		}
	}
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short slice")
	}
	if !(ID{}).IsZero() || a.IsZero() {
		t.Fatalf("IsZero")
	}
}
