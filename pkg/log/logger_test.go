package log

import (
	"bytes"
	"encoding/json"
	"errors"
	stdlog "log"
	"strings"
	"sync"
	"testing"
)

func newBufLogger(buf *bytes.Buffer, opts ...LoggerOption) Logger {
	base := []LoggerOption{
		WithLevel(DebugLevel),
		WithFormatter(&TextFormatter{NoTimestamp: true}),
		WithOutput(NewWriterOutput(buf)),
	}
	return NewLogger(append(base, opts...)...)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf)
	l.SetLevel(WarnLevel)
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered: %q", out)
	}
	if !strings.Contains(out, "WARN  shown") {
		t.Fatalf("warn missing: %q", out)
	}
}

func TestWithSharesLevelAndAddsFields(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf)
	child := l.WithComponent("stage").With(Str("topic", "cohort-load"))
	l.SetLevel(ErrorLevel)
	child.Warn("dropped")
	child.Error("boom", Err(errors.New("bad")), Int("worker", 2))
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("child should share parent level: %q", out)
	}
	for _, want := range []string{"component=stage", "topic=cohort-load", "error=bad", "worker=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestJSONFormatterAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithFormatter(&JSONFormatter{}),
		WithOutput(NewWriterOutput(&buf)),
		WithRedactions("email"),
	)
	l.Info("recipient", Str("email", "a@b.c"), Str("name", "Ann"))
	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("json: %v (%q)", err, buf.String())
	}
	if m["email"] != "[REDACTED]" {
		t.Fatalf("email not redacted: %v", m["email"])
	}
	if m["name"] != "Ann" || m["msg"] != "recipient" || m["level"] != "info" {
		t.Fatalf("unexpected entry: %v", m)
	}
}

func TestSamplingIsConcurrencySafe(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf, WithSampling(1, 10))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				l.Info("hot")
			}
		}()
	}
	wg.Wait()
	// 200 calls: the first, then every 10th of the remaining 199
	if n := strings.Count(buf.String(), "hot"); n != 21 {
		t.Fatalf("sampled count: %d", n)
	}
}

func TestFatalExits(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf)
	code := -1
	old := exit
	exit = func(c int) { code = c }
	defer func() { exit = old }()
	l.Fatal("stop")
	if code != 1 || !strings.Contains(buf.String(), "FATAL stop") {
		t.Fatalf("code=%d out=%q", code, buf.String())
	}
}

func TestApplyConfig(t *testing.T) {
	if _, err := ApplyConfig(&Config{Level: "verbose"}); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
	l, err := ApplyConfig(&Config{Level: "warn", Format: "json", Output: "null"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if l.GetLevel() != WarnLevel {
		t.Fatalf("level: %v", l.GetLevel())
	}
}

func TestRedirectStdLog(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf)
	RedirectStdLog(l)
	defer stdlog.SetOutput(&bytes.Buffer{})
	stdlog.Printf("pebble says %d", 7)
	if !strings.Contains(buf.String(), "pebble says 7") || !strings.Contains(buf.String(), "component=stdlib") {
		t.Fatalf("stdlib output not redirected: %q", buf.String())
	}
}
