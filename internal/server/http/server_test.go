package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/sharepipe/internal/config"
	"github.com/rzbill/sharepipe/internal/metrics"
	"github.com/rzbill/sharepipe/internal/runtime"
	logpkg "github.com/rzbill/sharepipe/pkg/log"
)

func newTestServer(t *testing.T, mutate func(*cfgpkg.Config)) (*Server, *runtime.Runtime) {
	t.Helper()
	cfg := cfgpkg.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := runtime.Open(runtime.Options{Config: cfg})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return New(rt, metrics.New().Handler(), logger), rt
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := get(t, s, "/v1/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("body: %s", w.Body.String())
	}
}

func TestMetricsHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := get(t, s, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatalf("metrics body missing runtime collectors")
	}
}

func TestStatsAndDeadLetters(t *testing.T) {
	s, rt := newTestServer(t, func(c *cfgpkg.Config) { c.Queue.MaxDeliveries = 1 })
	ctx := context.Background()
	tp, err := rt.Broker().Topic("jobs")
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	if err := tp.Subscribe(ctx, "workers"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	now := time.Now().UnixMilli()
	for _, v := range []string{`{"n":1}`, `{"n":2}`} {
		if _, err := tp.Publish(ctx, []byte("k"), []byte(v), now); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	ds, err := tp.Acquire(ctx, "workers", "c1", 1, 30_000, now)
	if err != nil || len(ds) != 1 {
		t.Fatalf("acquire: %v %v", ds, err)
	}
	if archived, err := tp.Release(ctx, "workers", "c1", ds[0].ID, now); err != nil || !archived {
		t.Fatalf("release archived=%v err=%v", archived, err)
	}

	w := get(t, s, "/v1/topics/jobs/groups/workers/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("stats status: %d %s", w.Code, w.Body.String())
	}
	var st struct {
		Available    int `json:"available"`
		InFlight     int `json:"in_flight"`
		DeadLettered int `json:"dead_lettered"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Available != 1 || st.InFlight != 0 || st.DeadLettered != 1 {
		t.Fatalf("stats = %+v", st)
	}

	w = get(t, s, "/v1/topics/jobs/groups/workers/dlq?limit=10")
	if w.Code != http.StatusOK {
		t.Fatalf("dlq status: %d", w.Code)
	}
	var dlq struct {
		Items []struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		} `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &dlq); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dlq.Items) != 1 || dlq.Items[0].Key != "k" || string(dlq.Items[0].Value) != `{"n":1}` {
		t.Fatalf("dlq = %s", w.Body.String())
	}

	w = get(t, s, "/v1/topics")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"name":"jobs"`) {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}
}

func TestTopicErrors(t *testing.T) {
	s, rt := newTestServer(t, nil)
	tp, err := rt.Broker().Topic("jobs")
	if err != nil {
		t.Fatalf("topic: %v", err)
	}
	if err := tp.Subscribe(context.Background(), "g"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cases := []struct {
		path string
		code int
	}{
		{"/v1/topics/jobs/groups/nobody/stats", http.StatusNotFound},
		{"/v1/topics/jobs/groups/nobody/dlq", http.StatusNotFound},
		{"/v1/topics/jobs/groups/g/dlq", http.StatusOK},
		{"/v1/topics/ghost/groups/g/stats", http.StatusNotFound},
		{"/v1/topics/ghost/groups/g/dlq", http.StatusNotFound},
		{"/v1/topics/bad%20name/groups/g/stats", http.StatusBadRequest},
		{"/v1/topics/jobs/groups/g/dlq?limit=-3", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := get(t, s, tc.path); w.Code != tc.code {
			t.Fatalf("%s: status %d, want %d", tc.path, w.Code, tc.code)
		}
	}
}

func TestReadsDoNotCreateTopics(t *testing.T) {
	s, rt := newTestServer(t, nil)
	for _, path := range []string{"/v1/topics/ghost-topic/groups/nobody/stats", "/v1/topics/ghost-topic/groups/nobody/dlq"} {
		if w := get(t, s, path); w.Code != http.StatusNotFound {
			t.Fatalf("%s: status %d", path, w.Code)
		}
	}
	w := get(t, s, "/v1/topics/")
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "ghost-topic") {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}
	if len(rt.Broker().Topics()) != 0 {
		t.Fatalf("broker opened %d topics", len(rt.Broker().Topics()))
	}
}

func TestTopicsRequireLocalTransport(t *testing.T) {
	s, _ := newTestServer(t, func(c *cfgpkg.Config) { c.Transport = cfgpkg.TransportKafka })
	if w := get(t, s, "/v1/topics/jobs/groups/g/stats"); w.Code != http.StatusNotImplemented {
		t.Fatalf("status: %d", w.Code)
	}
	if w := get(t, s, "/v1/healthz"); w.Code != http.StatusOK {
		t.Fatalf("health status: %d", w.Code)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("server did not stop")
	}
}
