package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/sharepipe/internal/pipeline"
	pebblestore "github.com/rzbill/sharepipe/internal/storage/pebble"
)

var (
	_ pipeline.Observer       = (*Metrics)(nil)
	_ pebblestore.MetricsHook = (*Metrics)(nil)
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Polled("load", 3)
	m.Accepted("load")
	m.Released("load", pipeline.ReasonDecode)
	m.Published("load", 2)
	m.ObserveTransform("load", 3*time.Millisecond)
	m.AlertGenerated("Motion")
	m.CacheLookup(false)
	m.ObserveBatchCommit(time.Millisecond, 2, 128)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`sharepipe_records_polled_total{stage="load"} 3`,
		`sharepipe_records_released_total{reason="decode",stage="load"} 1`,
		`sharepipe_records_published_total{stage="load"} 2`,
		`sharepipe_alerts_generated_total{type="Motion"} 1`,
		`sharepipe_cache_lookups_total{result="miss"} 1`,
		`sharepipe_storage_bytes_total{op="commit"} 128`,
		`sharepipe_transform_duration_seconds_count{stage="load"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in exposition", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Accepted("x")
	if a.Registry() == b.Registry() {
		t.Fatalf("registries shared")
	}
}
