package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit_RegistersOnFreshRegistryTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	Init(reg, true) // already registered collectors are tolerated

	ObserveCycle("xyz", "ok")
	ObserveTileOutcome("succeeded")

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("metrics scrape: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	out := string(b)
	for _, want := range []string{`fetch_cycles_total{mode="xyz",outcome="ok"}`, `tile_fetch_total{outcome="succeeded"}`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in metrics; got:\n%s", want, out)
		}
	}
}

func TestCounters_Increment(t *testing.T) {
	hits := testutil.ToFloat64(cacheHits)
	misses := testutil.ToFloat64(cacheMisses)

	IncCacheHit()
	IncCacheMiss()
	IncCacheMiss()

	if d := testutil.ToFloat64(cacheHits) - hits; d != 1 {
		t.Fatalf("hits delta=%v want 1", d)
	}
	if d := testutil.ToFloat64(cacheMisses) - misses; d != 2 {
		t.Fatalf("misses delta=%v want 2", d)
	}
}

func TestObserveInvalidation_CountsKeysOnlyOnSuccess(t *testing.T) {
	before := testutil.ToFloat64(invalidatedKeys)
	ObserveInvalidation(5, nil)
	ObserveInvalidation(7, errors.New("redis down"))
	if d := testutil.ToFloat64(invalidatedKeys) - before; d != 5 {
		t.Fatalf("invalidated keys delta=%v want 5", d)
	}
	if got := testutil.ToFloat64(invalidations.WithLabelValues("error")); got < 1 {
		t.Fatalf("error result not counted")
	}
}
