package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/observability"
	mylog "github.com/mohammed-shakir/wms-tile-cache/internal/logger"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLogging_RequestIDAndRouteMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.Init(reg, true)

	var seen string
	r := chi.NewRouter()
	r.Use(Logging(discard()))
	r.Get("/tiles/{z}", func(w http.ResponseWriter, r *http.Request) {
		seen = mylog.RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/tiles/3", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if seen != "abc" || rr.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("request id ctx=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}
	n, err := testutil.GatherAndCount(reg, "http_requests_total")
	if err != nil || n == 0 {
		t.Fatalf("http_requests_total not recorded: n=%d err=%v", n, err)
	}
	mr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(mr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if want := `http_requests_total{method="GET",route="/tiles/{z}",status="418"}`; !strings.Contains(mr.Body.String(), want) {
		t.Fatalf("missing %s in:\n%s", want, mr.Body.String())
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tiles/4", nil))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing generated request id")
	}
}

func TestRecover_Returns500(t *testing.T) {
	h := Recover(discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", rr.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/map", nil))
	if called || rr.Code != http.StatusNoContent {
		t.Fatalf("preflight reached handler=%v status=%d", called, rr.Code)
	}
	if rr.Header().Get("Access-Control-Expose-Headers") == "" {
		t.Fatalf("cache headers not exposed")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/map", nil))
	if !called || rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("GET not passed through with CORS header")
	}
}
