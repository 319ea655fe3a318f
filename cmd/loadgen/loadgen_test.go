package main

import (
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestMakeViewports_HotViewsFirst(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	views := makeViewports(40, 768, 512, r)
	if len(views) != 40 {
		t.Fatalf("len=%d want 40", len(views))
	}
	for i, v := range views {
		if !(v.X2 > v.X1 && v.Y2 > v.Y1) || v.Width != 768 || v.Height != 512 {
			t.Fatalf("view %d malformed: %+v", i, v)
		}
		ratio := (v.X2 - v.X1) / (v.Y2 - v.Y1)
		if math.Abs(ratio-1.5) > 1e-9 {
			t.Fatalf("view %d aspect=%v want 1.5", i, ratio)
		}
	}
	// first hot view is around Stockholm
	x, y := mercator(18.0686, 59.3293)
	v := views[0]
	if x < v.X1-(v.X2-v.X1) || x > v.X2+(v.X2-v.X1) || y < v.Y1-(v.Y2-v.Y1) || y > v.Y2+(v.Y2-v.Y1) {
		t.Fatalf("first view %+v not near stockholm (%v,%v)", v, x, y)
	}
}

func TestReadCentroids(t *testing.T) {
	in := "ID,Lon,Lat\na,18.0,59.3\n,1,2\nb,12.0,57.7\n"
	cs, err := readCentroids(strings.NewReader(in))
	if err != nil {
		t.Fatalf("readCentroids: %v", err)
	}
	if len(cs) != 2 || cs[1].ID != "b" {
		t.Fatalf("centroids=%+v", cs)
	}
	views := viewportsFromCentroids(cs, 10, 256, 256)
	if len(views) != 2 {
		t.Fatalf("views=%d want 2", len(views))
	}
	if _, err := readCentroids(strings.NewReader("x,y\n1,2\n")); err == nil {
		t.Fatalf("missing columns accepted")
	}
}

func TestPercentile(t *testing.T) {
	v := []float64{1, 2, 3, 4, 5}
	if got := percentile(v, 50); got != 3 {
		t.Fatalf("p50=%v", got)
	}
	if got := percentile(v, 95); math.Abs(got-4.8) > 1e-9 {
		t.Fatalf("p95=%v", got)
	}
	if !math.IsNaN(percentile(nil, 50)) {
		t.Fatalf("empty percentile not NaN")
	}
}

func TestAggregator_ClassifiesResponses(t *testing.T) {
	a := newAggregator()
	a.add(sample{Status: http.StatusOK, Cache: "full_hit", Latency: 2 * time.Millisecond})
	a.add(sample{Status: http.StatusOK, Cache: "miss", Failed: 2, Latency: 4 * time.Millisecond})
	a.add(sample{Status: http.StatusNoContent})
	a.add(sample{Status: http.StatusBadGateway, ErrorMsg: "status=502"})

	s := a.summarize(Config{}, time.Unix(0, 0), time.Unix(2, 0))
	if s.TotalRequests != 4 || s.SuccessCount != 2 || s.Superseded != 1 || s.ErrorCount != 1 {
		t.Fatalf("summary=%+v", s)
	}
	if s.HitClasses["full_hit"] != 1 || s.FailedTiles != 2 || s.ThroughputRPS != 2 {
		t.Fatalf("summary=%+v", s)
	}
}

func TestRequestURL(t *testing.T) {
	got, err := requestURL("http://h:8090/map?x=1", "loadgen-3", Viewport{X1: 0, Y1: 1, X2: 2, Y2: 3, Width: 10, Height: 20})
	if err != nil {
		t.Fatalf("requestURL: %v", err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if q.Get("canvas") != "loadgen-3" || q.Get("bbox") != "0.00,1.00,2.00,3.00" || q.Get("width") != "10" || q.Get("x") != "1" {
		t.Fatalf("url=%s", got)
	}
}
