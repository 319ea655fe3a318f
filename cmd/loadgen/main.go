// Command loadgen replays a Zipf-skewed pool of map viewports against /map and
// reports latency percentiles and the cache hit class mix.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Config struct {
	TargetURL       string
	Concurrency     int
	Duration        time.Duration
	ZipfS           float64
	ZipfV           float64
	ViewCount       int
	Width           int
	Height          int
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
	CentroidFile    string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090/map", "wmstiles /map URL")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent workers, each on its own canvas")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.ViewCount, "views", 128, "Distinct viewports in pool")
	flag.IntVar(&cfg.Width, "width", 768, "Viewport width in pixels")
	flag.IntVar(&cfg.Height, "height", 512, "Viewport height in pixels")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/loadgen", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 30*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append UTC timestamp to output prefix")
	flag.StringVar(&cfg.CentroidFile, "centroids", "", "Optional centroid CSV file (id,lon,lat) to drive viewports")
	flag.Parse()
	return cfg
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	Cache     string
	Failed    int
	ErrorMsg  string
	ViewIndex int
}

type summary struct {
	StartTime     time.Time        `json:"start"`
	EndTime       time.Time        `json:"end"`
	DurationSec   float64          `json:"duration_sec"`
	TotalRequests int64            `json:"total"`
	SuccessCount  int64            `json:"success"`
	ErrorCount    int64            `json:"errors"`
	Superseded    int64            `json:"superseded"`
	FailedTiles   int64            `json:"failed_tiles"`
	HitClasses    map[string]int64 `json:"hit_classes"`
	ThroughputRPS float64          `json:"throughput_rps"`
	P50Ms         float64          `json:"p50_ms"`
	P95Ms         float64          `json:"p95_ms"`
	P99Ms         float64          `json:"p99_ms"`
	Concurrency   int              `json:"concurrency"`
	ZipfS         float64          `json:"zipf_s"`
	ZipfV         float64          `json:"zipf_v"`
	Views         int              `json:"views"`
	TargetURL     string           `json:"target"`
}

// aggregator folds samples into a summary; it is driven by a single goroutine.
type aggregator struct {
	total       int64
	success     int64
	errors      int64
	superseded  int64
	failedTiles int64
	hits        map[string]int64
	latMs       []float64
}

func newAggregator() *aggregator {
	return &aggregator{hits: map[string]int64{}, latMs: make([]float64, 0, 1<<16)}
}

func (a *aggregator) add(s sample) {
	a.total++
	switch {
	case s.ErrorMsg == "" && s.Status == http.StatusOK:
		a.success++
		a.hits[s.Cache]++
		a.failedTiles += int64(s.Failed)
		a.latMs = append(a.latMs, float64(s.Latency.Microseconds())/1000.0)
	case s.Status == http.StatusNoContent:
		a.superseded++
	default:
		a.errors++
	}
}

func (a *aggregator) summarize(cfg Config, start, end time.Time) summary {
	sort.Float64s(a.latMs)
	elapsed := end.Sub(start).Seconds()
	return summary{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationSec:   elapsed,
		TotalRequests: a.total,
		SuccessCount:  a.success,
		ErrorCount:    a.errors,
		Superseded:    a.superseded,
		FailedTiles:   a.failedTiles,
		HitClasses:    a.hits,
		ThroughputRPS: float64(a.total) / elapsed,
		P50Ms:         percentile(a.latMs, 50),
		P95Ms:         percentile(a.latMs, 95),
		P99Ms:         percentile(a.latMs, 99),
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		Views:         cfg.ViewCount,
		TargetURL:     cfg.TargetURL,
	}
}

func requestURL(target string, canvas string, v Viewport) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("bad target: %w", err)
	}
	q := u.Query()
	q.Set("canvas", canvas)
	q.Set("bbox", v.BBox())
	q.Set("width", strconv.Itoa(v.Width))
	q.Set("height", strconv.Itoa(v.Height))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func main() {
	cfg := loadConfig()
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}

	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))

	var views []Viewport
	if strings.TrimSpace(cfg.CentroidFile) != "" {
		centroids, err := loadCentroidsCSV(cfg.CentroidFile)
		if err != nil {
			log.Printf("WARN: failed to load centroids from %q: %v; falling back to synthetic viewports", cfg.CentroidFile, err)
		} else {
			views = viewportsFromCentroids(centroids, cfg.ViewCount, cfg.Width, cfg.Height)
			log.Printf("using %d centroid-driven viewports from %s", len(views), cfg.CentroidFile)
		}
	}
	if len(views) == 0 {
		views = makeViewports(cfg.ViewCount, cfg.Width, cfg.Height, r)
		log.Printf("using %d synthetic viewports", len(views))
	}
	if len(views) == 0 {
		log.Fatalf("no viewports generated")
	}
	imax := uint64(len(views)) - 1

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samples := make(chan sample, 4096)
	done := make(chan *aggregator, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "cache", "failed_tiles", "error", "view_idx"})
		agg := newAggregator()
		for s := range samples {
			agg.add(s)
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				strconv.Itoa(s.Status),
				s.Cache,
				strconv.Itoa(s.Failed),
				s.ErrorMsg,
				strconv.Itoa(s.ViewIndex),
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		done <- agg
	}()

	start := time.Now()
	log.Printf("loadgen start target=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) views=%d size=%dx%d",
		cfg.TargetURL, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(views), cfg.Width, cfg.Height)

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for workerID := range cfg.Concurrency {
		go func(id int) {
			defer wg.Done()
			canvas := fmt.Sprintf("loadgen-%d", id)
			zipf := rand.NewZipf(rand.New(rand.NewSource(seed+int64(id)+1)), cfg.ZipfS, cfg.ZipfV, imax)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				v := zipf.Uint64()
				if v > uint64(math.MaxInt) || int(v) >= len(views) {
					continue
				}
				idx := int(v)
				s := fetchOne(ctx, httpClient, cfg.TargetURL, canvas, views[idx])
				s.ViewIndex = idx
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samples)
	}()

	agg := <-done
	sum := agg.summarize(cfg, start, time.Now())

	if jsonFile, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d succ=%d err=%d superseded=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms hits=%v",
		sum.TotalRequests, sum.SuccessCount, sum.ErrorCount, sum.Superseded, sum.ThroughputRPS,
		sum.P50Ms, sum.P95Ms, sum.P99Ms, sum.HitClasses)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func fetchOne(ctx context.Context, c *http.Client, target, canvas string, v Viewport) sample {
	s := sample{Timestamp: time.Now()}
	u, err := requestURL(target, canvas, v)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	req.Header.Set("Accept", "image/png")
	resp, err := c.Do(req)
	s.Latency = time.Since(s.Timestamp)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Status = resp.StatusCode
	s.Cache = resp.Header.Get("X-Cache")
	s.Failed, _ = strconv.Atoi(resp.Header.Get("X-Tiles-Failed"))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}
