// Package fetch runs the concurrent image requests of one fetch cycle with
// cache-first lookup, bounded parallelism, per-attempt timeouts, retries and
// cancellation.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/wms-tile-cache/internal/imagedec"
	"github.com/mohammed-shakir/wms-tile-cache/internal/logger"
	"github.com/mohammed-shakir/wms-tile-cache/internal/stats"
)

// Transport issues a GET and returns the raw body. Errors exposing
// StatusCode() int are server errors; everything else is a network error.
type Transport interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Cache is the image cache consulted before any network call.
type Cache interface {
	Get(ctx context.Context, key string) (image.Image, bool)
	Put(ctx context.Context, key string, raw []byte, img image.Image, ttl time.Duration)
}

type Config struct {
	Transport      Transport
	Decoder        imagedec.Decoder
	Cache          Cache
	MaxParallel    int
	Retry          RetryPolicy
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// Options apply to one cycle.
type Options struct {
	// Counters receives cache hit/miss and error counts of the cycle's source.
	Counters *stats.Counters
	CacheTTL time.Duration
	// OnTile reports progress after each request that reaches a terminal
	// state before the cycle is cancelled.
	OnTile func(done, total int)
	// Mode labels cycle metrics.
	Mode string
}

type Handler struct {
	tr      Transport
	dec     imagedec.Decoder
	cache   Cache
	sem     *semaphore.Weighted
	retry   RetryPolicy
	timeout time.Duration
	log     *slog.Logger
	nextID  atomic.Uint64
}

func New(cfg Config) (*Handler, error) {
	if cfg.Transport == nil {
		return nil, errors.New("fetch handler: transport is required")
	}
	if cfg.Decoder == nil {
		cfg.Decoder = imagedec.Registered{}
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Handler{
		tr:      cfg.Transport,
		dec:     cfg.Decoder,
		cache:   cfg.Cache,
		sem:     semaphore.NewWeighted(int64(cfg.MaxParallel)),
		retry:   cfg.Retry,
		timeout: cfg.AttemptTimeout,
		log:     cfg.Logger,
	}, nil
}

// Start launches every request of reqs and returns immediately. onComplete is
// called once, with results in request order, when every request is terminal;
// it is never called for a cancelled cycle. Cancelling ctx cancels the cycle.
func (h *Handler) Start(ctx context.Context, reqs []model.TileRequest, opts Options, onComplete func([]Result)) *Cycle {
	cctx, cancel := context.WithCancel(ctx)
	c := &Cycle{
		id:         h.nextID.Add(1),
		cancel:     cancel,
		mode:       opts.Mode,
		counters:   opts.Counters,
		onTile:     opts.OnTile,
		onComplete: onComplete,
		results:    make([]Result, len(reqs)),
		remaining:  len(reqs),
		done:       make(chan struct{}),
	}
	if c.mode == "" {
		c.mode = "none"
	}
	for i, r := range reqs {
		c.results[i] = Result{Request: r, State: StatePending}
	}
	// a cancelled parent cancels the cycle through the same path as Cancel
	stop := context.AfterFunc(ctx, c.Cancel)
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()

	if len(reqs) == 0 {
		c.finishEmpty()
		return c
	}
	lctx := logger.WithCycleID(cctx, c.id)
	for i, r := range reqs {
		go h.run(lctx, c, i, r, opts)
	}
	return c
}

// Run is the blocking variant of Start.
func (h *Handler) Run(ctx context.Context, reqs []model.TileRequest, opts Options) ([]Result, error) {
	c := h.Start(ctx, reqs, opts, nil)
	res, err := c.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (h *Handler) run(ctx context.Context, c *Cycle, i int, req model.TileRequest, opts Options) {
	useCache := h.cache != nil && req.CacheKey != ""

	if useCache {
		if img, ok := h.cache.Get(ctx, req.CacheKey); ok {
			if opts.Counters != nil {
				opts.Counters.IncCacheHit()
			}
			c.complete(i, Result{State: StateSucceeded, Image: img, FromCache: true})
			return
		}
		if opts.Counters != nil {
			opts.Counters.IncCacheMiss()
		}
	}

	for attempt := 1; ; attempt++ {
		if !c.setState(i, StateInFlight) {
			return
		}
		img, raw, err := h.attempt(ctx, req.URL, attempt)
		if err == nil {
			if useCache && ctx.Err() == nil {
				h.cache.Put(ctx, req.CacheKey, raw, img, opts.CacheTTL)
			}
			c.complete(i, Result{State: StateSucceeded, Image: img, Attempts: attempt})
			return
		}
		if ctx.Err() != nil {
			return
		}
		retries := attempt - 1
		if !h.retry.shouldRetry(err, retries) {
			h.log.WarnContext(ctx, "tile fetch failed", "url", req.URL, "attempts", attempt, "kind", KindOf(err).String(), "err", err)
			c.complete(i, Result{State: StateFailed, Err: err, Attempts: attempt})
			return
		}
		if !c.setState(i, StateRetrying) {
			return
		}
		observability.IncTileRetry()
		wait := h.retry.Backoff(attempt)
		h.log.DebugContext(ctx, "retrying tile fetch", "url", req.URL, "attempt", attempt, "backoff", wait.String(), "err", err)
		if !sleep(ctx, wait) {
			return
		}
	}
}

func (h *Handler) attempt(ctx context.Context, url string, n int) (image.Image, []byte, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, &Error{Kind: KindCancelled, URL: url, Attempt: n, Err: err}
	}
	defer h.sem.Release(1)

	actx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	raw, err := h.tr.Fetch(actx, url)
	if err == nil {
		var img image.Image
		img, err = h.dec.Decode(raw)
		if err != nil {
			err = &Error{Kind: KindDecode, URL: url, Attempt: n, Err: err}
		} else {
			observability.ObserveTileAttempt(nil, time.Since(start).Seconds())
			return img, raw, nil
		}
	} else {
		err = classify(ctx, actx, url, n, err)
	}
	observability.ObserveTileAttempt(err, time.Since(start).Seconds())
	return nil, nil, err
}

func classify(parent, attempt context.Context, url string, n int, err error) error {
	switch {
	case parent.Err() != nil:
		return &Error{Kind: KindCancelled, URL: url, Attempt: n, Err: err}
	case errors.Is(attempt.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindNetwork, URL: url, Attempt: n, Err: fmt.Errorf("attempt timed out: %w", err)}
	}
	kind := KindNetwork
	status := statusOf(err)
	if status != 0 {
		kind = KindServer
	}
	return &Error{Kind: kind, URL: url, Status: status, Attempt: n, Err: err}
}
