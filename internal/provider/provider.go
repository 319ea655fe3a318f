// Package provider is the map-canvas facing side of the fetch pipeline: it
// plans a cycle for a viewport, runs it, supersedes stale cycles and composes
// the result.
package provider

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/wms-tile-cache/internal/capabilities"
	"github.com/mohammed-shakir/wms-tile-cache/internal/composer"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/fetch"
	"github.com/mohammed-shakir/wms-tile-cache/internal/logger"
	"github.com/mohammed-shakir/wms-tile-cache/internal/stats"
)

type Options struct {
	Source       model.Source
	Capabilities capabilities.Provider
	Handler      *fetch.Handler
	// Cache is the cache the handler writes to; the provider reads it for
	// fallback fills and purges it on reload. Nil disables both.
	Cache      *tilecache.Cache
	Stats      *stats.Store
	CacheTTL   time.Duration
	Smooth     bool
	OnProgress func(done, total int)
	Logger     *slog.Logger
}

// Rendered is the composed output of one cycle.
type Rendered struct {
	Image    *image.RGBA
	CycleID  uint64
	Matrix   string
	Requests int
	Failed   int
	Hit      composer.HitClass
}

type Provider struct {
	src      model.Source
	caps     capabilities.Provider
	handler  *fetch.Handler
	cache    *tilecache.Cache
	stats    *stats.Store
	strategy strategy
	comp     *composer.Compositor
	ttl      time.Duration
	progress func(done, total int)
	log      *slog.Logger

	mu      sync.Mutex
	gen     uint64
	current *fetch.Cycle

	legendMu  sync.Mutex
	legendKey string
	legendImg image.Image
}

func New(opts Options) (*Provider, error) {
	if opts.Handler == nil {
		return nil, errors.New("provider: fetch handler is required")
	}
	st, err := strategyFor(opts.Source, opts.Capabilities)
	if err != nil {
		return nil, err
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewStore()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Provider{
		src:      opts.Source,
		caps:     opts.Capabilities,
		handler:  opts.Handler,
		cache:    opts.Cache,
		stats:    opts.Stats,
		strategy: st,
		comp:     composer.New(composer.Options{Smooth: opts.Smooth}),
		ttl:      opts.CacheTTL,
		progress: opts.OnProgress,
		log:      opts.Logger,
	}, nil
}

func (p *Provider) Source() model.Source { return p.src }

// Stats returns the counters of this provider's source.
func (p *Provider) Stats() stats.Snapshot { return p.stats.Snapshot(p.src.Key()) }

// RequestImage blocks until the cycle for vp is composed. A cycle superseded
// by a newer request returns fetch.ErrCancelled.
func (p *Provider) RequestImage(ctx context.Context, vp model.Viewport) (*Rendered, error) {
	c, pl, _, err := p.start(ctx, vp, nil)
	if err != nil {
		return nil, err
	}
	results, err := c.Wait(ctx)
	if err != nil {
		if errors.Is(err, fetch.ErrCancelled) {
			return nil, fetch.ErrCancelled
		}
		c.Cancel()
		return nil, fmt.Errorf("wait for cycle %d: %w", c.ID(), err)
	}
	return p.compose(vp, pl, c.ID(), results), nil
}

// RequestImageAsync starts the cycle for vp and returns at once. onComplete
// runs once with the composed image unless the cycle is superseded or
// cancelled first, in which case it never runs. Planning failures are
// returned directly.
func (p *Provider) RequestImageAsync(ctx context.Context, vp model.Viewport, onComplete func(*Rendered)) (*fetch.Cycle, error) {
	c, _, _, err := p.start(ctx, vp, func(c *fetch.Cycle, pl plan, gen uint64, results []fetch.Result) {
		if !p.isCurrent(gen) {
			return
		}
		r := p.compose(vp, pl, c.ID(), results)
		if onComplete != nil {
			onComplete(r)
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

type completion func(c *fetch.Cycle, pl plan, gen uint64, results []fetch.Result)

// start plans vp, cancels the running cycle and launches the new one. done,
// when set, runs on its own goroutine once the cycle completes.
func (p *Provider) start(ctx context.Context, vp model.Viewport, done completion) (*fetch.Cycle, plan, uint64, error) {
	pl, err := p.strategy.plan(vp)
	if err != nil {
		p.log.ErrorContext(ctx, "cannot plan fetch cycle", "err", err)
		return nil, plan{}, 0, err
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	if p.current != nil {
		p.current.Cancel()
		p.current = nil
	}
	p.mu.Unlock()

	if p.cache != nil && len(pl.reqs) > 1 {
		ks := make([]string, 0, len(pl.reqs))
		for _, r := range pl.reqs {
			ks = append(ks, r.CacheKey)
		}
		if n := p.cache.Warm(ctx, ks); n > 0 {
			p.log.DebugContext(ctx, "warmed tiles from shared cache", "tiles", n)
		}
	}

	opts := fetch.Options{
		Counters: p.stats.For(p.src.Key()),
		CacheTTL: p.ttl,
		OnTile:   p.progress,
		Mode:     p.strategy.mode(),
	}
	var (
		c          *fetch.Cycle
		started    = make(chan struct{})
		onComplete func([]fetch.Result)
	)
	if done != nil {
		onComplete = func(rs []fetch.Result) {
			go func() {
				<-started
				done(c, pl, gen, rs)
			}()
		}
	}
	c = p.handler.Start(logger.WithSource(ctx, p.src.Key()), pl.reqs, opts, onComplete)
	defer close(started)

	p.mu.Lock()
	if gen != p.gen {
		// a newer request started while this one was launching
		p.mu.Unlock()
		c.Cancel()
		return c, pl, gen, nil
	}
	p.current = c
	p.mu.Unlock()

	p.log.DebugContext(ctx, "fetch cycle started", "cycle", c.ID(), "requests", len(pl.reqs), "mode", p.strategy.mode())
	return c, pl, gen, nil
}

func (p *Provider) isCurrent(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen == p.gen
}

// Cancel aborts the running cycle, if any.
func (p *Provider) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.current != nil {
		p.current.Cancel()
		p.current = nil
	}
}

func (p *Provider) compose(vp model.Viewport, pl plan, id uint64, results []fetch.Result) *Rendered {
	var fb composer.Fallback
	if pl.matrix != nil && p.cache != nil {
		fb = &levelFallback{
			src:    p.src,
			set:    p.caps.MatrixSet(),
			matrix: pl.matrix.Identifier,
			cache:  p.cache,
		}
	}
	r := &Rendered{
		Image:    p.comp.Compose(vp, results, fb),
		CycleID:  id,
		Requests: len(results),
		Hit:      composer.Classify(results),
	}
	if pl.matrix != nil {
		r.Matrix = pl.matrix.Identifier
	}
	for _, res := range results {
		if res.State == fetch.StateFailed {
			r.Failed++
		}
	}
	return r
}

// Legend returns the legend graphic for scale and extent. The last legend is
// remembered until the parameters change or ReloadData is called.
func (p *Provider) Legend(ctx context.Context, scale float64, ext *model.Rect) (image.Image, error) {
	st := legend{src: p.src, scale: scale, ext: ext}
	pl, err := st.plan(model.Viewport{})
	if err != nil {
		return nil, err
	}
	key := pl.reqs[0].CacheKey

	p.legendMu.Lock()
	defer p.legendMu.Unlock()
	if p.legendImg != nil && p.legendKey == key {
		return p.legendImg, nil
	}
	results, err := p.handler.Run(ctx, pl.reqs, fetch.Options{
		Counters: p.stats.For(p.src.Key()),
		CacheTTL: p.ttl,
		Mode:     st.mode(),
	})
	if err != nil {
		return nil, err
	}
	img := composer.Image(results)
	if img == nil {
		return nil, fmt.Errorf("legend: %w", results[0].Err)
	}
	p.legendKey, p.legendImg = key, img
	return img, nil
}

// ReloadData cancels the running cycle and drops every cached image of the
// source, including the remembered legend.
func (p *Provider) ReloadData(ctx context.Context) error {
	p.Cancel()
	p.legendMu.Lock()
	p.legendKey, p.legendImg = "", nil
	p.legendMu.Unlock()
	if p.cache == nil {
		return nil
	}
	if err := p.cache.Purge(ctx, keys.Prefix(p.src)); err != nil {
		return fmt.Errorf("reload %s: %w", p.src.Key(), err)
	}
	return nil
}
