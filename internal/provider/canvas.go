package provider

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Factory builds the provider of a new canvas.
type Factory func(canvas string) (*Provider, error)

// Canvases holds one provider per canvas id, so requests of the same canvas
// supersede each other. The least recently used canvas is dropped, and its
// running cycle cancelled, once limit is reached.
type Canvases struct {
	mu      sync.Mutex
	byID    *lru.Cache[string, *Provider]
	factory Factory
}

func NewCanvases(limit int, factory Factory) (*Canvases, error) {
	if limit <= 0 {
		limit = 256
	}
	c, err := lru.NewWithEvict(limit, func(_ string, p *Provider) { p.Cancel() })
	if err != nil {
		return nil, fmt.Errorf("canvas table: %w", err)
	}
	return &Canvases{byID: c, factory: factory}, nil
}

// Get returns the provider of canvas, creating it on first use.
func (c *Canvases) Get(canvas string) (*Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byID.Get(canvas); ok {
		return p, nil
	}
	p, err := c.factory(canvas)
	if err != nil {
		return nil, fmt.Errorf("canvas %q: %w", canvas, err)
	}
	c.byID.Add(canvas, p)
	return p, nil
}

// Each calls fn for every live canvas, most recently used first.
func (c *Canvases) Each(fn func(canvas string, p *Provider)) {
	c.mu.Lock()
	keys := c.byID.Keys()
	c.mu.Unlock()
	for i := len(keys) - 1; i >= 0; i-- {
		if p, ok := c.byID.Peek(keys[i]); ok {
			fn(keys[i], p)
		}
	}
}

func (c *Canvases) Len() int { return c.byID.Len() }
