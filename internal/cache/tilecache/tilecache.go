// Package tilecache is the two tier tile image cache: decoded images in a
// bounded, expiring in-process LRU, raw payloads in an optional shared store.
package tilecache

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/wms-tile-cache/internal/cache"
	"github.com/mohammed-shakir/wms-tile-cache/internal/imagedec"
	"github.com/mohammed-shakir/wms-tile-cache/internal/logger"
)

type Options struct {
	Entries int
	// TTL bounds the lifetime of every memory entry and is the lifetime of
	// entries promoted from the shared store. Zero disables the bound.
	TTL       time.Duration
	Shared    cache.Interface
	OpTimeout time.Duration
	Decoder   imagedec.Decoder
	Logger    *slog.Logger
	Now       func() time.Time
}

type entry struct {
	img image.Image
	exp time.Time // zero: no expiry of its own
}

type Cache struct {
	l1        *expirable.LRU[string, entry]
	ttl       time.Duration
	shared    cache.Interface
	opTimeout time.Duration
	dec       imagedec.Decoder
	log       *slog.Logger
	now       func() time.Time
}

func New(opts Options) (*Cache, error) {
	if opts.Entries <= 0 {
		opts.Entries = 2048
	}
	if opts.TTL < 0 {
		return nil, fmt.Errorf("tile cache ttl %s is negative", opts.TTL)
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	if opts.Decoder == nil {
		opts.Decoder = imagedec.Registered{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		l1:        expirable.NewLRU[string, entry](opts.Entries, nil, opts.TTL),
		ttl:       opts.TTL,
		shared:    opts.Shared,
		opTimeout: opts.OpTimeout,
		dec:       opts.Decoder,
		log:       opts.Logger,
		now:       opts.Now,
	}, nil
}

func (c *Cache) fresh(key string, e entry) (image.Image, bool) {
	if !e.exp.IsZero() && !c.now().Before(e.exp) {
		c.l1.Remove(key)
		return nil, false
	}
	return e.img, true
}

func (c *Cache) remember(key string, img image.Image, ttl time.Duration) {
	if c.ttl > 0 && (ttl <= 0 || ttl > c.ttl) {
		ttl = c.ttl
	}
	e := entry{img: img}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.l1.Add(key, e)
}

func (c *Cache) memory(key string) (image.Image, bool) {
	e, ok := c.l1.Get(key)
	if !ok {
		return nil, false
	}
	return c.fresh(key, e)
}

// Get looks key up in memory, then in the shared store. Expired memory entries
// count as absent. A shared hit is decoded and promoted into memory. Shared
// store errors degrade to a miss.
func (c *Cache) Get(ctx context.Context, key string) (image.Image, bool) {
	if key == "" {
		return nil, false
	}
	if img, ok := c.memory(key); ok {
		return img, true
	}
	if c.shared == nil {
		return nil, false
	}
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	raw, ok, err := c.shared.Get(cctx, key)
	if err != nil {
		c.log.WarnContext(ctx, "shared tile cache get failed", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	img, err := c.dec.Decode(raw)
	if err != nil {
		c.log.WarnContext(ctx, "dropping undecodable shared tile", "key", key, "err", err)
		if _, derr := c.shared.Del(cctx, key); derr != nil {
			c.log.DebugContext(ctx, "shared tile delete failed", "key", key, "err", derr)
		}
		return nil, false
	}
	c.remember(key, img, 0)
	return img, true
}

// Warm promotes the shared entries of keys missing from memory in one round
// trip and returns how many were promoted. Errors degrade to no promotion.
func (c *Cache) Warm(ctx context.Context, keys []string) int {
	if c.shared == nil {
		return 0
	}
	missing := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := c.memory(k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return 0
	}
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	found, err := c.shared.MGet(cctx, missing)
	if err != nil {
		c.log.WarnContext(ctx, "shared tile cache warm failed", "keys", len(missing), "err", err)
		return 0
	}
	n := 0
	for k, raw := range found {
		img, err := c.dec.Decode(raw)
		if err != nil {
			continue
		}
		c.remember(k, img, 0)
		n++
	}
	return n
}

// Peek reads memory only. It never touches the shared store.
func (c *Cache) Peek(key string) (image.Image, bool) {
	if key == "" {
		return nil, false
	}
	e, ok := c.l1.Peek(key)
	if !ok {
		return nil, false
	}
	return c.fresh(key, e)
}

// Put stores the decoded image in memory until ttl, capped by the cache TTL,
// and the raw payload in the shared store with ttl. A zero ttl or nil raw
// skips the shared store.
func (c *Cache) Put(ctx context.Context, key string, raw []byte, img image.Image, ttl time.Duration) {
	if key == "" || img == nil {
		return
	}
	c.remember(key, img, ttl)
	if c.shared == nil || len(raw) == 0 || ttl <= 0 {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.shared.Set(cctx, key, raw, ttl); err != nil {
		c.log.WarnContext(ctx, "shared tile cache set failed", "key", key, "err", err)
	}
}

// Del drops keys from both tiers and returns how many were present in memory
// plus how many the shared store removed.
func (c *Cache) Del(ctx context.Context, keys ...string) (int, error) {
	n := 0
	for _, k := range keys {
		if c.l1.Remove(k) {
			n++
		}
	}
	if c.shared == nil || len(keys) == 0 {
		return n, nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	removed, err := c.shared.Del(cctx, keys...)
	if err != nil {
		return n, fmt.Errorf("shared delete: %w", err)
	}
	return n + int(removed), nil
}

// Purge drops every key starting with prefix from memory and every key
// matching prefix+"*" from the shared store.
func (c *Cache) Purge(ctx context.Context, prefix string) error {
	for _, k := range c.l1.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.l1.Remove(k)
		}
	}
	if c.shared == nil {
		return nil
	}
	if _, err := c.shared.DeleteMatching(ctx, prefix+"*"); err != nil {
		return fmt.Errorf("shared purge %q: %w", prefix, err)
	}
	return nil
}

func (c *Cache) Len() int { return c.l1.Len() }
