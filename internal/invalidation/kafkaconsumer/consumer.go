package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	obs "github.com/mohammed-shakir/wms-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/wms-tile-cache/internal/invalidation"
	mylog "github.com/mohammed-shakir/wms-tile-cache/internal/logger"
	"github.com/mohammed-shakir/wms-tile-cache/internal/tiling"
)

// ErrInvalidEvent marks messages that can never be processed. They are
// skipped instead of redelivered.
var ErrInvalidEvent = errors.New("invalid invalidation event")

// TileStore removes cached images.
type TileStore interface {
	Del(ctx context.Context, keys ...string) (int, error)
	Purge(ctx context.Context, prefix string) error
}

// Target is one cached source an event can evict tiles from.
type Target struct {
	Source model.Source
	// Set holds the matrices of a tiled source; empty for single-image sources.
	Set model.TileMatrixSet
	// Layers the target answers to. Defaults to Source.Layers.
	Layers []string
}

func (t Target) matches(layer string) bool {
	names := t.Layers
	if len(names) == 0 {
		names = t.Source.Layers
	}
	return slices.Contains(names, layer)
}

type Consumer struct {
	cfg     Config
	logger  *slog.Logger
	store   TileStore
	targets []Target
	zlog    *zerolog.Logger
}

func New(cfg Config, logger *slog.Logger, store TileStore, targets ...Target) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxKeysPerMatrix <= 0 {
		cfg.MaxKeysPerMatrix = 4096
	}
	return &Consumer{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		targets: targets,
	}
}

// consumes invalidation events from kafka until ctx ends
func (c *Consumer) Start(ctx context.Context) error {
	if c.store == nil {
		return errors.New("kafkaconsumer: missing tile store")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	base := mylog.WithComponent(context.Background(), "kafka_consumer")
	zl := mylog.Build(mylog.Config{Level: c.cfg.LogLevel, Component: "kafka_consumer"}, nil)
	c.zlog = mylog.FromContext(base, &zl)

	handler := &groupHandler{process: c.ProcessOne, logger: c.logger}

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID, "targets", len(c.targets))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				c.zlog.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("kafka consumer error")
				select {
				case <-ctx.Done():
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

// ProcessOne evicts the cached tiles covered by one event. Malformed events
// return an error wrapping ErrInvalidEvent.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.ObserveInvalidation(0, err)
		mylog.FromContext(ctx, c.zlog).Error().
			Str("kind", "decode").
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return fmt.Errorf("%w: json decode: %w", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		obs.ObserveInvalidation(0, err)
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	removed, matched := 0, 0
	for _, t := range c.targets {
		if !t.matches(ev.Layer) {
			continue
		}
		matched++
		n, err := c.evict(ctx, t, ev)
		removed += n
		if err != nil {
			obs.ObserveInvalidation(removed, err)
			mylog.FromContext(ctx, c.zlog).Error().
				Str("kind", "evict").
				Str("layer", ev.Layer).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Err(err).
				Msg("kafka error")
			return fmt.Errorf("evict %s: %w", t.Source.Key(), err)
		}
	}
	if matched == 0 {
		obs.ObserveInvalidation(0, nil)
		c.logger.Debug("no cached source for layer (skipping)", "layer", ev.Layer, "op", ev.Op)
		return nil
	}

	obs.ObserveInvalidation(removed, nil)
	c.logger.Debug("invalidated keys",
		"layer", ev.Layer, "op", ev.Op, "targets", matched, "keys", removed, "took", time.Since(start))

	mylog.FromContext(ctx, c.zlog).Info().
		Str("event", "invalidation").
		Str("op", ev.Op).Str("layer", ev.Layer).
		Int("targets", matched).Int("keys", removed).
		Msg("invalidated keys")

	return nil
}

// evict drops what ev covers in t. Areas needing more than MaxKeysPerMatrix
// keys on one matrix purge that matrix.
func (c *Consumer) evict(ctx context.Context, t Target, ev invalidation.Event) (int, error) {
	if ev.Whole() {
		return 0, c.store.Purge(ctx, keys.Prefix(t.Source))
	}
	if len(t.Set.Matrices) == 0 {
		// single-image cycles are keyed by url, not by area
		return 0, c.store.Purge(ctx, keys.ImagePrefix(t.Source))
	}
	crs := t.Set.CRS
	if crs == "" {
		crs = t.Source.CRS
	}
	ext, err := ev.BBox.Extent(crs)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	var del []string
	for _, m := range t.Set.Matrices {
		if tiling.Count(ext, m) > c.cfg.MaxKeysPerMatrix {
			if err := c.store.Purge(ctx, keys.MatrixPrefix(t.Source, m.Identifier)); err != nil {
				return 0, err
			}
			continue
		}
		for _, p := range tiling.Cover(ext, m) {
			del = append(del, keys.TileKey(t.Source, m.Identifier, p))
		}
	}
	if len(del) == 0 {
		return 0, nil
	}
	n, err := c.store.Del(ctx, del...)
	if err != nil {
		return n, fmt.Errorf("delete %d keys: %w", len(del), err)
	}
	return n, nil
}
