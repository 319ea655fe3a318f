package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/wms-tile-cache/internal/capabilities"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/invalidation"
)

type fakeStore struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	seenDel   []string
	purged    []string
}

func (f *fakeStore) Del(_ context.Context, keys ...string) (int, error) {
	f.mu.Lock()
	f.seenDel = append(f.seenDel, keys...)
	f.mu.Unlock()
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return 0, errors.New("boom")
	}
	return len(keys), nil
}

func (f *fakeStore) Purge(_ context.Context, prefix string) error {
	f.mu.Lock()
	f.purged = append(f.purged, prefix)
	f.mu.Unlock()
	return nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "tile-invalidation" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func roadsSource() model.Source {
	return model.Source{
		Mode:     model.TileModeXYZ,
		Template: "http://tiles.test/{z}/{x}/{y}.png",
		Layers:   []string{"topo:roads"},
		Format:   "image/png",
		CRS:      "EPSG:3857",
	}
}

func eventBytes(op, layer string, bb *invalidation.BBox) []byte {
	ev := invalidation.Event{Version: 1, Op: op, Layer: layer, TS: time.Now().UTC(), BBox: bb}
	b, _ := json.Marshal(ev)
	return b
}

func smallBBox() *invalidation.BBox {
	return &invalidation.BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"}
}

func newConsumerForTest(fs *fakeStore, maxKeys int) *Consumer {
	cfg := NewConfig("x", "tile-invalidation", "g")
	cfg.MaxKeysPerMatrix = maxKeys
	return New(cfg, slog.Default(), fs, Target{Source: roadsSource(), Set: capabilities.XYZ(256, 0, 3)})
}

func TestProcessOne_DeletesCoveredTilesOfEveryMatrix(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs, 4096)

	msg := &sarama.ConsumerMessage{Topic: "t", Offset: 1, Value: eventBytes("update", "topo:roads", smallBBox())}
	if err := c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	// lon 11..12 lat 55..56 falls in one tile per zoom level up to 3
	if len(fs.seenDel) != 4 {
		t.Fatalf("deleted %d keys want 4: %v", len(fs.seenDel), fs.seenDel)
	}
	src := roadsSource()
	want := keys.TileKey(src, "1", model.TilePosition{Row: 0, Col: 1})
	found := false
	for _, k := range fs.seenDel {
		if k == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("zoom 1 key %s not deleted: %v", want, fs.seenDel)
	}
}

func TestProcessOne_LargeAreaPurgesMatrix(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs, 4)

	world := &invalidation.BBox{X1: -180, Y1: -80, X2: 180, Y2: 80, SRID: "EPSG:4326"}
	msg := &sarama.ConsumerMessage{Topic: "t", Offset: 1, Value: eventBytes("update", "topo:roads", world)}
	if err := c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	// zooms 0 and 1 fit in 4 keys, 2 and 3 are purged by prefix
	if len(fs.seenDel) != 5 {
		t.Fatalf("deleted keys=%d want 5", len(fs.seenDel))
	}
	if len(fs.purged) != 2 || fs.purged[0] != keys.MatrixPrefix(roadsSource(), "2") {
		t.Fatalf("purged=%v", fs.purged)
	}
}

func TestProcessOne_ReloadPurgesSourceAndOtherLayersIgnored(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs, 4096)

	other := &sarama.ConsumerMessage{Value: eventBytes("update", "hydro:rivers", smallBBox())}
	if err := c.ProcessOne(context.Background(), other); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(fs.seenDel) != 0 || len(fs.purged) != 0 {
		t.Fatalf("unrelated layer touched the cache")
	}

	reload := &sarama.ConsumerMessage{Value: eventBytes("reload", "topo:roads", nil)}
	if err := c.ProcessOne(context.Background(), reload); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(fs.purged) != 1 || fs.purged[0] != keys.Prefix(roadsSource()) {
		t.Fatalf("purged=%v", fs.purged)
	}
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs, 4096)

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	cl := &claim{part: 0, msgs: ch}

	ch <- &sarama.ConsumerMessage{Topic: "tile-invalidation", Partition: 0, Offset: 10, Value: eventBytes("update", "topo:roads", smallBBox())}
	ch <- &sarama.ConsumerMessage{Topic: "tile-invalidation", Partition: 0, Offset: 11, Value: eventBytes("delete", "topo:roads", smallBBox())}
	close(ch)

	if err := g.ConsumeClaim(s, cl); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
}

func TestRetry_CommitOnceAfterSuccess(t *testing.T) {
	fs := &fakeStore{}
	fs.failFirst.Store(true)
	c := newConsumerForTest(fs, 4096)
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "tile-invalidation", Partition: 0, Offset: 5, Value: eventBytes("update", "topo:roads", smallBBox())}

	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err == nil {
		t.Fatalf("expected error on first attempt")
	}
	if len(s.marked) != 0 {
		t.Fatalf("failed message was marked: %v", s.marked)
	}

	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
}

func TestInvalidEvent_MarkedAndSkipped(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs, 4096)
	g := &groupHandler{process: c.ProcessOne, logger: slog.Default()}
	s := &sess{ctx: t.Context()}

	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("{not json")}
	ch <- &sarama.ConsumerMessage{Offset: 2, Value: eventBytes("update", "topo:roads", nil)}
	ch <- &sarama.ConsumerMessage{Offset: 3, Value: eventBytes("update", "topo:roads", smallBBox())}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 {
		t.Fatalf("marked=%v want all three", s.marked)
	}
	if len(fs.seenDel) == 0 {
		t.Fatalf("valid event after invalid ones not processed")
	}
}

func TestMultiPartition_Parallel_NoCrossOrdering(t *testing.T) {
	fs := &fakeStore{}
	c := newConsumerForTest(fs, 4096)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	for i := range 2 {
		p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: int64(i + 1), Value: eventBytes("update", "topo:roads", smallBBox())}
		p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: int64(i + 1), Value: eventBytes("update", "topo:roads", smallBBox())}
	}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}
