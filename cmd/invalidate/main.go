// Command invalidate publishes one tile invalidation event to Kafka.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/wms-tile-cache/internal/invalidation"
)

func getenv(key, def string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return def
}

// parseBBox reads "x1,y1,x2,y2"; an empty string means no bbox.
func parseBBox(s, srid string) (*invalidation.BBox, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox needs 4 comma separated values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox value %d: %w", i, err)
		}
		v[i] = f
	}
	return &invalidation.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3], SRID: srid}, nil
}

func buildEvent(op, layer, bbox, srid, source string, now time.Time) (invalidation.Event, error) {
	bb, err := parseBBox(bbox, srid)
	if err != nil {
		return invalidation.Event{}, err
	}
	ev := invalidation.Event{
		Version: 1,
		Op:      op,
		Layer:   layer,
		TS:      now.UTC(),
		Source:  source,
		BBox:    bb,
	}
	if err := ev.Validate(); err != nil {
		return invalidation.Event{}, fmt.Errorf("invalid event: %w", err)
	}
	return ev, nil
}

func publish(brokers []string, topic string, ev invalidation.Event) (int32, int64, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Version = sarama.V3_6_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return 0, 0, fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	msg, err := json.Marshal(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("encode event: %w", err)
	}
	// keyed by layer so events of one layer stay ordered within a partition
	partition, offset, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.Layer),
		Value: sarama.ByteEncoder(msg),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("send message: %w", err)
	}
	return partition, offset, nil
}

// countKeys reports how many tile keys redis holds, to compare before and after.
func countKeys(ctx context.Context, addr, pattern string) (int, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 2 * time.Second,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("redis ping: %w", err)
	}
	n := 0
	iter := client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return n, nil
}

func main() {
	op := flag.String("op", "update", "insert|update|delete|reload")
	layer := flag.String("layer", "", "layer name as configured in WMS_LAYERS")
	bbox := flag.String("bbox", "", "x1,y1,x2,y2 of the changed area; empty with -op reload")
	srid := flag.String("srid", "EPSG:4326", "reference system of -bbox")
	source := flag.String("source", "", "optional producer tag")
	brokers := flag.String("brokers", getenv("KAFKA_BROKERS", "localhost:9092"), "comma separated broker list")
	topic := flag.String("topic", getenv("KAFKA_TOPIC", "tile-invalidation"), "topic")
	redisAddr := flag.String("redis", getenv("REDIS_ADDR", ""), "when set, print the tile key count before and after")
	wait := flag.Duration("wait", 2*time.Second, "delay before the second key count")
	flag.Parse()

	ev, err := buildEvent(*op, *layer, *bbox, *srid, *source, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const pattern = "wt:*"
	if *redisAddr != "" {
		n, err := countKeys(ctx, *redisAddr, pattern)
		if err != nil {
			fmt.Fprintln(os.Stderr, "redis error:", err)
			os.Exit(1)
		}
		fmt.Println("tile keys before:", n)
	}

	partition, offset, err := publish(strings.Split(*brokers, ","), *topic, ev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kafka error:", err)
		os.Exit(1)
	}
	fmt.Printf("published %s %s to %s[%d]@%d\n", ev.Op, ev.Layer, *topic, partition, offset)

	if *redisAddr != "" {
		time.Sleep(*wait)
		n, err := countKeys(ctx, *redisAddr, pattern)
		if err != nil {
			fmt.Fprintln(os.Stderr, "redis error:", err)
			os.Exit(1)
		}
		fmt.Println("tile keys after:", n)
	}
}
