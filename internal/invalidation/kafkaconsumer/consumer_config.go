package kafkaconsumer

import (
	"strings"
	"time"
)

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
	// MaxKeysPerMatrix bounds the keys listed for one matrix of one event;
	// larger areas purge the whole matrix instead.
	MaxKeysPerMatrix int
	LogLevel         string
}

func NewConfig(brokers, topic, group string) Config {
	if strings.TrimSpace(brokers) == "" {
		brokers = "localhost:9092"
	}
	if topic == "" {
		topic = "tile-invalidation"
	}
	if group == "" {
		group = "tile-invalidator"
	}
	return Config{
		Brokers:             splitCSV(brokers),
		Topic:               topic,
		GroupID:             group,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: true,
		MaxKeysPerMatrix:    4096,
		LogLevel:            "info",
	}
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
