package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

type groupHandler struct {
	process messageProcessor
	logger  *slog.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks a message only after it was processed. Invalid events are
// marked and skipped; any other failure ends the claim so the message is
// redelivered.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				if !errors.Is(err, ErrInvalidEvent) {
					return fmt.Errorf("process failed (topic=%s, part=%d, off=%d): %w",
						msg.Topic, msg.Partition, msg.Offset, err)
				}
				if h.logger != nil {
					h.logger.Warn("skipping invalid invalidation event",
						"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
				}
			}
			sess.MarkMessage(msg, "")
		}
	}
}
