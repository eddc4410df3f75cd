package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chainchat/ledger"
)

const (
	topicPrefix        = "refs:"
	subscriptionBuffer = 64
)

// Redis implements Notifier over Redis pub/sub. One topic per recipient
// account; payloads are JSON-encoded raw references.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis builds a notifier on an existing Redis client. The client's
// lifecycle stays with the caller.
func NewRedis(rdb *redis.Client, logger *slog.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, logger: logger}, nil
}

// Topic returns the pub/sub channel name for a recipient.
func Topic(recipient string) string {
	return topicPrefix + recipient
}

// Publish announces a confirmed reference on the recipient's topic.
func (n *Redis) Publish(ctx context.Context, ref ledger.RawReference) error {
	if ref.Recipient == "" {
		return errors.New("reference recipient is required")
	}

	payload, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("encode reference event: %w", err)
	}

	if err := n.rdb.Publish(ctx, Topic(ref.Recipient), payload).Err(); err != nil {
		return fmt.Errorf("publish reference event: %w", err)
	}

	return nil
}

// Subscribe opens a subscription on the recipient's topic. Events that fail
// to decode are logged and dropped; the subscription survives them.
func (n *Redis) Subscribe(ctx context.Context, recipient string) (*Subscription, error) {
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}

	pubsub := n.rdb.Subscribe(ctx, Topic(recipient))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %q: %w", Topic(recipient), err)
	}

	sub := newSubscription(subscriptionBuffer, func() {
		_ = pubsub.Close()
	})

	go func() {
		defer close(sub.refs)
		for msg := range pubsub.Channel() {
			var ref ledger.RawReference
			if err := json.Unmarshal([]byte(msg.Payload), &ref); err != nil {
				n.logger.Warn("dropping undecodable reference event",
					"topic", msg.Channel, "error", err)
				continue
			}

			select {
			case sub.refs <- ref:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}
