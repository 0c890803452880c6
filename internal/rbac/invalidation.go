package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel carries cache invalidation messages between instances.
// Messages are "user:<userId>" or "all".
const InvalidationChannel = "rbac:invalidate"

const invalidateAllMessage = "all"

// Broadcaster fans cache invalidations out over redis pub/sub so every
// instance drops its local snapshot for the affected users.
type Broadcaster struct {
	client *redis.Client
	logger *slog.Logger
}

// NewBroadcaster constructs a Broadcaster on the given client.
func NewBroadcaster(client *redis.Client, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{client: client, logger: logger}
}

// PublishUser broadcasts an invalidation for one user.
func (b *Broadcaster) PublishUser(ctx context.Context, userID string) error {
	if err := b.client.Publish(ctx, InvalidationChannel, "user:"+userID).Err(); err != nil {
		return fmt.Errorf("rbac: publish invalidation: %w", err)
	}
	return nil
}

// PublishAll broadcasts a full cache invalidation.
func (b *Broadcaster) PublishAll(ctx context.Context) error {
	if err := b.client.Publish(ctx, InvalidationChannel, invalidateAllMessage).Err(); err != nil {
		return fmt.Errorf("rbac: publish invalidation: %w", err)
	}
	return nil
}

// Listen applies invalidation messages to the local cache until ctx is
// cancelled. The publishing instance receives its own messages; applying
// them again is harmless since the local entry is already gone.
func (b *Broadcaster) Listen(ctx context.Context, svc *Service) {
	pubsub := b.client.Subscribe(ctx, InvalidationChannel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("close invalidation subscription", slog.Any("error", err))
		}
	}()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.apply(svc, msg.Payload)
		}
	}
}

func (b *Broadcaster) apply(svc *Service, payload string) {
	switch {
	case payload == invalidateAllMessage:
		svc.applyRemoteInvalidation("", true)
	case strings.HasPrefix(payload, "user:"):
		svc.applyRemoteInvalidation(strings.TrimPrefix(payload, "user:"), false)
	default:
		b.logger.Warn("ignoring unknown invalidation message", slog.String("payload", payload))
	}
}
