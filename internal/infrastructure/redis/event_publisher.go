package redis

import (
	"context"
	"encoding/json"

	"flykup-live/internal/domain"

	"github.com/go-redis/redis/v8"
)

const liveEventsChannel = "live_events"

type EventPublisherImpl struct {
	client *redis.Client
}

func NewEventPublisher(client *redis.Client) *EventPublisherImpl {
	return &EventPublisherImpl{client: client}
}

func (r *EventPublisherImpl) PublishLiveEvent(ctx context.Context, event domain.LiveEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, liveEventsChannel, data).Err()
}
