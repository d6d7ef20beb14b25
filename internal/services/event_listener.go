package services

import (
	"context"
	"encoding/json"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"
)

// EventListener fans coordination events out: gateway clients in the
// stream's room get them immediately, the Redis mirror keeps the latest
// auction snapshot (leader instance only) and the pub/sub channel carries
// them to the other service instances.
type EventListener struct {
	broadcaster domain.StreamBroadcaster
	stateCache  domain.LiveStateCache
	eventPub    domain.EventPublisher
	leader      domain.LeaderElection
	instanceID  string
	log         logger.Logger
}

func NewEventListener(broadcaster domain.StreamBroadcaster, stateCache domain.LiveStateCache,
	eventPub domain.EventPublisher, leader domain.LeaderElection,
	instanceID string, log logger.Logger) *EventListener {
	return &EventListener{
		broadcaster: broadcaster,
		stateCache:  stateCache,
		eventPub:    eventPub,
		leader:      leader,
		instanceID:  instanceID,
		log:         log,
	}
}

// Publish implements domain.LiveEventSink for the state machines.
func (el *EventListener) Publish(event domain.LiveEvent) {
	event.Origin = el.instanceID

	el.broadcastLocal(event)
	el.mirror(event)

	if el.eventPub != nil {
		if err := el.eventPub.PublishLiveEvent(context.Background(), event); err != nil {
			el.log.Error("Failed to publish live event", "type", event.Type,
				"stream_id", event.StreamID, "error", err)
		}
	}
}

// Start consumes the cross-instance channel and re-broadcasts events
// produced elsewhere to this instance's gateway clients.
func (el *EventListener) Start(ctx context.Context, subscriber domain.EventSubscriber) error {
	el.log.Info("Starting live event listener", "instance_id", el.instanceID)
	return subscriber.SubscribeToLiveEvents(ctx, el.handleRemoteEvent)
}

func (el *EventListener) handleRemoteEvent(event domain.LiveEvent) error {
	if event.Origin == el.instanceID {
		return nil
	}
	el.broadcastLocal(event)
	return nil
}

func (el *EventListener) broadcastLocal(event domain.LiveEvent) {
	if el.broadcaster == nil || event.StreamID == "" {
		return
	}
	if err := el.broadcaster.BroadcastToStream(event.StreamID, event); err != nil {
		el.log.Error("Failed to broadcast live event", "type", event.Type,
			"stream_id", event.StreamID, "error", err)
	}
}

func (el *EventListener) mirror(event domain.LiveEvent) {
	if el.stateCache == nil {
		return
	}

	switch event.Type {
	case domain.LiveAuctionStarted, domain.LiveAuctionBidUpdated,
		domain.LiveAuctionEnded, domain.LiveAuctionCleared:
	default:
		return
	}

	ctx := context.Background()
	if el.leader != nil {
		isLeader, err := el.leader.IsLeader(ctx, el.instanceID)
		if err != nil || !isLeader {
			return
		}
	}

	if event.Type == domain.LiveAuctionCleared {
		if err := el.stateCache.DeleteAuctionSnapshot(ctx, event.StreamID, event.ProductID); err != nil {
			el.log.Error("Failed to delete auction snapshot", "stream_id", event.StreamID,
				"product_id", event.ProductID, "error", err)
		}
		return
	}

	var snap domain.AuctionSnapshot
	if err := json.Unmarshal(event.Payload, &snap); err != nil {
		el.log.Error("Bad auction snapshot payload", "error", err)
		return
	}
	if err := el.stateCache.SaveAuctionSnapshot(ctx, snap); err != nil {
		el.log.Error("Failed to mirror auction snapshot", "stream_id", event.StreamID,
			"product_id", event.ProductID, "error", err)
	}
}
