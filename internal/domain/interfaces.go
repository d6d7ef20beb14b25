package domain

import (
	"context"
	"encoding/json"
)

// Signaling interfaces. One upstream connection multiplexes any number of
// stream rooms; commands carry their own scoping ids.

type AuctionSignaler interface {
	StartAuction(ctx context.Context, cmd StartAuctionCommand) error
	PlaceBid(ctx context.Context, cmd PlaceBidCommand) error
	ClearAuction(ctx context.Context, streamID, productID string) error
}

type GiveawaySignaler interface {
	ApplyGiveaway(ctx context.Context, streamID, productID string, user UserRef) error
	RollGiveaway(ctx context.Context, streamID, productID string) error
}

type MediaSignaler interface {
	JoinRoom(ctx context.Context, roomID string) error
	RouterRtpCapabilities(ctx context.Context, roomID string) (json.RawMessage, error)
	CreateConsumerTransport(ctx context.Context, roomID string) (*TransportParams, error)
	ConnectConsumerTransport(ctx context.Context, roomID, transportID string, dtlsParameters json.RawMessage) error
	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeReply, error)
	ResumeConsumer(ctx context.Context, roomID, consumerID string) error
	Producers(ctx context.Context, roomID string) ([]ProducerInfo, error)
	SetPreferredLayers(ctx context.Context, roomID, consumerID string, layers PreferredLayers) error
}

// EventStream delivers server broadcasts. Handlers are registered exactly
// once at session start; the room the event was received for is passed
// alongside the raw payload because a few broadcasts (clrScr) carry no
// scoping fields of their own.
type EventStream interface {
	On(event string, handler func(room string, payload json.RawMessage))
}

// Media negotiation interfaces. The engine coordinates signaling and
// attribution; the actual RTP stack lives behind these handles.

type MediaDevice interface {
	Load(routerCapabilities json.RawMessage) error
	Loaded() bool
	RtpCapabilities() json.RawMessage
	CreateRecvTransport(params TransportParams, connect TransportConnectFunc) (RecvTransport, error)
}

// TransportConnectFunc is invoked by the transport when it needs its DTLS
// parameters pushed to the server.
type TransportConnectFunc func(dtlsParameters json.RawMessage) error

type RecvTransport interface {
	ID() string
	Consume(opts ConsumerOptions) (MediaConsumer, error)
	OnConnectionStateChange(fn func(state string))
	Close() error
}

type ConsumerOptions struct {
	ConsumerID    string
	ProducerID    string
	Kind          MediaKind
	RtpParameters json.RawMessage
}

type MediaConsumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Track() MediaTrack
	Close() error
}

// MediaTrack is an opaque playable track handle.
type MediaTrack interface {
	ID() string
	Kind() MediaKind
}

// LiveEventSink receives coordination events produced by the state
// machines for fan-out.
type LiveEventSink interface {
	Publish(event LiveEvent)
}

// Cache interfaces

type LiveStateCache interface {
	SaveAuctionSnapshot(ctx context.Context, snap AuctionSnapshot) error
	GetAuctionSnapshot(ctx context.Context, streamID, productID string) (*AuctionSnapshot, error)
	DeleteAuctionSnapshot(ctx context.Context, streamID, productID string) error
}

// Event fan-out interfaces

type EventPublisher interface {
	PublishLiveEvent(ctx context.Context, event LiveEvent) error
}

type EventHandler func(event LiveEvent) error

type EventSubscriber interface {
	SubscribeToLiveEvents(ctx context.Context, handler EventHandler) error
}

// Leader election interface. Only the leader instance writes state
// snapshots to the shared mirror.
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}

// Gateway interfaces

type GatewayConnection interface {
	Send(message interface{}) error
	Close() error
	ConnID() string
	StreamID() string
}

type StreamBroadcaster interface {
	RegisterConnection(streamID string, conn GatewayConnection) error
	UnregisterConnection(streamID, connID string) error
	BroadcastToStream(streamID string, message interface{}) error
	CloseStream(streamID string) error
}
