package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Signaling event names, server to client. Broadcast to every client in the
// stream room.
const (
	EventAuctionStarted     = "auctionStarted"
	EventTimerUpdate        = "timerUpdate"
	EventBidUpdated         = "bidUpdated"
	EventAuctionEnded       = "auctionEnded"
	EventClearScreen        = "clrScr"
	EventNewProducer        = "newProducer"
	EventProducerClosed     = "producerClosed"
	EventGiveawayApplicants = "giveawayApplicantsUpdated"
	EventGiveawayWinner     = "giveawayWinner"
	EventViewerCount        = "viewerCountUpdate"
	EventStreamEnded        = "streamEnded"
)

// Signaling command names, client to server. Every command round-trips
// through an acknowledgement carrying either the requested payload or an
// error string.
const (
	CmdJoinRoom                 = "joinRoom"
	CmdRouterRtpCapabilities    = "getRouterRtpCapabilities"
	CmdCreateConsumerTransport  = "createConsumerTransport"
	CmdConnectConsumerTransport = "connectConsumerTransport"
	CmdConsume                  = "consume"
	CmdResumeConsumer           = "resumeConsumer"
	CmdGetProducers             = "getProducers"
	CmdSetPreferredLayers       = "setPreferredLayers"
	CmdStartAuction             = "startAuction"
	CmdPlaceBid                 = "placeBid"
	CmdClearAuction             = "clearAuction"
	CmdApplyGiveaway            = "applyGiveaway"
	CmdRollGiveaway             = "rollGiveaway"
)

type AuctionStartedEvent struct {
	StreamID       string   `json:"streamId"`
	Product        string   `json:"product"`
	StartingBid    float64  `json:"startingBid"`
	EndsAt         int64    `json:"endsAt"` // unix millis
	UniqueStreamID string   `json:"uniqueStreamId"`
	Increment      *float64 `json:"increment,omitempty"`
	AuctionNumber  int      `json:"auctionNumber"`
	Direction      string   `json:"bidDirection,omitempty"`
}

type TimerUpdateEvent struct {
	StreamID      string `json:"streamId"`
	Product       string `json:"product"`
	RemainingTime int64  `json:"remainingTime"` // millis
}

type BidUpdatedEvent struct {
	Product       string    `json:"product"`
	StreamID      string    `json:"streamId"` // unique session id of the round
	HighestBid    float64   `json:"highestBid"`
	HighestBidder UserRef   `json:"highestBidder"`
	NextBids      []float64 `json:"nextBids,omitempty"`
}

type AuctionEndedEvent struct {
	StreamID      string  `json:"streamId"`
	Product       string  `json:"product"`
	HighestBidder UserRef `json:"highestBidder"`
	HighestBid    float64 `json:"highestBid"`
}

type ProducerInfo struct {
	ProducerID string    `json:"producerId"`
	Kind       MediaKind `json:"kind"`
	SocketID   string    `json:"socketId"`
}

type ProducerClosedEvent struct {
	ProducerID string `json:"producerId"`
	SocketID   string `json:"socketId"`
}

type GiveawayApplicantsEvent struct {
	GiveawayKey string    `json:"giveawayKey"`
	Applicants  []UserRef `json:"applicants"`
}

type GiveawayWinnerEvent struct {
	GiveawayKey string  `json:"giveawayKey"`
	Winner      UserRef `json:"winner"`
}

type ViewerCountEvent struct {
	StreamID string `json:"streamId"`
	Count    int    `json:"count"`
}

type StreamEndedEvent struct {
	StreamID string `json:"streamId"`
	Reason   string `json:"reason"`
}

// GiveawayKey encodes the composite session key the giveaway broadcasts are
// scoped by.
func GiveawayKey(streamID, productID string) string {
	return streamID + ":" + productID
}

func ParseGiveawayKey(key string) (SessionKey, bool) {
	stream, product, ok := strings.Cut(key, ":")
	if !ok || stream == "" || product == "" {
		return SessionKey{}, false
	}
	return SessionKey{StreamID: stream, ProductID: product}, true
}

type StartAuctionCommand struct {
	StreamID      string       `json:"streamId"`
	ProductID     string       `json:"product"`
	TimerSeconds  int          `json:"timer"`
	Direction     BidDirection `json:"bidDirection"`
	AuctionType   string       `json:"auctionType"`
	Increment     *float64     `json:"increment,omitempty"`
	StartingBid   float64      `json:"startingBid"`
	ReservedPrice *float64     `json:"reservedPrice,omitempty"`
}

type PlaceBidCommand struct {
	StreamID        string  `json:"streamId"`
	User            UserRef `json:"user"`
	Amount          float64 `json:"amount"`
	UniqueSessionID string  `json:"uniqueStreamId"`
}

type ConsumeRequest struct {
	RoomID          string           `json:"roomId"`
	TransportID     string           `json:"transportId"`
	ProducerID      string           `json:"producerId"`
	RtpCapabilities json.RawMessage  `json:"rtpCapabilities"`
	PreferredLayers *PreferredLayers `json:"preferredLayers,omitempty"`
}

type ConsumeReply struct {
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	Kind          MediaKind       `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

// TransportParams carries the server-side parameters needed to construct
// the shared receive transport. ICE/DTLS blobs stay opaque to the engine.
type TransportParams struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// LiveEventType classifies coordination events fanned out to gateway
// clients and across service instances.
type LiveEventType string

const (
	LiveAuctionStarted     LiveEventType = "auction_started"
	LiveAuctionBidUpdated  LiveEventType = "bid_updated"
	LiveAuctionTimer       LiveEventType = "timer_update"
	LiveAuctionEnded       LiveEventType = "auction_ended"
	LiveAuctionCleared     LiveEventType = "auction_cleared"
	LiveGiveawayApplicants LiveEventType = "giveaway_applicants"
	LiveGiveawayWinner     LiveEventType = "giveaway_winner"
	LiveViewerCount        LiveEventType = "viewer_count"
	LiveStreamEnded        LiveEventType = "stream_ended"
	LiveNewProducer        LiveEventType = "new_producer"
	LiveProducerClosed     LiveEventType = "producer_closed"
)

// LiveEvent is the envelope re-broadcast to gateway clients and published
// on the cross-instance fan-out channel. Origin carries the instance id so
// subscribers can skip events they produced themselves.
type LiveEvent struct {
	Type      LiveEventType   `json:"type"`
	StreamID  string          `json:"stream_id"`
	ProductID string          `json:"product_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewLiveEvent(t LiveEventType, streamID, productID string, payload any) LiveEvent {
	ev := LiveEvent{
		Type:      t,
		StreamID:  streamID,
		ProductID: productID,
		Timestamp: time.Now(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}
