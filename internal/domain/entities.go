package domain

import (
	"time"
)

// SessionKey identifies one auction or giveaway round. The same product can
// be auctioned repeatedly within a stream, so live events are additionally
// scoped by the server-issued unique session id.
type SessionKey struct {
	StreamID  string
	ProductID string
}

func (k SessionKey) String() string {
	return k.StreamID + ":" + k.ProductID
}

type AuctionState int

const (
	AuctionIdle AuctionState = iota
	AuctionRunning
	AuctionEnded
)

func (s AuctionState) String() string {
	switch s {
	case AuctionIdle:
		return "idle"
	case AuctionRunning:
		return "running"
	case AuctionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

type BidDirection string

const (
	BidIncremental BidDirection = "incremental"
	// BidDecremental exists as a variant tag only. Reverse auctions are not
	// wired up on the platform side and bids against them are rejected.
	BidDecremental BidDirection = "decremental"
)

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (u UserRef) IsZero() bool {
	return u.ID == ""
}

type BidRecord struct {
	Amount    float64   `json:"amount"`
	Bidder    UserRef   `json:"bidder"`
	Timestamp time.Time `json:"timestamp"`
}

// AuctionSession is the per-(stream, product) view of one auction round.
// The server event stream is the only source of truth: the session is
// mutated exclusively by broadcast handlers, never optimistically.
type AuctionSession struct {
	Key             SessionKey
	UniqueSessionID string
	AuctionNumber   int
	State           AuctionState
	Direction       BidDirection
	StartingBid     float64
	CurrentHighest  float64
	HighestBidder   *UserRef
	Winner          *UserRef
	EndsAt          time.Time
	RemainingMs     int64
	// RoundClosing is set when the countdown hits zero. The authoritative
	// transition to AuctionEnded still waits for the auctionEnded broadcast.
	RoundClosing  bool
	IncrementHint float64
	NextBids      []float64
	BidHistory    []BidRecord
	UpdatedAt     time.Time
}

// AuctionSnapshot is the read-only projection handed to callers and the
// state mirror. Mutating it has no effect on the session.
type AuctionSnapshot struct {
	StreamID        string       `json:"stream_id"`
	ProductID       string       `json:"product_id"`
	UniqueSessionID string       `json:"unique_session_id"`
	AuctionNumber   int          `json:"auction_number"`
	State           string       `json:"state"`
	Direction       BidDirection `json:"direction"`
	StartingBid     float64      `json:"starting_bid"`
	CurrentHighest  float64      `json:"current_highest"`
	HighestBidder   *UserRef     `json:"highest_bidder,omitempty"`
	Winner          *UserRef     `json:"winner,omitempty"`
	EndsAt          time.Time    `json:"ends_at"`
	RemainingMs     int64        `json:"remaining_ms"`
	RoundClosing    bool         `json:"round_closing"`
	NextBids        []float64    `json:"next_bids,omitempty"`
	BidCount        int          `json:"bid_count"`
}

// GiveawaySession is the per-(stream, product) applicant pool. Applicants
// are broadcast-driven and unique by user id; the winner is drawn exactly
// once, server side.
type GiveawaySession struct {
	Key        SessionKey
	Applicants []UserRef
	Winner     *UserRef
	IsEnded    bool
	UpdatedAt  time.Time
}

func (g *GiveawaySession) HasApplicant(userID string) bool {
	for _, a := range g.Applicants {
		if a.ID == userID {
			return true
		}
	}
	return false
}

type GiveawaySnapshot struct {
	StreamID       string    `json:"stream_id"`
	ProductID      string    `json:"product_id"`
	Applicants     []UserRef `json:"applicants"`
	ApplicantCount int       `json:"applicant_count"`
	Winner         *UserRef  `json:"winner,omitempty"`
	IsEnded        bool      `json:"is_ended"`
}

// BidIncrementRules is the amount-banded suggestion ladder shared through
// the rules cache.
type BidIncrementRules struct {
	Bands map[string]float64 `json:"bands"`
}

type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// ParticipantInfo attributes a producer to the participant that published
// it. Attribution is best effort: tracked map first, then session metadata,
// then a key synthesized from the producer id with UnknownParticipant
// details.
type ParticipantInfo struct {
	SocketID string `json:"socketId"`
	SellerID string `json:"sellerId"`
	Username string `json:"username"`
}

// UnknownParticipant is the sentinel used when no attribution source can
// resolve a producer's owner.
var UnknownParticipant = ParticipantInfo{Username: "unknown"}

// MediaParticipantStream bundles the playable tracks originating from one
// socket. At most one entry exists per socket id; it is removed when its
// last producer closes.
type MediaParticipantStream struct {
	SocketID        string
	SellerID        string
	Username        string
	IsHost          bool
	VideoProducerID string
	AudioProducerID string
	VideoTrack      MediaTrack
	AudioTrack      MediaTrack
	// Composed is rebuilt whenever either track changes.
	Composed []MediaTrack
}

func (s *MediaParticipantStream) Rebuild() {
	s.Composed = s.Composed[:0]
	if s.VideoTrack != nil {
		s.Composed = append(s.Composed, s.VideoTrack)
	}
	if s.AudioTrack != nil {
		s.Composed = append(s.Composed, s.AudioTrack)
	}
}

func (s *MediaParticipantStream) Empty() bool {
	return s.VideoProducerID == "" && s.AudioProducerID == ""
}

// QualityLevel selects simulcast layers for video consumers.
type QualityLevel int

const (
	QualityAuto QualityLevel = iota
	QualityLow
	QualityMedium
	QualityHigh
)

// PreferredLayers is the spatial/temporal layer pair requested for a video
// consumer.
type PreferredLayers struct {
	Spatial  int `json:"spatialLayer"`
	Temporal int `json:"temporalLayer"`
}

// LayersFor maps a quality level to simulcast layers. Auto returns nil,
// leaving layer selection to the server.
func LayersFor(q QualityLevel) *PreferredLayers {
	switch q {
	case QualityLow:
		return &PreferredLayers{Spatial: 0, Temporal: 0}
	case QualityMedium:
		return &PreferredLayers{Spatial: 1, Temporal: 1}
	case QualityHigh:
		return &PreferredLayers{Spatial: 2, Temporal: 2}
	default:
		return nil
	}
}
