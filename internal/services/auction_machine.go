package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"
)

const minAuctionTimerSeconds = 10

// AuctionMachine tracks one AuctionSession per (stream, product) pair and
// keeps every client's view of "highest bid, time remaining, winner"
// consistent with the server-authoritative broadcast stream. Commands are
// validated locally before emission; state is never updated optimistically,
// it converges only through the echoed broadcasts so concurrent bidders
// cannot diverge.
type AuctionMachine struct {
	signaler domain.AuctionSignaler
	rules    *IncrementRules
	sink     domain.LiveEventSink
	log      logger.Logger

	mu       sync.RWMutex
	sessions map[domain.SessionKey]*domain.AuctionSession
}

func NewAuctionMachine(signaler domain.AuctionSignaler, rules *IncrementRules,
	sink domain.LiveEventSink, log logger.Logger) *AuctionMachine {
	return &AuctionMachine{
		signaler: signaler,
		rules:    rules,
		sink:     sink,
		log:      log,
		sessions: make(map[domain.SessionKey]*domain.AuctionSession),
	}
}

// Bind registers the broadcast handlers. Called exactly once per event
// stream, at session start.
func (m *AuctionMachine) Bind(events domain.EventStream) {
	events.On(domain.EventAuctionStarted, m.handleAuctionStarted)
	events.On(domain.EventTimerUpdate, m.handleTimerUpdate)
	events.On(domain.EventBidUpdated, m.handleBidUpdated)
	events.On(domain.EventAuctionEnded, m.handleAuctionEnded)
	events.On(domain.EventClearScreen, m.handleClearScreen)
}

// Start validates the host's auction parameters and emits startAuction.
// The session itself is created when the auctionStarted broadcast comes
// back with the server-issued unique session id.
func (m *AuctionMachine) Start(ctx context.Context, cmd domain.StartAuctionCommand) error {
	if cmd.StartingBid <= 0 {
		return domain.ErrInvalidStartingBid
	}
	if cmd.TimerSeconds < minAuctionTimerSeconds {
		return domain.ErrTimerTooShort
	}

	switch cmd.Direction {
	case domain.BidDecremental:
		if cmd.ReservedPrice != nil && *cmd.ReservedPrice >= cmd.StartingBid {
			return domain.ErrReserveAboveStart
		}
	case domain.BidIncremental, "":
		cmd.Direction = domain.BidIncremental
		if cmd.ReservedPrice != nil && *cmd.ReservedPrice <= cmd.StartingBid {
			return domain.ErrReserveBelowStart
		}
	default:
		return fmt.Errorf("unknown bid direction %q", cmd.Direction)
	}

	key := domain.SessionKey{StreamID: cmd.StreamID, ProductID: cmd.ProductID}
	m.mu.RLock()
	sess, exists := m.sessions[key]
	running := exists && sess.State == domain.AuctionRunning
	m.mu.RUnlock()
	if running {
		return domain.ErrAuctionAlreadyRunning
	}

	m.log.Info("Starting auction", "stream_id", cmd.StreamID, "product_id", cmd.ProductID,
		"starting_bid", cmd.StartingBid, "timer_seconds", cmd.TimerSeconds)
	return m.signaler.StartAuction(ctx, cmd)
}

// PlaceBid guards the bid locally and emits placeBid. A rejected or lost
// bid is never echoed back as bidUpdated; no local retry is attempted.
func (m *AuctionMachine) PlaceBid(ctx context.Context, streamID, productID string,
	user domain.UserRef, amount float64) error {
	key := domain.SessionKey{StreamID: streamID, ProductID: productID}

	m.mu.RLock()
	sess, ok := m.sessions[key]
	var (
		state     domain.AuctionState
		direction domain.BidDirection
		closing   bool
		highest   float64
		uniqueID  string
	)
	if ok {
		state = sess.State
		direction = sess.Direction
		closing = sess.RoundClosing
		highest = sess.CurrentHighest
		uniqueID = sess.UniqueSessionID
	}
	m.mu.RUnlock()

	if !ok {
		return domain.ErrAuctionNotFound
	}
	if direction == domain.BidDecremental {
		return domain.ErrDecrementalUnsupported
	}
	if state != domain.AuctionRunning || closing {
		return domain.ErrAuctionNotActive
	}
	if amount <= highest {
		return fmt.Errorf("%w: bid %.2f, current %.2f", domain.ErrBidTooLow, amount, highest)
	}

	return m.signaler.PlaceBid(ctx, domain.PlaceBidCommand{
		StreamID:        streamID,
		User:            user,
		Amount:          amount,
		UniqueSessionID: uniqueID,
	})
}

// Clear asks the server to reset the round. The local session resets when
// the clrScr broadcast comes back.
func (m *AuctionMachine) Clear(ctx context.Context, streamID, productID string) error {
	return m.signaler.ClearAuction(ctx, streamID, productID)
}

// Snapshot returns a read-only projection of one session.
func (m *AuctionMachine) Snapshot(streamID, productID string) (domain.AuctionSnapshot, bool) {
	key := domain.SessionKey{StreamID: streamID, ProductID: productID}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[key]
	if !ok {
		return domain.AuctionSnapshot{}, false
	}
	return snapshotOf(sess), true
}

// EvictEnded drops sessions that have not moved for ttl and are no longer
// running. Returns the number of evicted sessions.
func (m *AuctionMachine) EvictEnded(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, sess := range m.sessions {
		if sess.State != domain.AuctionRunning && sess.UpdatedAt.Before(cutoff) {
			delete(m.sessions, key)
			evicted++
		}
	}
	return evicted
}

func (m *AuctionMachine) handleAuctionStarted(room string, payload json.RawMessage) {
	var ev domain.AuctionStartedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error("Bad auctionStarted payload", "error", err)
		return
	}

	streamID := ev.StreamID
	if streamID == "" {
		streamID = room
	}
	key := domain.SessionKey{StreamID: streamID, ProductID: ev.Product}

	direction := domain.BidDirection(ev.Direction)
	if direction == "" {
		direction = domain.BidIncremental
	}

	endsAt := time.UnixMilli(ev.EndsAt)
	sess := &domain.AuctionSession{
		Key:             key,
		UniqueSessionID: ev.UniqueStreamID,
		AuctionNumber:   ev.AuctionNumber,
		State:           domain.AuctionRunning,
		Direction:       direction,
		StartingBid:     ev.StartingBid,
		CurrentHighest:  ev.StartingBid,
		EndsAt:          endsAt,
		RemainingMs:     maxInt64(time.Until(endsAt).Milliseconds(), 0),
		IncrementHint:   m.rules.Hint(ev.StartingBid, ev.Increment),
		NextBids:        m.rules.NextBids(ev.StartingBid, ev.Increment),
		UpdatedAt:       time.Now(),
	}

	m.mu.Lock()
	m.sessions[key] = sess
	snap := snapshotOf(sess)
	m.mu.Unlock()

	m.log.Info("Auction started", "stream_id", streamID, "product_id", ev.Product,
		"session_id", ev.UniqueStreamID, "starting_bid", ev.StartingBid)
	m.publish(domain.LiveAuctionStarted, snap)
}

func (m *AuctionMachine) handleTimerUpdate(room string, payload json.RawMessage) {
	var ev domain.TimerUpdateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error("Bad timerUpdate payload", "error", err)
		return
	}

	sess := m.locate(room, ev.StreamID, ev.Product, "")
	if sess == nil {
		return
	}

	m.mu.Lock()
	sess.RemainingMs = ev.RemainingTime
	// The countdown hitting zero only marks the round as closing; the
	// authoritative Ended transition waits for auctionEnded.
	sess.RoundClosing = ev.RemainingTime <= 0
	sess.UpdatedAt = time.Now()
	snap := snapshotOf(sess)
	m.mu.Unlock()

	m.publish(domain.LiveAuctionTimer, snap)
}

func (m *AuctionMachine) handleBidUpdated(room string, payload json.RawMessage) {
	var ev domain.BidUpdatedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error("Bad bidUpdated payload", "error", err)
		return
	}

	sess := m.locate(room, "", ev.Product, ev.StreamID)
	if sess == nil {
		return
	}

	m.mu.Lock()
	if ev.StreamID != "" && sess.UniqueSessionID != "" && ev.StreamID != sess.UniqueSessionID {
		// Echo from a previous round of the same product.
		m.mu.Unlock()
		m.log.Debug("Ignoring stale bid update", "product_id", ev.Product,
			"event_session", ev.StreamID, "current_session", sess.UniqueSessionID)
		return
	}

	bidder := ev.HighestBidder
	sess.CurrentHighest = ev.HighestBid
	sess.HighestBidder = &bidder
	sess.BidHistory = append(sess.BidHistory, domain.BidRecord{
		Amount:    ev.HighestBid,
		Bidder:    bidder,
		Timestamp: time.Now(),
	})
	if len(ev.NextBids) > 0 {
		sess.NextBids = ev.NextBids
	} else {
		hint := sess.IncrementHint
		sess.NextBids = m.rules.NextBids(ev.HighestBid, &hint)
	}
	sess.UpdatedAt = time.Now()
	snap := snapshotOf(sess)
	m.mu.Unlock()

	m.publish(domain.LiveAuctionBidUpdated, snap)
}

func (m *AuctionMachine) handleAuctionEnded(room string, payload json.RawMessage) {
	var ev domain.AuctionEndedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error("Bad auctionEnded payload", "error", err)
		return
	}

	sess := m.locate(room, ev.StreamID, ev.Product, "")
	if sess == nil {
		return
	}

	m.mu.Lock()
	sess.State = domain.AuctionEnded
	sess.RoundClosing = true
	sess.RemainingMs = 0
	if ev.HighestBid > 0 {
		sess.CurrentHighest = ev.HighestBid
	}
	if !ev.HighestBidder.IsZero() {
		winner := ev.HighestBidder
		sess.Winner = &winner
		sess.HighestBidder = &winner
	}
	sess.UpdatedAt = time.Now()
	snap := snapshotOf(sess)
	m.mu.Unlock()

	m.log.Info("Auction ended", "stream_id", sess.Key.StreamID, "product_id", sess.Key.ProductID,
		"winner", ev.HighestBidder.ID, "final_bid", ev.HighestBid)
	m.publish(domain.LiveAuctionEnded, snap)
}

// handleClearScreen resets every session of the room back to Idle. The
// broadcast carries no payload; the room it was received for is the only
// scoping available.
func (m *AuctionMachine) handleClearScreen(room string, _ json.RawMessage) {
	m.mu.Lock()
	var cleared []domain.AuctionSnapshot
	for key, sess := range m.sessions {
		if room != "" && key.StreamID != room {
			continue
		}
		sess.State = domain.AuctionIdle
		sess.UniqueSessionID = ""
		sess.StartingBid = 0
		sess.CurrentHighest = 0
		sess.HighestBidder = nil
		sess.Winner = nil
		sess.EndsAt = time.Time{}
		sess.RemainingMs = 0
		sess.RoundClosing = false
		sess.NextBids = nil
		sess.BidHistory = nil
		sess.UpdatedAt = time.Now()
		cleared = append(cleared, snapshotOf(sess))
	}
	m.mu.Unlock()

	for _, snap := range cleared {
		m.publish(domain.LiveAuctionCleared, snap)
	}
}

// locate finds the session a broadcast belongs to. Events carry the stream
// room and the product id; bid echoes only carry the unique session id, so
// a scan by that id is the last resort.
func (m *AuctionMachine) locate(room, streamID, productID, uniqueID string) *domain.AuctionSession {
	if streamID == "" {
		streamID = room
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if streamID != "" {
		if sess, ok := m.sessions[domain.SessionKey{StreamID: streamID, ProductID: productID}]; ok {
			return sess
		}
	}
	for _, sess := range m.sessions {
		if sess.Key.ProductID != productID {
			continue
		}
		if uniqueID != "" && sess.UniqueSessionID == uniqueID {
			return sess
		}
		if uniqueID == "" && streamID == "" {
			return sess
		}
	}
	return nil
}

func (m *AuctionMachine) publish(t domain.LiveEventType, snap domain.AuctionSnapshot) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(domain.NewLiveEvent(t, snap.StreamID, snap.ProductID, snap))
}

func snapshotOf(sess *domain.AuctionSession) domain.AuctionSnapshot {
	snap := domain.AuctionSnapshot{
		StreamID:        sess.Key.StreamID,
		ProductID:       sess.Key.ProductID,
		UniqueSessionID: sess.UniqueSessionID,
		AuctionNumber:   sess.AuctionNumber,
		State:           sess.State.String(),
		Direction:       sess.Direction,
		StartingBid:     sess.StartingBid,
		CurrentHighest:  sess.CurrentHighest,
		EndsAt:          sess.EndsAt,
		RemainingMs:     sess.RemainingMs,
		RoundClosing:    sess.RoundClosing,
		BidCount:        len(sess.BidHistory),
	}
	if sess.HighestBidder != nil {
		bidder := *sess.HighestBidder
		snap.HighestBidder = &bidder
	}
	if sess.Winner != nil {
		winner := *sess.Winner
		snap.Winner = &winner
	}
	if len(sess.NextBids) > 0 {
		snap.NextBids = append([]float64(nil), sess.NextBids...)
	}
	return snap
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
