package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"
)

// GiveawayMachine is the two-phase sibling of the auction machine:
// Open until the host rolls, Drawn afterwards. The applicant pool and the
// winner are both broadcast-driven; drawing happens server side so no
// client can influence fairness.
type GiveawayMachine struct {
	signaler domain.GiveawaySignaler
	sink     domain.LiveEventSink
	log      logger.Logger

	mu       sync.RWMutex
	sessions map[domain.SessionKey]*domain.GiveawaySession
}

func NewGiveawayMachine(signaler domain.GiveawaySignaler, sink domain.LiveEventSink,
	log logger.Logger) *GiveawayMachine {
	return &GiveawayMachine{
		signaler: signaler,
		sink:     sink,
		log:      log,
		sessions: make(map[domain.SessionKey]*domain.GiveawaySession),
	}
}

func (m *GiveawayMachine) Bind(events domain.EventStream) {
	events.On(domain.EventGiveawayApplicants, m.handleApplicantsUpdated)
	events.On(domain.EventGiveawayWinner, m.handleWinner)
}

// Apply registers user for the giveaway. Re-applying is a no-op: the
// applicant pool has set semantics, so an already-registered user emits
// nothing.
func (m *GiveawayMachine) Apply(ctx context.Context, streamID, productID string, user domain.UserRef) error {
	key := domain.SessionKey{StreamID: streamID, ProductID: productID}

	m.mu.RLock()
	sess, ok := m.sessions[key]
	ended := ok && sess.IsEnded
	applied := ok && sess.HasApplicant(user.ID)
	m.mu.RUnlock()

	if ended {
		return domain.ErrGiveawayEnded
	}
	if applied {
		return nil
	}

	return m.signaler.ApplyGiveaway(ctx, streamID, productID, user)
}

// Roll asks the server to draw a winner. Host-only; the machine itself
// never draws locally.
func (m *GiveawayMachine) Roll(ctx context.Context, streamID, productID string) error {
	key := domain.SessionKey{StreamID: streamID, ProductID: productID}

	m.mu.RLock()
	sess, ok := m.sessions[key]
	ended := ok && sess.IsEnded
	m.mu.RUnlock()

	if ended {
		return domain.ErrGiveawayEnded
	}

	m.log.Info("Rolling giveaway", "stream_id", streamID, "product_id", productID)
	return m.signaler.RollGiveaway(ctx, streamID, productID)
}

func (m *GiveawayMachine) Snapshot(streamID, productID string) (domain.GiveawaySnapshot, bool) {
	key := domain.SessionKey{StreamID: streamID, ProductID: productID}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[key]
	if !ok {
		return domain.GiveawaySnapshot{}, false
	}
	return giveawaySnapshotOf(sess), true
}

// EvictDrawn drops drawn sessions that have not moved for ttl.
func (m *GiveawayMachine) EvictDrawn(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, sess := range m.sessions {
		if sess.IsEnded && sess.UpdatedAt.Before(cutoff) {
			delete(m.sessions, key)
			evicted++
		}
	}
	return evicted
}

func (m *GiveawayMachine) handleApplicantsUpdated(room string, payload json.RawMessage) {
	var ev domain.GiveawayApplicantsEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error("Bad giveawayApplicantsUpdated payload", "error", err)
		return
	}

	key, ok := domain.ParseGiveawayKey(ev.GiveawayKey)
	if !ok {
		m.log.Error("Bad giveaway key", "key", ev.GiveawayKey, "room", room)
		return
	}

	m.mu.Lock()
	sess, exists := m.sessions[key]
	if !exists {
		sess = &domain.GiveawaySession{Key: key}
		m.sessions[key] = sess
	}
	sess.Applicants = dedupApplicants(ev.Applicants)
	sess.UpdatedAt = time.Now()
	snap := giveawaySnapshotOf(sess)
	m.mu.Unlock()

	m.publish(domain.LiveGiveawayApplicants, snap)
}

func (m *GiveawayMachine) handleWinner(room string, payload json.RawMessage) {
	var ev domain.GiveawayWinnerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error("Bad giveawayWinner payload", "error", err)
		return
	}

	key, ok := domain.ParseGiveawayKey(ev.GiveawayKey)
	if !ok {
		m.log.Error("Bad giveaway key", "key", ev.GiveawayKey, "room", room)
		return
	}

	m.mu.Lock()
	sess, exists := m.sessions[key]
	if !exists {
		sess = &domain.GiveawaySession{Key: key}
		m.sessions[key] = sess
	}
	if sess.Winner != nil {
		// Winner is set exactly once per session.
		m.mu.Unlock()
		m.log.Warn("Duplicate giveaway winner broadcast ignored", "key", ev.GiveawayKey)
		return
	}
	winner := ev.Winner
	sess.Winner = &winner
	sess.IsEnded = true
	sess.UpdatedAt = time.Now()
	snap := giveawaySnapshotOf(sess)
	m.mu.Unlock()

	m.log.Info("Giveaway winner drawn", "stream_id", key.StreamID,
		"product_id", key.ProductID, "winner", ev.Winner.ID)
	m.publish(domain.LiveGiveawayWinner, snap)
}

func (m *GiveawayMachine) publish(t domain.LiveEventType, snap domain.GiveawaySnapshot) {
	if m.sink == nil {
		return
	}
	m.sink.Publish(domain.NewLiveEvent(t, snap.StreamID, snap.ProductID, snap))
}

func dedupApplicants(applicants []domain.UserRef) []domain.UserRef {
	seen := make(map[string]struct{}, len(applicants))
	out := make([]domain.UserRef, 0, len(applicants))
	for _, a := range applicants {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

func giveawaySnapshotOf(sess *domain.GiveawaySession) domain.GiveawaySnapshot {
	snap := domain.GiveawaySnapshot{
		StreamID:       sess.Key.StreamID,
		ProductID:      sess.Key.ProductID,
		Applicants:     append([]domain.UserRef(nil), sess.Applicants...),
		ApplicantCount: len(sess.Applicants),
		IsEnded:        sess.IsEnded,
	}
	if sess.Winner != nil {
		winner := *sess.Winner
		snap.Winner = &winner
	}
	return snap
}
