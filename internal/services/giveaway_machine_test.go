package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGiveawaySignaler struct {
	mu      sync.Mutex
	applies []domain.UserRef
	rolls   int
}

func (f *fakeGiveawaySignaler) ApplyGiveaway(_ context.Context, _, _ string, user domain.UserRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies = append(f.applies, user)
	return nil
}

func (f *fakeGiveawaySignaler) RollGiveaway(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolls++
	return nil
}

func newTestGiveawayMachine(t *testing.T) (*GiveawayMachine, *fakeGiveawaySignaler, *fakeStream) {
	t.Helper()
	signaler := &fakeGiveawaySignaler{}
	stream := newFakeStream()
	machine := NewGiveawayMachine(signaler, &fakeSink{}, logger.Nop())
	machine.Bind(stream)
	return machine, signaler, stream
}

func TestApplyEmitsForNewApplicant(t *testing.T) {
	machine, signaler, _ := newTestGiveawayMachine(t)

	err := machine.Apply(context.Background(), "s1", "p1", domain.UserRef{ID: "u1", Username: "alice"})
	require.NoError(t, err)
	require.Len(t, signaler.applies, 1)
	assert.Equal(t, "u1", signaler.applies[0].ID)
}

func TestApplyIsIdempotentPerUser(t *testing.T) {
	machine, signaler, stream := newTestGiveawayMachine(t)
	user := domain.UserRef{ID: "u1", Username: "alice"}

	stream.emit(t, domain.EventGiveawayApplicants, "s1", domain.GiveawayApplicantsEvent{
		GiveawayKey: domain.GiveawayKey("s1", "p1"),
		Applicants:  []domain.UserRef{user},
	})

	err := machine.Apply(context.Background(), "s1", "p1", user)
	require.NoError(t, err)
	assert.Empty(t, signaler.applies, "a registered applicant re-applying emits nothing")
}

func TestApplicantPoolDeduplicates(t *testing.T) {
	machine, _, stream := newTestGiveawayMachine(t)

	stream.emit(t, domain.EventGiveawayApplicants, "s1", domain.GiveawayApplicantsEvent{
		GiveawayKey: domain.GiveawayKey("s1", "p1"),
		Applicants: []domain.UserRef{
			{ID: "u1", Username: "alice"},
			{ID: "u2", Username: "bob"},
			{ID: "u1", Username: "alice"},
		},
	})

	snap, ok := machine.Snapshot("s1", "p1")
	require.True(t, ok)
	assert.Equal(t, 2, snap.ApplicantCount)
	assert.Len(t, snap.Applicants, 2)
}

func TestWinnerSetExactlyOnce(t *testing.T) {
	machine, _, stream := newTestGiveawayMachine(t)
	key := domain.GiveawayKey("s1", "p1")

	stream.emit(t, domain.EventGiveawayWinner, "s1", domain.GiveawayWinnerEvent{
		GiveawayKey: key,
		Winner:      domain.UserRef{ID: "u1", Username: "alice"},
	})

	snap, ok := machine.Snapshot("s1", "p1")
	require.True(t, ok)
	require.NotNil(t, snap.Winner)
	assert.Equal(t, "u1", snap.Winner.ID)
	assert.True(t, snap.IsEnded)

	// A duplicate broadcast must not replace the winner.
	stream.emit(t, domain.EventGiveawayWinner, "s1", domain.GiveawayWinnerEvent{
		GiveawayKey: key,
		Winner:      domain.UserRef{ID: "u2", Username: "bob"},
	})

	snap, _ = machine.Snapshot("s1", "p1")
	assert.Equal(t, "u1", snap.Winner.ID)
}

func TestApplyAndRollAfterWinnerFail(t *testing.T) {
	machine, signaler, stream := newTestGiveawayMachine(t)

	stream.emit(t, domain.EventGiveawayWinner, "s1", domain.GiveawayWinnerEvent{
		GiveawayKey: domain.GiveawayKey("s1", "p1"),
		Winner:      domain.UserRef{ID: "u1"},
	})

	err := machine.Apply(context.Background(), "s1", "p1", domain.UserRef{ID: "u2"})
	assert.ErrorIs(t, err, domain.ErrGiveawayEnded)

	err = machine.Roll(context.Background(), "s1", "p1")
	assert.ErrorIs(t, err, domain.ErrGiveawayEnded)
	assert.Equal(t, 0, signaler.rolls)
}

func TestRollDelegatesToSignaler(t *testing.T) {
	machine, signaler, _ := newTestGiveawayMachine(t)

	require.NoError(t, machine.Roll(context.Background(), "s1", "p1"))
	assert.Equal(t, 1, signaler.rolls)
}

func TestEvictDrawnKeepsOpenSessions(t *testing.T) {
	machine, _, stream := newTestGiveawayMachine(t)

	stream.emit(t, domain.EventGiveawayApplicants, "s1", domain.GiveawayApplicantsEvent{
		GiveawayKey: domain.GiveawayKey("s1", "p1"),
		Applicants:  []domain.UserRef{{ID: "u1"}},
	})
	stream.emit(t, domain.EventGiveawayWinner, "s1", domain.GiveawayWinnerEvent{
		GiveawayKey: domain.GiveawayKey("s1", "p2"),
		Winner:      domain.UserRef{ID: "u1"},
	})

	time.Sleep(2 * time.Millisecond)
	evicted := machine.EvictDrawn(time.Millisecond)

	assert.Equal(t, 1, evicted)
	_, ok := machine.Snapshot("s1", "p1")
	assert.True(t, ok, "an open pool must survive eviction")
	_, ok = machine.Snapshot("s1", "p2")
	assert.False(t, ok)
}
