package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events map[string][]domain.LiveEvent
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{events: make(map[string][]domain.LiveEvent)}
}

func (f *fakeBroadcaster) RegisterConnection(string, domain.GatewayConnection) error { return nil }
func (f *fakeBroadcaster) UnregisterConnection(string, string) error                 { return nil }
func (f *fakeBroadcaster) CloseStream(string) error                                  { return nil }

func (f *fakeBroadcaster) BroadcastToStream(streamID string, message interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := message.(domain.LiveEvent); ok {
		f.events[streamID] = append(f.events[streamID], ev)
	}
	return nil
}

func (f *fakeBroadcaster) eventsFor(streamID string) []domain.LiveEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LiveEvent(nil), f.events[streamID]...)
}

type fakeStateCache struct {
	mu      sync.Mutex
	saved   []domain.AuctionSnapshot
	deleted []string
}

func (f *fakeStateCache) SaveAuctionSnapshot(_ context.Context, snap domain.AuctionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, snap)
	return nil
}

func (f *fakeStateCache) GetAuctionSnapshot(context.Context, string, string) (*domain.AuctionSnapshot, error) {
	return nil, nil
}

func (f *fakeStateCache) DeleteAuctionSnapshot(_ context.Context, streamID, productID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, streamID+":"+productID)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.LiveEvent
}

func (f *fakePublisher) PublishLiveEvent(_ context.Context, event domain.LiveEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakeLeader struct {
	leader bool
}

func (f *fakeLeader) BecomeLeader(context.Context, string) (bool, error) { return f.leader, nil }
func (f *fakeLeader) IsLeader(context.Context, string) (bool, error)     { return f.leader, nil }
func (f *fakeLeader) ReleaseLeadership(context.Context, string) error    { return nil }

func auctionPayload(t *testing.T, snap domain.AuctionSnapshot) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	return data
}

func TestPublishStampsOriginAndFansOut(t *testing.T) {
	broadcaster := newFakeBroadcaster()
	publisher := &fakePublisher{}
	listener := NewEventListener(broadcaster, nil, publisher, nil, "instance-1", logger.Nop())

	listener.Publish(domain.NewLiveEvent(domain.LiveAuctionTimer, "s1", "p1", nil))

	local := broadcaster.eventsFor("s1")
	require.Len(t, local, 1)
	assert.Equal(t, "instance-1", local[0].Origin)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "instance-1", publisher.events[0].Origin)
}

func TestRemoteEventsFromOtherInstancesAreRebroadcast(t *testing.T) {
	broadcaster := newFakeBroadcaster()
	listener := NewEventListener(broadcaster, nil, nil, nil, "instance-1", logger.Nop())

	remote := domain.NewLiveEvent(domain.LiveAuctionTimer, "s1", "p1", nil)
	remote.Origin = "instance-2"
	require.NoError(t, listener.handleRemoteEvent(remote))

	own := domain.NewLiveEvent(domain.LiveAuctionTimer, "s1", "p1", nil)
	own.Origin = "instance-1"
	require.NoError(t, listener.handleRemoteEvent(own))

	assert.Len(t, broadcaster.eventsFor("s1"), 1, "own events must not loop back")
}

func TestMirrorWritesAreLeaderGated(t *testing.T) {
	snap := domain.AuctionSnapshot{StreamID: "s1", ProductID: "p1", State: "running"}

	follower := &fakeStateCache{}
	listener := NewEventListener(newFakeBroadcaster(), follower, nil,
		&fakeLeader{leader: false}, "instance-1", logger.Nop())
	ev := domain.NewLiveEvent(domain.LiveAuctionStarted, "s1", "p1", nil)
	ev.Payload = auctionPayload(t, snap)
	listener.Publish(ev)
	assert.Empty(t, follower.saved)

	leaderCache := &fakeStateCache{}
	listener = NewEventListener(newFakeBroadcaster(), leaderCache, nil,
		&fakeLeader{leader: true}, "instance-1", logger.Nop())
	listener.Publish(ev)
	require.Len(t, leaderCache.saved, 1)
	assert.Equal(t, "s1", leaderCache.saved[0].StreamID)
}

func TestMirrorSkipsNonAuctionEvents(t *testing.T) {
	cache := &fakeStateCache{}
	listener := NewEventListener(newFakeBroadcaster(), cache, nil,
		&fakeLeader{leader: true}, "instance-1", logger.Nop())

	listener.Publish(domain.NewLiveEvent(domain.LiveViewerCount, "s1", "", nil))
	listener.Publish(domain.NewLiveEvent(domain.LiveGiveawayWinner, "s1", "p1", nil))

	assert.Empty(t, cache.saved)
	assert.Empty(t, cache.deleted)
}

func TestClearedEventDeletesMirrorEntry(t *testing.T) {
	cache := &fakeStateCache{}
	listener := NewEventListener(newFakeBroadcaster(), cache, nil,
		&fakeLeader{leader: true}, "instance-1", logger.Nop())

	listener.Publish(domain.NewLiveEvent(domain.LiveAuctionCleared, "s1", "p1", nil))

	require.Len(t, cache.deleted, 1)
	assert.Equal(t, "s1:p1", cache.deleted[0])
}
