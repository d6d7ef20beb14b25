package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testBackend is a scripted signaling server: a command is either acked,
// rejected or swallowed, and broadcasts can be pushed at will.
type testBackend struct {
	t *testing.T

	mu       sync.Mutex
	conn     *websocket.Conn
	received []frame
	ack      map[string]json.RawMessage
	reject   map[string]string
	swallow  map[string]bool
}

func newTestBackend(t *testing.T) (*testBackend, string) {
	t.Helper()
	b := &testBackend{
		t:       t,
		ack:     make(map[string]json.RawMessage),
		reject:  make(map[string]string),
		swallow: make(map[string]bool),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.serve(conn)
	}))
	t.Cleanup(srv.Close)

	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *testBackend) serve(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}

		b.mu.Lock()
		b.received = append(b.received, f)
		reply := frame{Event: f.Event, Seq: f.Seq}
		if payload, ok := b.ack[f.Event]; ok {
			reply.Payload = payload
		}
		if msg, ok := b.reject[f.Event]; ok {
			reply.Error = msg
		}
		swallowed := b.swallow[f.Event]
		b.mu.Unlock()

		if swallowed {
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (b *testBackend) broadcast(t *testing.T, event, room string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(frame{Event: event, Room: room, Payload: data}))
}

func (b *testBackend) lastReceived(event string) (frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.received) - 1; i >= 0; i-- {
		if b.received[i].Event == event {
			return b.received[i], true
		}
	}
	return frame{}, false
}

func dialTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := Dial(context.Background(), url, Options{
		RequestTimeout:  time.Second,
		RequestAttempts: 2,
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCommandRoundTrip(t *testing.T) {
	backend, url := newTestBackend(t)
	client := dialTestClient(t, url)

	err := client.StartAuction(context.Background(), domain.StartAuctionCommand{
		StreamID:     "s1",
		ProductID:    "p1",
		TimerSeconds: 30,
		StartingBid:  100,
	})
	require.NoError(t, err)

	sent, ok := backend.lastReceived(domain.CmdStartAuction)
	require.True(t, ok)
	assert.NotZero(t, sent.Seq)

	var cmd domain.StartAuctionCommand
	require.NoError(t, json.Unmarshal(sent.Payload, &cmd))
	assert.Equal(t, "s1", cmd.StreamID)
	assert.Equal(t, 100.0, cmd.StartingBid)
}

func TestCommandRejection(t *testing.T) {
	backend, url := newTestBackend(t)
	backend.reject[domain.CmdStartAuction] = "auction already running"
	client := dialTestClient(t, url)

	err := client.StartAuction(context.Background(), domain.StartAuctionCommand{
		StreamID: "s1", ProductID: "p1", TimerSeconds: 30, StartingBid: 100,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auction already running")
}

func TestAckPayloadDecoding(t *testing.T) {
	backend, url := newTestBackend(t)
	backend.ack[domain.CmdConsume] = json.RawMessage(
		`{"consumerId":"cons-1","producerId":"prod-1","kind":"video"}`)
	client := dialTestClient(t, url)

	reply, err := client.Consume(context.Background(), domain.ConsumeRequest{
		RoomID:     "room-1",
		ProducerID: "prod-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cons-1", reply.ConsumerID)
	assert.Equal(t, domain.MediaVideo, reply.Kind)
}

func TestBroadcastDispatch(t *testing.T) {
	backend, url := newTestBackend(t)
	client := dialTestClient(t, url)

	got := make(chan domain.BidUpdatedEvent, 1)
	client.On(domain.EventBidUpdated, func(room string, payload json.RawMessage) {
		var ev domain.BidUpdatedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Errorf("bad payload: %v", err)
			return
		}
		assert.Equal(t, "s1", room)
		got <- ev
	})

	// The join makes sure the server has the connection before pushing.
	require.NoError(t, client.JoinRoom(context.Background(), "s1"))
	backend.broadcast(t, domain.EventBidUpdated, "s1", domain.BidUpdatedEvent{
		Product:    "p1",
		StreamID:   "sess-1",
		HighestBid: 120,
	})

	select {
	case ev := <-got:
		assert.Equal(t, 120.0, ev.HighestBid)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never dispatched")
	}
}

func TestPanickingHandlerDoesNotKillDispatch(t *testing.T) {
	backend, url := newTestBackend(t)
	client := dialTestClient(t, url)

	got := make(chan struct{}, 1)
	client.On(domain.EventClearScreen, func(room string, payload json.RawMessage) {
		panic("boom")
	})
	client.On(domain.EventClearScreen, func(room string, payload json.RawMessage) {
		got <- struct{}{}
	})

	require.NoError(t, client.JoinRoom(context.Background(), "s1"))
	backend.broadcast(t, domain.EventClearScreen, "s1", nil)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	backend, url := newTestBackend(t)
	backend.swallow[domain.CmdPlaceBid] = true
	client := dialTestClient(t, url)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.PlaceBid(context.Background(), domain.PlaceBidCommand{
			StreamID: "s1", Amount: 120,
		})
	}()

	// Give the write a moment to land before tearing the client down.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}
}

func TestRequestTimeoutRetriesAndExhausts(t *testing.T) {
	backend, url := newTestBackend(t)
	backend.swallow[domain.CmdRollGiveaway] = true

	client, err := Dial(context.Background(), url, Options{
		RequestTimeout:  30 * time.Millisecond,
		RequestAttempts: 2,
	}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	err = client.RollGiveaway(context.Background(), "s1", "p1")
	require.Error(t, err)

	backend.mu.Lock()
	attempts := 0
	for _, f := range backend.received {
		if f.Event == domain.CmdRollGiveaway {
			attempts++
		}
	}
	backend.mu.Unlock()
	assert.Equal(t, 2, attempts)
}
