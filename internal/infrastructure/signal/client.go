package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"
	"flykup-live/pkg/retry"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("signal client closed")

// frame is the wire envelope. Commands carry a sequence number the server
// echoes back on the acknowledgement; broadcasts carry the room they were
// emitted to instead.
type frame struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type Options struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	RequestAttempts  int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 8 * time.Second
	}
	if o.RequestAttempts <= 0 {
		o.RequestAttempts = 3
	}
	return o
}

// Client is the explicit session handle to the upstream realtime backend.
// One connection multiplexes any number of stream rooms. It implements
// domain.AuctionSignaler, domain.GiveawaySignaler, domain.MediaSignaler
// and domain.EventStream.
//
// Auction and giveaway commands go through the shared retry combinator
// here; the media methods are single-attempt because the media session
// owns its own consume/resume retry policy.
type Client struct {
	conn *websocket.Conn
	log  logger.Logger
	opts Options

	writeMu sync.Mutex
	seq     int64

	pendingMu sync.Mutex
	pending   map[int64]chan frame

	handlersMu sync.RWMutex
	handlers   map[string][]func(room string, payload json.RawMessage)

	closeOnce sync.Once
	done      chan struct{}
}

func Dial(ctx context.Context, url string, opts Options, log logger.Logger) (*Client, error) {
	opts = opts.withDefaults()

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		log:      log,
		opts:     opts,
		pending:  make(map[int64]chan frame),
		handlers: make(map[string][]func(string, json.RawMessage)),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	log.Info("Connected to signaling backend", "url", url)
	return c, nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.failPending(ErrClosed)
	})
	return err
}

// On registers a broadcast handler. Handlers are registered exactly once
// at session start and stay for the lifetime of the connection.
func (c *Client) On(event string, handler func(room string, payload json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.handlersMu.Unlock()
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Error("Signal connection read failed", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Error("Bad signal frame", "error", err)
			continue
		}

		if f.Seq != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[f.Seq]
			delete(c.pending, f.Seq)
			c.pendingMu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}

		c.dispatch(f)
	}
}

// dispatch fans a broadcast out to its handlers. A panicking handler is
// contained so it cannot take the read loop down and silently drop every
// future event.
func (c *Client) dispatch(f frame) {
	c.handlersMu.RLock()
	handlers := append(([]func(string, json.RawMessage))(nil), c.handlers[f.Event]...)
	c.handlersMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("Panic in event handler", "event", f.Event, "panic", r)
				}
			}()
			handler(f.Room, f.Payload)
		}()
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for seq, ch := range c.pending {
		delete(c.pending, seq)
		ch <- frame{Error: err.Error()}
	}
	c.pendingMu.Unlock()
}

// call performs one command round-trip bounded by ctx.
func (c *Client) call(ctx context.Context, event string, payload any, out any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", event, err)
		}
		raw = data
	}

	seq := atomic.AddInt64(&c.seq, 1)
	ch := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[seq] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(frame{Event: event, Seq: seq, Payload: raw})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			if resp.Error == ErrClosed.Error() {
				return ErrClosed
			}
			return fmt.Errorf("%s rejected: %s", event, resp.Error)
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("decode %s ack: %w", event, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// callRetry wraps call in the shared retry combinator.
func (c *Client) callRetry(ctx context.Context, event string, payload any, out any) error {
	return retry.DoVoid(ctx, c.opts.RequestTimeout, c.opts.RequestAttempts, func(ctx context.Context) error {
		return c.call(ctx, event, payload, out)
	})
}

// AuctionSignaler

func (c *Client) StartAuction(ctx context.Context, cmd domain.StartAuctionCommand) error {
	return c.callRetry(ctx, domain.CmdStartAuction, cmd, nil)
}

func (c *Client) PlaceBid(ctx context.Context, cmd domain.PlaceBidCommand) error {
	return c.callRetry(ctx, domain.CmdPlaceBid, cmd, nil)
}

func (c *Client) ClearAuction(ctx context.Context, streamID, productID string) error {
	payload := map[string]string{"streamId": streamID, "product": productID}
	return c.callRetry(ctx, domain.CmdClearAuction, payload, nil)
}

// GiveawaySignaler

func (c *Client) ApplyGiveaway(ctx context.Context, streamID, productID string, user domain.UserRef) error {
	payload := map[string]interface{}{
		"streamId": streamID,
		"product":  productID,
		"user":     user,
	}
	return c.callRetry(ctx, domain.CmdApplyGiveaway, payload, nil)
}

func (c *Client) RollGiveaway(ctx context.Context, streamID, productID string) error {
	payload := map[string]string{"streamId": streamID, "product": productID}
	return c.callRetry(ctx, domain.CmdRollGiveaway, payload, nil)
}

// MediaSignaler

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.call(ctx, domain.CmdJoinRoom, map[string]string{"roomId": roomID}, nil)
}

func (c *Client) RouterRtpCapabilities(ctx context.Context, roomID string) (json.RawMessage, error) {
	var caps json.RawMessage
	err := c.call(ctx, domain.CmdRouterRtpCapabilities, map[string]string{"roomId": roomID}, &caps)
	return caps, err
}

func (c *Client) CreateConsumerTransport(ctx context.Context, roomID string) (*domain.TransportParams, error) {
	var params domain.TransportParams
	if err := c.call(ctx, domain.CmdCreateConsumerTransport, map[string]string{"roomId": roomID}, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

func (c *Client) ConnectConsumerTransport(ctx context.Context, roomID, transportID string, dtlsParameters json.RawMessage) error {
	payload := map[string]interface{}{
		"roomId":         roomID,
		"transportId":    transportID,
		"dtlsParameters": dtlsParameters,
	}
	return c.call(ctx, domain.CmdConnectConsumerTransport, payload, nil)
}

func (c *Client) Consume(ctx context.Context, req domain.ConsumeRequest) (*domain.ConsumeReply, error) {
	var reply domain.ConsumeReply
	if err := c.call(ctx, domain.CmdConsume, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) ResumeConsumer(ctx context.Context, roomID, consumerID string) error {
	payload := map[string]string{"roomId": roomID, "consumerId": consumerID}
	return c.call(ctx, domain.CmdResumeConsumer, payload, nil)
}

func (c *Client) Producers(ctx context.Context, roomID string) ([]domain.ProducerInfo, error) {
	var producers []domain.ProducerInfo
	if err := c.call(ctx, domain.CmdGetProducers, map[string]string{"roomId": roomID}, &producers); err != nil {
		return nil, err
	}
	return producers, nil
}

func (c *Client) SetPreferredLayers(ctx context.Context, roomID, consumerID string, layers domain.PreferredLayers) error {
	payload := map[string]interface{}{
		"roomId":        roomID,
		"consumerId":    consumerID,
		"spatialLayer":  layers.Spatial,
		"temporalLayer": layers.Temporal,
	}
	return c.call(ctx, domain.CmdSetPreferredLayers, payload, nil)
}
