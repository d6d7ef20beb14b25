package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"flykup-live/internal/domain"
	"flykup-live/internal/services"
	"flykup-live/pkg/logger"
	"flykup-live/pkg/utils"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Gateway sits behind the platform's own origin checks
	},
}

// GatewayHandler bridges browser clients into the coordination engine.
// Inbound command frames run through the locally validated state machines
// before anything is emitted upstream; outbound events arrive via the
// connection manager's broadcasts.
type GatewayHandler struct {
	auctions    *services.AuctionMachine
	giveaways   *services.GiveawayMachine
	connManager *ConnectionManager
	log         logger.Logger
}

func NewGatewayHandler(auctions *services.AuctionMachine, giveaways *services.GiveawayMachine,
	connManager *ConnectionManager, log logger.Logger) *GatewayHandler {
	return &GatewayHandler{
		auctions:    auctions,
		giveaways:   giveaways,
		connManager: connManager,
		log:         log,
	}
}

type commandFrame struct {
	Type    string         `json:"type"`
	Product string         `json:"product,omitempty"`
	Amount  float64        `json:"amount,omitempty"`
	User    domain.UserRef `json:"user,omitempty"`
}

func (h *GatewayHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	streamID := vars["streamID"]
	if streamID == "" {
		http.Error(w, "stream id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade gateway connection", "error", err)
		return
	}

	gwConn := newGatewayConnection(conn, utils.GenerateID("conn"), streamID)

	if err := h.connManager.RegisterConnection(streamID, gwConn); err != nil {
		h.log.Error("Failed to register gateway connection", "error", err)
		conn.Close()
		return
	}

	go h.handleMessages(gwConn)
}

func (h *GatewayHandler) handleMessages(conn *gatewayConnection) {
	defer func() {
		h.connManager.UnregisterConnection(conn.StreamID(), conn.ConnID())
		conn.Close()
	}()

	for {
		var cmd commandFrame
		if err := conn.conn.ReadJSON(&cmd); err != nil {
			h.log.Debug("Gateway connection read ended", "conn_id", conn.ConnID(), "error", err)
			return
		}

		switch cmd.Type {
		case "place_bid":
			h.handlePlaceBid(conn, cmd)
		case "apply_giveaway":
			h.handleApplyGiveaway(conn, cmd)
		case "ping":
			conn.Send(mustMarshal(map[string]string{"type": "pong"}))
		default:
			conn.Send(mustMarshal(map[string]string{"type": "error", "message": "unknown command"}))
		}
	}
}

func (h *GatewayHandler) handlePlaceBid(conn *gatewayConnection, cmd commandFrame) {
	if cmd.Amount <= 0 || cmd.User.IsZero() {
		conn.Send(mustMarshal(map[string]string{"type": "error", "message": "invalid bid"}))
		return
	}

	err := h.auctions.PlaceBid(context.Background(), conn.StreamID(), cmd.Product, cmd.User, cmd.Amount)
	if err != nil {
		// Local validation failures go back to the caller; the accepted
		// path has no ack, the bidUpdated broadcast is the confirmation.
		conn.Send(mustMarshal(map[string]string{"type": "bid_rejected", "message": err.Error()}))
		return
	}
}

func (h *GatewayHandler) handleApplyGiveaway(conn *gatewayConnection, cmd commandFrame) {
	if cmd.User.IsZero() {
		conn.Send(mustMarshal(map[string]string{"type": "error", "message": "user required"}))
		return
	}

	err := h.giveaways.Apply(context.Background(), conn.StreamID(), cmd.Product, cmd.User)
	if err != nil {
		conn.Send(mustMarshal(map[string]string{"type": "error", "message": err.Error()}))
	}
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}

// gatewayConnection serializes writes: broadcasts and command replies can
// arrive from different goroutines and gorilla allows one writer at a time.
type gatewayConnection struct {
	conn     *websocket.Conn
	connID   string
	streamID string
	writeMu  sync.Mutex
}

func newGatewayConnection(conn *websocket.Conn, connID, streamID string) *gatewayConnection {
	return &gatewayConnection{
		conn:     conn,
		connID:   connID,
		streamID: streamID,
	}
}

func (gc *gatewayConnection) Send(message interface{}) error {
	gc.writeMu.Lock()
	defer gc.writeMu.Unlock()

	switch m := message.(type) {
	case []byte:
		return gc.conn.WriteMessage(websocket.TextMessage, m)
	default:
		return gc.conn.WriteJSON(m)
	}
}

func (gc *gatewayConnection) Close() error {
	return gc.conn.Close()
}

func (gc *gatewayConnection) ConnID() string {
	return gc.connID
}

func (gc *gatewayConnection) StreamID() string {
	return gc.streamID
}
