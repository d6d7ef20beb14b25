package handlers

import (
	"errors"
	"net/http"

	"flykup-live/internal/domain"
	"flykup-live/internal/services"
	"flykup-live/pkg/logger"

	"github.com/labstack/echo/v4"
)

// SessionHandler serves read-only projections of the live coordination
// state. Mutations happen over the gateway, never through REST.
type SessionHandler struct {
	auctions   *services.AuctionMachine
	giveaways  *services.GiveawayMachine
	stateCache domain.LiveStateCache
	log        logger.Logger
}

func NewSessionHandler(auctions *services.AuctionMachine, giveaways *services.GiveawayMachine,
	stateCache domain.LiveStateCache, log logger.Logger) *SessionHandler {
	return &SessionHandler{
		auctions:   auctions,
		giveaways:  giveaways,
		stateCache: stateCache,
		log:        log,
	}
}

func (h *SessionHandler) Register(g *echo.Group) {
	g.GET("/streams/:streamID/auction/:productID", h.GetAuction)
	g.GET("/streams/:streamID/giveaway/:productID", h.GetGiveaway)
	g.POST("/streams/:streamID/auction/:productID/start", h.StartAuction)
	g.POST("/streams/:streamID/auction/:productID/clear", h.ClearAuction)
	g.POST("/streams/:streamID/giveaway/:productID/roll", h.RollGiveaway)
}

// GetAuction serves the local session when present and falls back to the
// shared mirror for streams this instance is not coordinating.
func (h *SessionHandler) GetAuction(c echo.Context) error {
	streamID := c.Param("streamID")
	productID := c.Param("productID")

	if snap, ok := h.auctions.Snapshot(streamID, productID); ok {
		return c.JSON(http.StatusOK, snap)
	}

	if h.stateCache != nil {
		snap, err := h.stateCache.GetAuctionSnapshot(c.Request().Context(), streamID, productID)
		if err != nil {
			h.log.Error("Failed to read auction mirror", "stream_id", streamID,
				"product_id", productID, "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "mirror unavailable"})
		}
		if snap != nil {
			return c.JSON(http.StatusOK, snap)
		}
	}

	return c.JSON(http.StatusNotFound, map[string]string{"error": "no auction session"})
}

func (h *SessionHandler) GetGiveaway(c echo.Context) error {
	streamID := c.Param("streamID")
	productID := c.Param("productID")

	snap, ok := h.giveaways.Snapshot(streamID, productID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no giveaway session"})
	}

	return c.JSON(http.StatusOK, snap)
}

type startAuctionRequest struct {
	StartingBid   float64  `json:"starting_bid"`
	TimerSeconds  int      `json:"timer_seconds"`
	BidDirection  string   `json:"bid_direction"`
	AuctionType   string   `json:"auction_type"`
	Increment     *float64 `json:"increment,omitempty"`
	ReservedPrice *float64 `json:"reserved_price,omitempty"`
}

// StartAuction is the host-side entry point. Validation failures surface
// as field errors before anything reaches the wire.
func (h *SessionHandler) StartAuction(c echo.Context) error {
	streamID := c.Param("streamID")
	productID := c.Param("productID")

	var req startAuctionRequest
	if err := c.Bind(&req); err != nil {
		h.log.Error("Failed to bind start auction request", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	err := h.auctions.Start(c.Request().Context(), domain.StartAuctionCommand{
		StreamID:      streamID,
		ProductID:     productID,
		StartingBid:   req.StartingBid,
		TimerSeconds:  req.TimerSeconds,
		Direction:     domain.BidDirection(req.BidDirection),
		AuctionType:   req.AuctionType,
		Increment:     req.Increment,
		ReservedPrice: req.ReservedPrice,
	})
	if err != nil {
		if isValidationError(err) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.log.Error("Failed to start auction", "stream_id", streamID,
			"product_id", productID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to start auction"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "start requested"})
}

func (h *SessionHandler) ClearAuction(c echo.Context) error {
	streamID := c.Param("streamID")
	productID := c.Param("productID")

	if err := h.auctions.Clear(c.Request().Context(), streamID, productID); err != nil {
		h.log.Error("Failed to clear auction", "stream_id", streamID,
			"product_id", productID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to clear auction"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "clear requested"})
}

func (h *SessionHandler) RollGiveaway(c echo.Context) error {
	streamID := c.Param("streamID")
	productID := c.Param("productID")

	if err := h.giveaways.Roll(c.Request().Context(), streamID, productID); err != nil {
		if errors.Is(err, domain.ErrGiveawayEnded) {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		h.log.Error("Failed to roll giveaway", "stream_id", streamID,
			"product_id", productID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to roll giveaway"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "roll requested"})
}

func isValidationError(err error) bool {
	return errors.Is(err, domain.ErrInvalidStartingBid) ||
		errors.Is(err, domain.ErrTimerTooShort) ||
		errors.Is(err, domain.ErrReserveBelowStart) ||
		errors.Is(err, domain.ErrReserveAboveStart) ||
		errors.Is(err, domain.ErrAuctionAlreadyRunning) ||
		errors.Is(err, domain.ErrDecrementalUnsupported)
}
