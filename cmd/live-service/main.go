package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flykup-live/internal/api/handlers"
	"flykup-live/internal/config"
	"flykup-live/internal/domain"
	"flykup-live/internal/infrastructure/leader"
	redisinfra "flykup-live/internal/infrastructure/redis"
	upstream "flykup-live/internal/infrastructure/signal"
	ws "flykup-live/internal/infrastructure/websocket"
	"flykup-live/internal/services"
	"flykup-live/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	redisClient "github.com/go-redis/redis/v8"
)

func main() {
	log := logger.New()
	log.Info("Starting Live Coordination Service")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("Configuration loaded", "config", cfg.GetConfigString())

	// Initialize Redis
	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	// Connect to the upstream signaling backend
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer dialCancel()
	signalClient, err := upstream.Dial(dialCtx, cfg.Upstream.URL, upstream.Options{
		RequestTimeout:  cfg.Upstream.RequestTimeout,
		RequestAttempts: cfg.Upstream.RequestAttempts,
	}, log.Named("signal"))
	if err != nil {
		log.Error("Failed to connect to signaling backend", "error", err)
		os.Exit(1)
	}
	defer signalClient.Close()

	// Initialize Redis based components
	stateCache := redisinfra.NewLiveStateCache(rdb)
	eventPublisher := redisinfra.NewEventPublisher(rdb)
	eventSubscriber := redisinfra.NewRedisEventSubscriber(rdb, log.Named("subscriber"))

	// Load bid increment rules
	incrementRules := services.NewIncrementRules(rdb)
	if err := incrementRules.LoadRules(ctx); err != nil {
		log.Error("Failed to load bid increment rules", "error", err)
		os.Exit(1)
	}

	// Initialize leader election for mirror writes
	leaderElection := leader.NewRedisLeaderElection(rdb, cfg.Leader.TTL)

	// Gateway connection manager and event fan-out
	connManager := ws.NewConnectionManager(log.Named("gateway"))
	eventListener := services.NewEventListener(connManager, stateCache,
		eventPublisher, leaderElection, cfg.Instance.ID, log.Named("events"))

	// Coordination state machines
	auctionMachine := services.NewAuctionMachine(signalClient, incrementRules,
		eventListener, log.Named("auction"))
	giveawayMachine := services.NewGiveawayMachine(signalClient,
		eventListener, log.Named("giveaway"))

	auctionMachine.Bind(signalClient)
	giveawayMachine.Bind(signalClient)
	bindRelayEvents(signalClient, eventListener, log)

	// Join the configured stream rooms so their broadcasts reach us
	for _, room := range cfg.Upstream.RoomList() {
		if err := signalClient.JoinRoom(ctx, room); err != nil {
			log.Error("Failed to join stream room", "room", room, "error", err)
			os.Exit(1)
		}
		log.Info("Joined stream room", "room", room)
	}

	// Cross-instance event subscription
	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	go func() {
		if err := eventListener.Start(subCtx, eventSubscriber); err != nil && subCtx.Err() == nil {
			log.Error("Event subscription terminated", "error", err)
		}
	}()

	// Attempt leadership for snapshot mirroring
	go runLeaderLoop(subCtx, leaderElection, cfg.Instance.ID, cfg.Leader.TTL, log)

	// Session sweeper
	sweeper := services.NewSessionSweeper(auctionMachine, giveawayMachine,
		cfg.Sweeper.SessionTTL, log.Named("sweeper"))
	if err := sweeper.Start(); err != nil {
		log.Error("Failed to start session sweeper", "error", err)
		os.Exit(1)
	}

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: `{"time":"${time_rfc3339}","id":"${id}","remote_ip":"${remote_ip}","host":"${host}","method":"${method}","uri":"${uri}","user_agent":"${user_agent}","status":${status},"error":"${error}","latency":${latency},"latency_human":"${latency_human}","bytes_in":${bytes_in},"bytes_out":${bytes_out}}` + "\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			echo.GET, echo.HEAD, echo.PUT, echo.PATCH,
			echo.POST, echo.DELETE, echo.OPTIONS,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			echo.HeaderXRequestedWith,
		},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Routes
	sessionHandler := handlers.NewSessionHandler(auctionMachine, giveawayMachine,
		stateCache, log.Named("api"))
	api := e.Group("/api/v1")
	sessionHandler.Register(api)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "live-service",
		})
	})

	// Gateway server for browser clients
	gatewayHandler := ws.NewGatewayHandler(auctionMachine, giveawayMachine,
		connManager, log.Named("gateway"))
	router := mux.NewRouter()
	router.HandleFunc("/ws/{streamID}", gatewayHandler.HandleConnection)
	gatewayServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GatewayPort),
		Handler: router,
	}
	go func() {
		log.Info("Starting gateway server", "port", cfg.Server.GatewayPort)
		if err := gatewayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Start REST server
	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Info("Starting HTTP server", "address", address)
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Live Coordination Service")

	subCancel()

	if err := sweeper.Stop(); err != nil {
		log.Error("Failed to stop session sweeper", "error", err)
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if err := leaderElection.ReleaseLeadership(releaseCtx, cfg.Instance.ID); err != nil {
		log.Error("Failed to release leadership", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Gateway server shutdown failed", "error", err)
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}

	if err := signalClient.Close(); err != nil {
		log.Error("Failed to close signaling connection", "error", err)
	}
	if err := rdb.Close(); err != nil {
		log.Error("Failed to close Redis connection", "error", err)
	}

	log.Info("Live Coordination Service stopped")
}

// bindRelayEvents forwards broadcasts the state machines do not own to the
// gateway clients of the stream: producer lifecycle, viewer counts and the
// stream ending.
func bindRelayEvents(events domain.EventStream, sink domain.LiveEventSink, log logger.Logger) {
	events.On(domain.EventNewProducer, func(room string, payload json.RawMessage) {
		var ev domain.ProducerInfo
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Error("Bad newProducer payload", "error", err)
			return
		}
		sink.Publish(domain.NewLiveEvent(domain.LiveNewProducer, room, "", ev))
	})

	events.On(domain.EventProducerClosed, func(room string, payload json.RawMessage) {
		var ev domain.ProducerClosedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Error("Bad producerClosed payload", "error", err)
			return
		}
		sink.Publish(domain.NewLiveEvent(domain.LiveProducerClosed, room, "", ev))
	})

	events.On(domain.EventViewerCount, func(room string, payload json.RawMessage) {
		var ev domain.ViewerCountEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Error("Bad viewerCountUpdate payload", "error", err)
			return
		}
		if ev.StreamID == "" {
			ev.StreamID = room
		}
		sink.Publish(domain.NewLiveEvent(domain.LiveViewerCount, ev.StreamID, "", ev))
	})

	events.On(domain.EventStreamEnded, func(room string, payload json.RawMessage) {
		var ev domain.StreamEndedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Error("Bad streamEnded payload", "error", err)
			return
		}
		if ev.StreamID == "" {
			ev.StreamID = room
		}
		sink.Publish(domain.NewLiveEvent(domain.LiveStreamEnded, ev.StreamID, "", ev))
	})
}

// runLeaderLoop keeps trying to acquire mirror leadership until ctx ends.
// BecomeLeader starts its own heartbeat on success, so the loop only needs
// to retry while this instance is not the leader.
func runLeaderLoop(ctx context.Context, election domain.LeaderElection,
	instanceID string, ttl time.Duration, log logger.Logger) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		isLeader, err := election.IsLeader(ctx, instanceID)
		if err != nil {
			log.Error("Leadership check failed", "error", err)
		} else if !isLeader {
			acquired, err := election.BecomeLeader(ctx, instanceID)
			if err != nil {
				log.Error("Leadership acquisition failed", "error", err)
			} else if acquired {
				log.Info("Acquired mirror leadership", "instance_id", instanceID)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
