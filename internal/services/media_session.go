package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"
	"flykup-live/pkg/retry"
)

// MediaOptions tunes the signaling round-trips of a media session.
type MediaOptions struct {
	ConsumeTimeout  time.Duration
	ConsumeAttempts int
	ResumeTimeout   time.Duration
	ResumeAttempts  int
	Quality         domain.QualityLevel
}

func (o MediaOptions) withDefaults() MediaOptions {
	if o.ConsumeTimeout <= 0 {
		o.ConsumeTimeout = 8 * time.Second
	}
	if o.ConsumeAttempts <= 0 {
		o.ConsumeAttempts = 3
	}
	if o.ResumeTimeout <= 0 {
		o.ResumeTimeout = 5 * time.Second
	}
	if o.ResumeAttempts <= 0 {
		o.ResumeAttempts = 3
	}
	return o
}

// MediaSession maintains the set of playable participant streams for one
// live room: capability negotiation, a single shared receive transport,
// per-producer consumption with deduplication, attribution and teardown.
// The device and its consumers are opaque handles; the session owns the
// tracking collections and enforces their invariants.
type MediaSession struct {
	roomID   string
	signaler domain.MediaSignaler
	device   domain.MediaDevice
	log      logger.Logger
	opts     MediaOptions

	mu           sync.Mutex
	watching     bool
	generation   int
	hostAssigned bool
	quality      domain.QualityLevel
	consumed     map[string]struct{}
	owners       map[string]domain.ParticipantInfo
	consumers    map[string]domain.MediaConsumer
	streams      map[string]*domain.MediaParticipantStream
	transport    domain.RecvTransport
	onChange     func([]domain.MediaParticipantStream)

	// transportMu serializes transport creation: the first caller creates,
	// concurrent callers block and reuse the same transport.
	transportMu sync.Mutex
}

func NewMediaSession(roomID string, signaler domain.MediaSignaler, device domain.MediaDevice,
	opts MediaOptions, log logger.Logger) *MediaSession {
	opts = opts.withDefaults()
	return &MediaSession{
		roomID:    roomID,
		signaler:  signaler,
		device:    device,
		log:       log,
		opts:      opts,
		quality:   opts.Quality,
		consumed:  make(map[string]struct{}),
		owners:    make(map[string]domain.ParticipantInfo),
		consumers: make(map[string]domain.MediaConsumer),
		streams:   make(map[string]*domain.MediaParticipantStream),
	}
}

// SetOnStreamsChanged registers the callback invoked whenever the set of
// participant streams changes. Must be set before Start.
func (s *MediaSession) SetOnStreamsChanged(fn func([]domain.MediaParticipantStream)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Bind registers the producer lifecycle handlers. Announcements received
// before Start completes are ignored on purpose: the startup enumeration
// already covers them, and acting on the duplicates would race the
// enumeration order.
func (s *MediaSession) Bind(events domain.EventStream) {
	events.On(domain.EventNewProducer, s.handleNewProducer)
	events.On(domain.EventProducerClosed, s.handleProducerClosed)
	events.On(domain.EventStreamEnded, s.handleStreamEnded)
}

// Start runs the ordered startup protocol: join the room, negotiate
// capabilities, pre-index producer attribution from session metadata,
// consume every active producer, then begin watching for announcements.
// Capability or transport failure is fatal; a single producer failing to
// consume is not.
func (s *MediaSession) Start(ctx context.Context, ownerMeta map[string]domain.ParticipantInfo) error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	gen := s.generation
	s.mu.Unlock()

	if err := retry.DoVoid(ctx, s.opts.ConsumeTimeout, s.opts.ConsumeAttempts, func(ctx context.Context) error {
		return s.signaler.JoinRoom(ctx, s.roomID)
	}); err != nil {
		return fmt.Errorf("join room %s: %w", s.roomID, err)
	}

	if !s.device.Loaded() {
		caps, err := retry.Do(ctx, s.opts.ConsumeTimeout, s.opts.ConsumeAttempts, func(ctx context.Context) (json.RawMessage, error) {
			return s.signaler.RouterRtpCapabilities(ctx, s.roomID)
		})
		if err != nil {
			return fmt.Errorf("router capabilities: %w", err)
		}
		if err := s.device.Load(caps); err != nil {
			// No media is possible without a loaded device.
			return fmt.Errorf("device load: %w", err)
		}
	}

	s.mu.Lock()
	for producerID, owner := range ownerMeta {
		s.owners[producerID] = owner
	}
	s.mu.Unlock()

	producers, err := retry.Do(ctx, s.opts.ConsumeTimeout, s.opts.ConsumeAttempts, func(ctx context.Context) ([]domain.ProducerInfo, error) {
		return s.signaler.Producers(ctx, s.roomID)
	})
	if err != nil {
		return fmt.Errorf("enumerate producers: %w", err)
	}

	// One producer fully processed, retries included, before the next.
	for _, p := range producers {
		if err := s.consumeProducer(ctx, p); err != nil {
			s.log.Warn("Skipping producer", "producer_id", p.ProducerID, "error", err)
		}
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return domain.ErrSessionStopped
	}
	s.watching = true
	s.mu.Unlock()

	s.log.Info("Media session watching", "room_id", s.roomID, "producers", len(producers))
	return nil
}

// Stop tears the session down: every consumer and the shared transport are
// closed and all tracking collections cleared. Safe to call repeatedly;
// in-flight consumes observe the generation bump and discard their
// results.
func (s *MediaSession) Stop() {
	s.mu.Lock()
	s.generation++
	s.watching = false
	s.hostAssigned = false
	for id, c := range s.consumers {
		if err := c.Close(); err != nil {
			s.log.Warn("Failed to close consumer", "producer_id", id, "error", err)
		}
	}
	s.consumed = make(map[string]struct{})
	s.owners = make(map[string]domain.ParticipantInfo)
	s.consumers = make(map[string]domain.MediaConsumer)
	s.streams = make(map[string]*domain.MediaParticipantStream)
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
	s.notifyStreamsChanged()
}

// Streams returns the current participant streams, host first.
func (s *MediaSession) Streams() []domain.MediaParticipantStream {
	s.mu.Lock()
	out := make([]domain.MediaParticipantStream, 0, len(s.streams))
	for _, stream := range s.streams {
		out = append(out, *stream)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsHost != out[j].IsHost {
			return out[i].IsHost
		}
		return out[i].SocketID < out[j].SocketID
	})
	return out
}

// SetQuality re-issues the layer preference against every tracked video
// consumer. Consumers are kept; nothing is torn down or recreated.
func (s *MediaSession) SetQuality(ctx context.Context, q domain.QualityLevel) {
	layers := domain.LayersFor(q)

	s.mu.Lock()
	s.quality = q
	videoConsumers := make([]string, 0, len(s.consumers))
	for _, c := range s.consumers {
		if c.Kind() == domain.MediaVideo {
			videoConsumers = append(videoConsumers, c.ID())
		}
	}
	s.mu.Unlock()

	if layers == nil {
		// Auto leaves layer selection to the server.
		return
	}

	for _, consumerID := range videoConsumers {
		if err := s.signaler.SetPreferredLayers(ctx, s.roomID, consumerID, *layers); err != nil {
			s.log.Warn("Failed to set preferred layers", "consumer_id", consumerID, "error", err)
		}
	}
}

func (s *MediaSession) handleNewProducer(room string, payload json.RawMessage) {
	if room != "" && room != s.roomID {
		return
	}

	var info domain.ProducerInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		s.log.Error("Bad newProducer payload", "error", err)
		return
	}

	s.mu.Lock()
	watching := s.watching
	s.mu.Unlock()
	if !watching {
		s.log.Debug("Ignoring producer announcement before watch start",
			"producer_id", info.ProducerID)
		return
	}

	if err := s.consumeProducer(context.Background(), info); err != nil {
		s.log.Warn("Failed to consume announced producer",
			"producer_id", info.ProducerID, "error", err)
	}
}

func (s *MediaSession) handleProducerClosed(room string, payload json.RawMessage) {
	if room != "" && room != s.roomID {
		return
	}

	var ev domain.ProducerClosedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Error("Bad producerClosed payload", "error", err)
		return
	}

	s.mu.Lock()
	delete(s.consumed, ev.ProducerID)
	owner, hadOwner := s.owners[ev.ProducerID]
	delete(s.owners, ev.ProducerID)

	if c, ok := s.consumers[ev.ProducerID]; ok {
		if err := c.Close(); err != nil {
			s.log.Warn("Failed to close consumer", "producer_id", ev.ProducerID, "error", err)
		}
		delete(s.consumers, ev.ProducerID)
	}

	socketID := ev.SocketID
	if socketID == "" && hadOwner {
		socketID = owner.SocketID
	}
	if stream, ok := s.streams[socketID]; ok {
		if stream.VideoProducerID == ev.ProducerID {
			stream.VideoProducerID = ""
			stream.VideoTrack = nil
		}
		if stream.AudioProducerID == ev.ProducerID {
			stream.AudioProducerID = ""
			stream.AudioTrack = nil
		}
		if stream.Empty() {
			delete(s.streams, socketID)
		} else {
			stream.Rebuild()
		}
	}
	s.mu.Unlock()

	s.log.Info("Producer closed", "producer_id", ev.ProducerID, "socket_id", socketID)
	s.notifyStreamsChanged()
}

func (s *MediaSession) handleStreamEnded(room string, payload json.RawMessage) {
	var ev domain.StreamEndedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Error("Bad streamEnded payload", "error", err)
		return
	}
	if ev.StreamID != "" && ev.StreamID != s.roomID {
		return
	}
	if room != "" && room != s.roomID {
		return
	}

	s.log.Info("Stream ended, stopping media session", "room_id", s.roomID, "reason", ev.Reason)
	s.Stop()
}

// consumeProducer runs the per-producer flow: dedup guard, shared
// transport, consume request with timeout-and-retry, resume with its own
// retry loop, then attribution and stream assembly. The consumed-set mark
// is rolled back on failure so a later announcement can retry.
func (s *MediaSession) consumeProducer(ctx context.Context, info domain.ProducerInfo) error {
	s.mu.Lock()
	if _, ok := s.consumed[info.ProducerID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.consumed[info.ProducerID] = struct{}{}
	gen := s.generation
	s.mu.Unlock()

	rollback := func() {
		s.mu.Lock()
		delete(s.consumed, info.ProducerID)
		s.mu.Unlock()
	}

	transport, err := s.ensureTransport(ctx)
	if err != nil {
		rollback()
		return fmt.Errorf("consumer transport: %w", err)
	}

	var layers *domain.PreferredLayers
	if info.Kind == domain.MediaVideo {
		s.mu.Lock()
		layers = domain.LayersFor(s.quality)
		s.mu.Unlock()
	}

	reply, err := retry.Do(ctx, s.opts.ConsumeTimeout, s.opts.ConsumeAttempts, func(ctx context.Context) (*domain.ConsumeReply, error) {
		return s.signaler.Consume(ctx, domain.ConsumeRequest{
			RoomID:          s.roomID,
			TransportID:     transport.ID(),
			ProducerID:      info.ProducerID,
			RtpCapabilities: s.device.RtpCapabilities(),
			PreferredLayers: layers,
		})
	})
	if err != nil {
		rollback()
		return fmt.Errorf("consume %s: %w", info.ProducerID, err)
	}

	consumer, err := transport.Consume(domain.ConsumerOptions{
		ConsumerID:    reply.ConsumerID,
		ProducerID:    info.ProducerID,
		Kind:          reply.Kind,
		RtpParameters: reply.RtpParameters,
	})
	if err != nil {
		rollback()
		return fmt.Errorf("attach consumer %s: %w", reply.ConsumerID, err)
	}

	// Resume failures are non-fatal: some servers auto-resume.
	if err := retry.DoVoid(ctx, s.opts.ResumeTimeout, s.opts.ResumeAttempts, func(ctx context.Context) error {
		return s.signaler.ResumeConsumer(ctx, s.roomID, reply.ConsumerID)
	}); err != nil {
		s.log.Warn("Resume failed, relying on server auto-resume",
			"consumer_id", reply.ConsumerID, "error", err)
	}

	kind := reply.Kind
	if kind == "" {
		kind = info.Kind
	}

	s.mu.Lock()
	if gen != s.generation {
		// The session stopped while this consume was in flight.
		s.mu.Unlock()
		consumer.Close()
		return domain.ErrSessionStopped
	}

	owner := s.resolveOwnerLocked(info)
	s.consumers[info.ProducerID] = consumer

	stream, ok := s.streams[owner.SocketID]
	if !ok {
		stream = &domain.MediaParticipantStream{
			SocketID: owner.SocketID,
			SellerID: owner.SellerID,
			Username: owner.Username,
			IsHost:   !s.hostAssigned,
		}
		s.hostAssigned = true
		s.streams[owner.SocketID] = stream
	}

	switch kind {
	case domain.MediaAudio:
		s.replaceProducerLocked(stream.AudioProducerID, info.ProducerID)
		stream.AudioProducerID = info.ProducerID
		stream.AudioTrack = consumer.Track()
	default:
		s.replaceProducerLocked(stream.VideoProducerID, info.ProducerID)
		stream.VideoProducerID = info.ProducerID
		stream.VideoTrack = consumer.Track()
	}
	stream.Rebuild()
	s.mu.Unlock()

	s.log.Info("Consumed producer", "producer_id", info.ProducerID,
		"consumer_id", reply.ConsumerID, "kind", kind, "socket_id", owner.SocketID)
	s.notifyStreamsChanged()
	return nil
}

// replaceProducerLocked closes the consumer of a producer being replaced
// on the same stream slot. Caller holds s.mu.
func (s *MediaSession) replaceProducerLocked(oldProducerID, newProducerID string) {
	if oldProducerID == "" || oldProducerID == newProducerID {
		return
	}
	if c, ok := s.consumers[oldProducerID]; ok {
		c.Close()
		delete(s.consumers, oldProducerID)
	}
	delete(s.consumed, oldProducerID)
	delete(s.owners, oldProducerID)
}

// ensureTransport returns the shared receive transport, creating it on
// first use. A transport whose connection state reaches failed is dropped
// so the next consume recreates it.
func (s *MediaSession) ensureTransport(ctx context.Context) (domain.RecvTransport, error) {
	s.transportMu.Lock()
	defer s.transportMu.Unlock()

	s.mu.Lock()
	existing := s.transport
	s.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	if !s.device.Loaded() {
		return nil, domain.ErrDeviceNotLoaded
	}

	params, err := retry.Do(ctx, s.opts.ConsumeTimeout, s.opts.ConsumeAttempts, func(ctx context.Context) (*domain.TransportParams, error) {
		return s.signaler.CreateConsumerTransport(ctx, s.roomID)
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	transport, err := s.device.CreateRecvTransport(*params, func(dtls json.RawMessage) error {
		return retry.DoVoid(context.Background(), s.opts.ConsumeTimeout, s.opts.ConsumeAttempts, func(ctx context.Context) error {
			return s.signaler.ConnectConsumerTransport(ctx, s.roomID, params.ID, dtls)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create recv transport: %w", err)
	}

	transport.OnConnectionStateChange(func(state string) {
		if state == "failed" {
			s.log.Warn("Consumer transport failed, dropping", "transport_id", transport.ID())
			s.dropTransport(transport)
		}
	})

	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()
	return transport, nil
}

func (s *MediaSession) dropTransport(t domain.RecvTransport) {
	s.mu.Lock()
	if s.transport == t {
		s.transport = nil
	}
	s.mu.Unlock()
	t.Close()
}

// resolveOwnerLocked attributes a producer: tracked map first, then the
// socket id embedded in the announcement, then a key synthesized from the
// producer id with UnknownParticipant details. Caller holds s.mu.
func (s *MediaSession) resolveOwnerLocked(info domain.ProducerInfo) domain.ParticipantInfo {
	if owner, ok := s.owners[info.ProducerID]; ok && owner.SocketID != "" {
		return owner
	}

	if info.SocketID != "" {
		owner := domain.ParticipantInfo{SocketID: info.SocketID}
		if meta, ok := s.owners[info.ProducerID]; ok {
			owner.SellerID = meta.SellerID
			owner.Username = meta.Username
		}
		s.owners[info.ProducerID] = owner
		return owner
	}

	owner := domain.UnknownParticipant
	owner.SocketID = "peer-" + info.ProducerID
	s.owners[info.ProducerID] = owner
	return owner
}

func (s *MediaSession) notifyStreamsChanged() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(s.Streams())
	}
}
