package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/internal/timeutil"
	"github.com/luxury-yacht/pulse/backend/telemetry"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

type session struct {
	conn         wsConn
	store        *timeseries.Store
	capabilities CapabilityProber
	logger       capabilities.Logger
	telemetry    *telemetry.Recorder
	streamName   string
	clusterOnly  bool

	mu        sync.Mutex
	groups    map[string]*sessionGroup
	outgoing  chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

type sessionGroup struct {
	res    timeseries.Resolution
	window time.Duration
	keys   []string
	sub    *timeseries.Subscription
}

func newSession(conn wsConn, h *Handler) *session {
	return &session{
		conn:         conn,
		store:        h.store,
		capabilities: h.capabilities,
		logger:       h.logger,
		telemetry:    h.telemetry,
		streamName:   h.streamName,
		clusterOnly:  h.clusterOnly,
		groups:       make(map[string]*sessionGroup),
		outgoing:     make(chan ServerMessage, config.StreamOutgoingBufferSize),
		done:         make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) {
	s.enqueue(s.helloMessage(ctx))
	go s.writeLoop(ctx)
	s.readLoop(ctx)
	s.shutdown()
}

// helloMessage advertises capabilities and server limits so clients can
// filter doomed keys and chunk subscriptions below the read limit.
func (s *session) helloMessage(ctx context.Context) ServerMessage {
	caps := capabilities.Capabilities{}
	if s.capabilities != nil {
		caps = s.capabilities.Probe(ctx)
	}
	return ServerMessage{
		Type:         MessageTypeHello,
		Capabilities: &caps,
		Limits: &Limits{
			MaxSeriesPerSubscribe: config.StreamMaxSeriesPerSubscribe,
			MaxMessageBytes:       config.StreamMaxMessageBytes,
		},
	}
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		for _, group := range s.groups {
			if group.sub != nil {
				group.sub.Cancel()
			}
		}
		s.groups = make(map[string]*sessionGroup)
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *session) readLoop(ctx context.Context) {
	// Oversized frames terminate the connection with close code 1009.
	s.conn.SetReadLimit(config.StreamMaxMessageBytes)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				s.logger.Warn(fmt.Sprintf("stream read error: %v", err), "Stream")
			}
			return
		}

		// A frame that fails to decode keeps the session alive; only
		// transport errors end the read loop.
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendError("", errors.New("malformed JSON payload"))
			continue
		}

		switch msg.Type {
		case MessageTypeSubscribe:
			s.handleSubscribe(ctx, msg)
		case MessageTypeUnsubscribe:
			s.handleUnsubscribe(msg)
		default:
			s.sendError(msg.GroupID, errors.New("unsupported request type"))
		}
	}
}

func (s *session) handleSubscribe(ctx context.Context, msg ClientMessage) {
	if msg.GroupID == "" {
		s.sendError(msg.GroupID, errors.New("groupId is required"))
		return
	}
	if len(msg.Series) == 0 {
		s.sendError(msg.GroupID, errors.New("series list is required"))
		return
	}
	if len(msg.Series) > config.StreamMaxSeriesPerSubscribe {
		s.sendError(msg.GroupID, fmt.Errorf("too many series keys in one subscribe (max %d)",
			config.StreamMaxSeriesPerSubscribe))
		return
	}

	res, err := timeseries.ParseResolution(msg.Res)
	if err != nil {
		s.sendError(msg.GroupID, err)
		return
	}

	window := retentionFor(res)
	if msg.Since != "" {
		window, err = timeutil.ParseWindow(msg.Since)
		if err != nil {
			s.sendError(msg.GroupID, err)
			return
		}
	}

	caps := capabilities.Capabilities{}
	if s.capabilities != nil {
		caps = s.capabilities.Probe(ctx)
	}

	accepted := make([]string, 0, len(msg.Series))
	rejected := []Rejection(nil)
	seen := make(map[string]bool, len(msg.Series))
	for _, key := range msg.Series {
		if seen[key] {
			rejected = append(rejected, Rejection{Key: key, Reason: "duplicate series key"})
			continue
		}
		seen[key] = true
		if s.clusterOnly && timeseries.KeyScope(key) != "cluster" {
			rejected = append(rejected, Rejection{Key: key, Reason: "endpoint serves cluster keys only"})
			continue
		}
		if err := timeseries.ValidateKey(key, caps.MetricsAPI, caps.SummaryAPI); err != nil {
			rejected = append(rejected, Rejection{Key: key, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, key)
	}

	var sub *timeseries.Subscription
	if len(accepted) > 0 {
		sub = s.store.Subscribe(res, accepted, config.StreamSubscriberBufferSize)
	}

	// A new subscribe on an existing groupId supersedes the old key set.
	s.mu.Lock()
	if existing := s.groups[msg.GroupID]; existing != nil && existing.sub != nil {
		existing.sub.Cancel()
	}
	s.groups[msg.GroupID] = &sessionGroup{
		res:    res,
		window: window,
		keys:   accepted,
		sub:    sub,
	}
	s.mu.Unlock()

	s.enqueue(ServerMessage{
		Type:     MessageTypeAck,
		GroupID:  msg.GroupID,
		Accepted: accepted,
		Rejected: rejected,
	})

	// Snapshot after subscribing so no point falls between init and the
	// live feed. A point caught by both is a no-op on the client side.
	snapshot := map[string][]timeseries.Point{}
	if len(accepted) > 0 {
		snapshot = s.store.Snapshot(res, accepted, window)
	}
	s.enqueue(ServerMessage{
		Type:    MessageTypeInit,
		GroupID: msg.GroupID,
		Data:    &InitData{Series: snapshot},
	})

	if sub != nil {
		go s.forwardGroup(sub)
	}
}

func (s *session) handleUnsubscribe(msg ClientMessage) {
	if msg.GroupID == "" {
		s.sendError(msg.GroupID, errors.New("groupId is required"))
		return
	}
	s.mu.Lock()
	group := s.groups[msg.GroupID]
	delete(s.groups, msg.GroupID)
	s.mu.Unlock()
	if group == nil || group.sub == nil {
		return
	}
	group.sub.Cancel()
}

func (s *session) forwardGroup(sub *timeseries.Subscription) {
	for {
		select {
		case update, ok := <-sub.Updates:
			if !ok {
				return
			}
			point := update.Point
			s.enqueue(ServerMessage{
				Type:  MessageTypeAppend,
				Key:   update.Key,
				Point: &point,
			})
		case <-s.done:
			return
		}
	}
}

func (s *session) enqueue(msg ServerMessage) {
	select {
	case s.outgoing <- msg:
	default:
		s.handleBackpressure(msg)
	}
}

// handleBackpressure sheds load when the client cannot keep up. Heartbeats
// are dropped outright; data messages evict the oldest queued message so
// the stream stays current rather than stalling.
func (s *session) handleBackpressure(msg ServerMessage) {
	if msg.Type == MessageTypeHeartbeat {
		s.logger.Warn("stream: outgoing buffer full, dropping heartbeat", "Stream")
		return
	}

	select {
	case <-s.outgoing:
	default:
	}
	if s.telemetry != nil {
		s.telemetry.RecordStreamDelivery(s.streamName, 0, 1)
	}

	select {
	case s.outgoing <- msg:
	default:
		s.logger.Warn("stream: outgoing buffer full, dropping message", "Stream")
	}
}

func (s *session) writeLoop(ctx context.Context) {
	heartbeat := time.NewTicker(config.StreamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg := <-s.outgoing:
			if err := s.writeMessage(msg); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := s.writeMessage(ServerMessage{Type: MessageTypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (s *session) writeMessage(msg ServerMessage) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(config.StreamWriteTimeout)); err != nil {
		s.logger.Warn(fmt.Sprintf("stream: write deadline failed: %v", err), "Stream")
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		if !isExpectedStreamCloseError(err) {
			s.logger.Warn(fmt.Sprintf("stream write error: %v", err), "Stream")
			if s.telemetry != nil {
				s.telemetry.RecordStreamError(s.streamName, err)
			}
		}
		s.shutdown()
		return err
	}
	if s.telemetry != nil && (msg.Type == MessageTypeInit || msg.Type == MessageTypeAppend) {
		s.telemetry.RecordStreamDelivery(s.streamName, 1, 0)
	}
	return nil
}

func (s *session) sendError(groupID string, err error) {
	if err == nil {
		err = errors.New("stream error")
	}
	s.enqueue(ServerMessage{
		Type:    MessageTypeError,
		GroupID: groupID,
		Error:   err.Error(),
	})
}

func retentionFor(res timeseries.Resolution) time.Duration {
	if res == timeseries.ResolutionHi {
		return config.HiResRetention
	}
	return config.LoResRetention
}
