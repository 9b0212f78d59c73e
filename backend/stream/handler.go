package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/telemetry"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

// CapabilityProber reports which metric sources the cluster exposes.
type CapabilityProber interface {
	Probe(ctx context.Context) capabilities.Capabilities
}

// Config captures the dependencies for a live time-series endpoint.
type Config struct {
	Store        *timeseries.Store
	Capabilities CapabilityProber
	Logger       capabilities.Logger
	Telemetry    *telemetry.Recorder
	StreamName   string

	// ClusterOnly restricts subscriptions to cluster-scoped series keys.
	// Used by the deprecated per-scope endpoint.
	ClusterOnly bool
}

// Handler exposes a websocket endpoint that streams time-series updates.
type Handler struct {
	store        *timeseries.Store
	capabilities CapabilityProber
	logger       capabilities.Logger
	telemetry    *telemetry.Recorder
	streamName   string
	clusterOnly  bool
	upgrader     websocket.Upgrader
}

// NewHandler constructs a live time-series websocket handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("time-series store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = capabilities.NoopLogger()
	}
	if cfg.StreamName == "" {
		return nil, errors.New("stream name is required")
	}
	return &Handler{
		store:        cfg.Store,
		capabilities: cfg.Capabilities,
		logger:       cfg.Logger,
		telemetry:    cfg.Telemetry,
		streamName:   cfg.StreamName,
		clusterOnly:  cfg.ClusterOnly,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.StreamReadBufferSize,
			WriteBufferSize: config.StreamWriteBufferSize,
			// Prevent slow or stalled websocket upgrades from hanging indefinitely.
			HandshakeTimeout: config.StreamHandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP upgrades the connection and serves the subscription protocol.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("stream upgrade failed: %v", err), "Stream")
		return
	}

	if h.telemetry != nil {
		h.telemetry.RecordStreamConnect(h.streamName)
		defer h.telemetry.RecordStreamDisconnect(h.streamName)
	}

	session := newSession(conn, h)
	session.run(r.Context())
}

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetReadLimit(int64)
	SetWriteDeadline(time.Time) error
	Close() error
}

// Normal client departures close the websocket without a close status or
// after we send a close.
func isExpectedStreamCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
