package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/internal/timeutil"
	"github.com/luxury-yacht/pulse/backend/sampler"
	"github.com/luxury-yacht/pulse/backend/telemetry"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

const (
	// CorrelationIDHeader is the HTTP header used for request correlation.
	CorrelationIDHeader = "X-Correlation-ID"
)

var errSeriesNotSpecified = errors.New("series not specified")

// SamplerStatus reports the sampler's view of its own health.
type SamplerStatus interface {
	Metadata() sampler.Metadata
}

// Server exposes the REST fallback for clients that cannot hold a
// websocket, plus a health endpoint.
type Server struct {
	store        *timeseries.Store
	capabilities *capabilities.Service
	sampler      SamplerStatus
	telemetry    *telemetry.Recorder
}

// NewServer constructs an API server instance.
func NewServer(
	store *timeseries.Store,
	caps *capabilities.Service,
	samplerStatus SamplerStatus,
	recorder *telemetry.Recorder,
) *Server {
	return &Server{
		store:        store,
		capabilities: caps,
		sampler:      samplerStatus,
		telemetry:    recorder,
	}
}

// Register attaches the API routes to the provided mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/timeseries/cluster", s.handleClusterSnapshot)
	mux.HandleFunc("/api/v1/timeseries/health", s.handleHealth)
}

// snapshotResponse is the REST fallback payload: the same series data a
// websocket init would carry, plus the capability flags from hello.
type snapshotResponse struct {
	Series       map[string][]timeseries.Point `json:"series"`
	Capabilities capabilities.Capabilities     `json:"capabilities"`
}

func (s *Server) handleClusterSnapshot(w http.ResponseWriter, r *http.Request) {
	if !applyCORS(w, r, http.MethodGet) {
		return
	}

	correlationID := getCorrelationID(r)

	if r.Method != http.MethodGet {
		setCorrelationID(w, correlationID)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rawSeries := r.URL.Query().Get("series")
	if rawSeries == "" {
		writeError(w, http.StatusBadRequest, errSeriesNotSpecified, correlationID)
		return
	}

	res, err := timeseries.ParseResolution(r.URL.Query().Get("res"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err, correlationID)
		return
	}

	window := config.LoResRetention
	if res == timeseries.ResolutionHi {
		window = config.HiResRetention
	}
	if since := r.URL.Query().Get("since"); since != "" {
		window, err = timeutil.ParseWindow(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, err, correlationID)
			return
		}
	}

	caps := capabilities.Capabilities{}
	if s.capabilities != nil {
		caps = s.capabilities.Probe(r.Context())
	}

	// Invalid keys are dropped from the response rather than failing the
	// whole request; REST callers have no rejected list to read.
	keys := make([]string, 0, 8)
	for _, key := range strings.Split(rawSeries, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := timeseries.ValidateKey(key, caps.MetricsAPI, caps.SummaryAPI); err != nil {
			continue
		}
		keys = append(keys, key)
	}

	response := snapshotResponse{
		Series:       map[string][]timeseries.Point{},
		Capabilities: caps,
	}
	if len(keys) > 0 && s.store != nil {
		response.Series = s.store.Snapshot(res, keys, window)
	}

	setCorrelationID(w, correlationID)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		writeError(w, http.StatusInternalServerError, err, correlationID)
	}
}

// healthResponse combines stream telemetry with the sampler's status.
type healthResponse struct {
	Telemetry telemetry.Summary `json:"telemetry"`
	Sampler   samplerHealth     `json:"sampler"`
}

type samplerHealth struct {
	CollectedAge        string `json:"collectedAge"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
	SuccessCount        uint64 `json:"successCount"`
	FailureCount        uint64 `json:"failureCount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !applyCORS(w, r, http.MethodGet) {
		return
	}

	correlationID := getCorrelationID(r)
	setCorrelationID(w, correlationID)

	response := healthResponse{}
	if s.telemetry != nil {
		response.Telemetry = s.telemetry.SnapshotSummary()
	}
	if s.sampler != nil {
		meta := s.sampler.Metadata()
		response.Sampler = samplerHealth{
			CollectedAge:        timeutil.FormatAge(meta.CollectedAt),
			ConsecutiveFailures: meta.ConsecutiveFailures,
			LastError:           meta.LastError,
			SuccessCount:        meta.SuccessCount,
			FailureCount:        meta.FailureCount,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// getCorrelationID extracts the correlation ID from the request header or generates a new one.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get(CorrelationIDHeader); id != "" {
		return id
	}
	return uuid.NewString()[:8] // Short 8-char ID for readability
}

// setCorrelationID sets the correlation ID on the response header.
func setCorrelationID(w http.ResponseWriter, correlationID string) {
	if correlationID != "" {
		w.Header().Set(CorrelationIDHeader, correlationID)
	}
}

func writeError(w http.ResponseWriter, status int, err error, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	setCorrelationID(w, correlationID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId,omitempty"`
	}{
		Code:          http.StatusText(status),
		Message:       err.Error(),
		CorrelationID: correlationID,
	})
}

func applyCORS(w http.ResponseWriter, r *http.Request, allowedMethods ...string) bool {
	origin := r.Header.Get("Origin")
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}

	if r.Method == http.MethodOptions {
		allowMethods := strings.Join(append(allowedMethods, http.MethodOptions), ", ")
		w.Header().Set("Access-Control-Allow-Methods", allowMethods)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}
