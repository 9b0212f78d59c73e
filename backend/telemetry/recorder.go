package telemetry

import (
	"sync"
	"time"
)

// SamplerStatus captures sampler health.
type SamplerStatus struct {
	LastCollected       int64  `json:"lastCollected"`
	LastDurationMs      int64  `json:"lastDurationMs"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastError           string `json:"lastError,omitempty"`
	SuccessCount        uint64 `json:"successCount"`
	FailureCount        uint64 `json:"failureCount"`
	Active              bool   `json:"active"`
}

// StreamStatus captures health metrics for a streaming endpoint.
type StreamStatus struct {
	Name            string `json:"name"`
	ActiveSessions  int    `json:"activeSessions"`
	TotalMessages   uint64 `json:"totalMessages"`
	DroppedMessages uint64 `json:"droppedMessages"`
	ErrorCount      uint64 `json:"errorCount"`
	LastConnect     int64  `json:"lastConnect"`
	LastEvent       int64  `json:"lastEvent"`
	LastError       string `json:"lastError,omitempty"`
}

// Summary aggregates the telemetry story for the health endpoint.
type Summary struct {
	Sampler SamplerStatus  `json:"sampler"`
	Streams []StreamStatus `json:"streams"`
}

// Stream name identifiers used across the telemetry contract.
const (
	StreamLive       = "timeseries-live"
	StreamLegacyLive = "timeseries-cluster-live"
)

// Recorder collects sampler and stream telemetry in-memory.
type Recorder struct {
	mu      sync.RWMutex
	sampler SamplerStatus
	streams map[string]*StreamStatus
}

// NewRecorder returns an empty telemetry recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		streams: make(map[string]*StreamStatus),
	}
}

// RecordSample logs a sampler collection outcome.
func (r *Recorder) RecordSample(duration time.Duration, collectedAt time.Time, err error, consecutiveFailures int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sampler.LastDurationMs = duration.Milliseconds()
	r.sampler.ConsecutiveFailures = consecutiveFailures
	if err != nil {
		r.sampler.LastError = err.Error()
		r.sampler.FailureCount++
	} else {
		r.sampler.LastError = ""
		r.sampler.SuccessCount++
	}
	if !collectedAt.IsZero() {
		r.sampler.LastCollected = collectedAt.UnixMilli()
	}
}

// RecordSamplerActive tracks whether the sampler loop is currently running.
func (r *Recorder) RecordSamplerActive(active bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sampler.Active = active
}

// RecordStreamConnect increments the active session count for a stream.
func (r *Recorder) RecordStreamConnect(name string) {
	r.updateStream(name, func(status *StreamStatus) {
		status.ActiveSessions++
		status.LastConnect = time.Now().UnixMilli()
	})
}

// RecordStreamDisconnect decrements the active session count for a stream.
func (r *Recorder) RecordStreamDisconnect(name string) {
	r.updateStream(name, func(status *StreamStatus) {
		if status.ActiveSessions > 0 {
			status.ActiveSessions--
		}
	})
}

// RecordStreamDelivery captures successful deliveries and throttled drops.
func (r *Recorder) RecordStreamDelivery(name string, delivered, dropped int) {
	if delivered <= 0 && dropped <= 0 {
		return
	}
	r.updateStream(name, func(status *StreamStatus) {
		now := time.Now().UnixMilli()
		if delivered > 0 {
			status.TotalMessages += uint64(delivered)
			status.LastEvent = now
			if dropped <= 0 && status.LastError == "subscriber backlog" {
				status.LastError = ""
			}
		}
		if dropped > 0 {
			status.DroppedMessages += uint64(dropped)
			status.ErrorCount++
			status.LastError = "subscriber backlog"
			status.LastEvent = now
		}
	})
}

// RecordStreamError captures an error emitted while serving a stream.
func (r *Recorder) RecordStreamError(name string, err error) {
	if err == nil {
		return
	}
	r.updateStream(name, func(status *StreamStatus) {
		status.ErrorCount++
		status.LastError = err.Error()
	})
}

func (r *Recorder) updateStream(name string, fn func(*StreamStatus)) {
	if r == nil || name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.streams[name]
	if !ok {
		status = &StreamStatus{Name: name}
		r.streams[name] = status
	}

	fn(status)
}

// SnapshotSummary returns a copy of the current telemetry summary.
func (r *Recorder) SnapshotSummary() Summary {
	if r == nil {
		return Summary{Streams: []StreamStatus{}}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Summary{
		Sampler: r.sampler,
		Streams: make([]StreamStatus, 0, len(r.streams)),
	}
	for _, value := range r.streams {
		out.Streams = append(out.Streams, *value)
	}
	return out
}
