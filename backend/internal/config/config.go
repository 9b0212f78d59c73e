/*
 * backend/internal/config/config.go
 *
 * Timing and sizing knobs used across the pulse sampling and streaming
 * subsystems.
 */

package config

import "time"

// Sampling cadence.
const (
	// SamplerTickInterval is the base cadence of the sampler loop. Individual
	// collectors gate themselves on the coarser intervals below.
	SamplerTickInterval = 1 * time.Second

	// SamplerResourceInterval controls how often metrics.k8s.io is polled for
	// node and pod CPU/memory usage.
	SamplerResourceInterval = 15 * time.Second

	// SamplerCapacityInterval controls how often node capacities are refreshed
	// from the core API.
	SamplerCapacityInterval = 30 * time.Second

	// SamplerSummaryInterval controls how often the kubelet Summary API is
	// scraped for network counters. The Summary API is the most expensive
	// source, so it runs on the slowest cadence.
	SamplerSummaryInterval = 30 * time.Second

	// SamplerStateInterval controls how often pod phase counts are reconciled
	// from the core API.
	SamplerStateInterval = 60 * time.Second

	// SamplerInitialBackoff defines the first retry delay when a metrics list
	// call fails.
	SamplerInitialBackoff = 500 * time.Millisecond

	// SamplerMaxBackoff caps retry delays when metrics calls fail repeatedly.
	SamplerMaxBackoff = 2 * time.Minute

	// SamplerMaxRetry bounds retries within a single collection pass.
	SamplerMaxRetry = 5

	// SamplerJitterFactor spreads retry delays to avoid thundering herds.
	SamplerJitterFactor = 0.2

	// SamplerSummaryConcurrency bounds concurrent kubelet summary scrapes.
	SamplerSummaryConcurrency = 4
)

// Series retention.
const (
	// HiResStep is the nominal spacing of high-resolution samples.
	HiResStep = 1 * time.Second

	// LoResStep is the nominal spacing of low-resolution samples. Points are
	// downsampled into the lo-res buffer as they arrive.
	LoResStep = 10 * time.Second

	// HiResRetention bounds the high-resolution window.
	HiResRetention = 15 * time.Minute

	// LoResRetention bounds the low-resolution window.
	LoResRetention = 60 * time.Minute

	// StorePruneInterval is the cadence of the background prune sweep.
	StorePruneInterval = 30 * time.Second
)

// Live stream limits.
const (
	// StreamHeartbeatInterval defines how often heartbeat frames are written
	// to idle live-stream sessions.
	StreamHeartbeatInterval = 15 * time.Second

	// StreamWriteTimeout bounds individual websocket writes.
	StreamWriteTimeout = 10 * time.Second

	// StreamHandshakeTimeout bounds websocket upgrade handshakes.
	StreamHandshakeTimeout = 45 * time.Second

	// StreamReadBufferSize and StreamWriteBufferSize size the websocket
	// buffers for live-stream sessions.
	StreamReadBufferSize  = 4096
	StreamWriteBufferSize = 4096

	// StreamMaxMessageBytes caps inbound frames. Subscribe payloads above this
	// limit terminate the connection with close code 1009, so clients must
	// chunk large key sets.
	StreamMaxMessageBytes = 2048

	// StreamMaxSeriesPerSubscribe caps the key count of a single subscribe
	// request, advertised to clients in the hello message.
	StreamMaxSeriesPerSubscribe = 32

	// StreamOutgoingBufferSize buffers per-session outgoing messages.
	StreamOutgoingBufferSize = 256

	// StreamSubscriberBufferSize buffers store updates per session before
	// backpressure handling kicks in.
	StreamSubscriberBufferSize = 256
)

// Client behaviour.
const (
	// ClientDefaultChunkSize is the default number of series keys per
	// subscribe request. Empirically safe against the server frame limit.
	ClientDefaultChunkSize = 12

	// ClientReconnectMinDelay and ClientReconnectMaxDelay bound the jittered
	// exponential reconnect backoff.
	ClientReconnectMinDelay = 500 * time.Millisecond
	ClientReconnectMaxDelay = 30 * time.Second

	// ClientHelloTimeout bounds the wait for the server hello after dialing.
	ClientHelloTimeout = 10 * time.Second

	// ClientRequestTimeout is the HTTP timeout for the REST fallback.
	ClientRequestTimeout = 30 * time.Second
)

// Cold archive.
const (
	// ArchiveFlushInterval controls how often lo-res points are persisted.
	ArchiveFlushInterval = 30 * time.Second

	// ArchiveGCInterval controls how often expired archive blocks are removed.
	ArchiveGCInterval = 5 * time.Minute

	// ArchiveRetention bounds how far back archived points are kept. Kept
	// longer than the in-memory window so restarts can backfill fully.
	ArchiveRetention = 2 * time.Hour
)

// KubeconfigWatcherDebounce coalesces bursts of kubeconfig file events
// before clients are rebuilt.
const KubeconfigWatcherDebounce = 500 * time.Millisecond
