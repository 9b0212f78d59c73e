package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/internal/timeutil"
	"github.com/luxury-yacht/pulse/backend/stream"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

// Options configures a live time-series client.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host/api/v1/timeseries/live.
	URL string

	// Resolution is "hi" or "lo"; empty defaults to "lo".
	Resolution string

	// Since bounds the buffers, e.g. "15m". Empty uses the resolution's
	// full retention. An unparsable value is a configuration error.
	Since string

	// Series is the desired key set. Keys the advertised capabilities
	// cannot serve are filtered before subscribing; the server stays the
	// authority on acceptance.
	Series []string

	// ChunkSize bounds keys per subscribe frame. Halved after a 1009
	// close, never below one.
	ChunkSize int

	HelloTimeout      time.Duration
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration

	Logger capabilities.Logger
	Dialer *websocket.Dialer

	// NewGroupID overrides group id generation in tests.
	NewGroupID func() string
}

// Client maintains a live subscription to the time-series endpoint,
// reconnecting with jittered exponential backoff and folding traffic into
// a bounded reducer.
type Client struct {
	opts    Options
	res     timeseries.Resolution
	window  time.Duration
	reducer *Reducer

	mu        sync.Mutex
	chunkSize int
	state     ConnectionState
	lastErr   string
	caps      capabilities.Capabilities
	sawHello  bool
	accepted  map[string]bool
	rejected  map[string]string
	groups    map[string][]string

	runOnce sync.Once
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates the options and builds a client. It does not connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("endpoint url is required")
	}
	if len(opts.Series) == 0 {
		return nil, errors.New("at least one series key is required")
	}

	res, err := timeseries.ParseResolution(opts.Resolution)
	if err != nil {
		return nil, err
	}

	window := config.LoResRetention
	if res == timeseries.ResolutionHi {
		window = config.HiResRetention
	}
	if opts.Since != "" {
		window, err = timeutil.ParseWindow(opts.Since)
		if err != nil {
			return nil, err
		}
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = config.ClientDefaultChunkSize
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = config.ClientHelloTimeout
	}
	if opts.MinReconnectDelay <= 0 {
		opts.MinReconnectDelay = config.ClientReconnectMinDelay
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = config.ClientReconnectMaxDelay
	}
	if opts.Logger == nil {
		opts.Logger = capabilities.NoopLogger()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewGroupID == nil {
		opts.NewGroupID = uuid.NewString
	}

	return &Client{
		opts:      opts,
		res:       res,
		window:    window,
		reducer:   NewReducer(window),
		chunkSize: opts.ChunkSize,
		state:     StateIdle,
		accepted:  make(map[string]bool),
		rejected:  make(map[string]string),
		groups:    make(map[string][]string),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the connection loop in the background until Close or context
// cancellation. Calling Start after Close is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.runOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		go func() {
			defer close(c.done)
			c.run(runCtx)
		}()
	})
}

// Close stops the connection loop and waits for it to exit. Safe to call
// before Start and more than once.
func (c *Client) Close() {
	// Consume the start slot so a never-started client terminates here
	// instead of waiting on a run loop that will never exist.
	c.runOnce.Do(func() {
		c.setState(StateClosed, "")
		close(c.done)
	})

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-c.done
}

// run reconnects with jittered exponential backoff until cancelled.
func (c *Client) run(ctx context.Context) {
	retry := &backoff.Backoff{
		Min:    c.opts.MinReconnectDelay,
		Max:    c.opts.MaxReconnectDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		c.setState(StateConnecting, "")

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed, "")
			return
		}

		if websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
			c.halveChunkSize()
		}
		if c.helloSeen() {
			retry.Reset()
		}

		delay := retry.Duration()
		c.setState(StateBackoff, errString(err))
		c.opts.Logger.Warn(fmt.Sprintf("timeseries client: connection lost, retrying in %s: %v", delay, err), "TimeseriesClient")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setState(StateClosed, "")
			return
		}
	}
}

// session dials, waits for hello, issues chunked subscribes, and folds
// messages until the connection fails.
func (c *Client) session(ctx context.Context) error {
	c.mu.Lock()
	c.sawHello = false
	c.mu.Unlock()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Close the socket when the context ends so blocked reads unwind.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	caps, limits, err := c.awaitHello(conn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.caps = caps
	c.sawHello = true
	if limits != nil && limits.MaxSeriesPerSubscribe > 0 && c.chunkSize > limits.MaxSeriesPerSubscribe {
		c.chunkSize = limits.MaxSeriesPerSubscribe
	}
	chunkSize := c.chunkSize
	c.mu.Unlock()

	if err := c.subscribeAll(conn, caps, chunkSize); err != nil {
		return err
	}
	c.setState(StateOpen, "")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		// Malformed server frames are dropped; only transport errors end
		// the session and trigger a reconnect.
		var msg stream.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.opts.Logger.Warn(fmt.Sprintf("timeseries client: dropping malformed frame: %v", err), "TimeseriesClient")
			continue
		}
		c.handleMessage(msg)
	}
}

// awaitHello reads the first message, which must be a hello, within the
// configured timeout.
func (c *Client) awaitHello(conn *websocket.Conn) (capabilities.Capabilities, *stream.Limits, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.HelloTimeout)); err != nil {
		return capabilities.Capabilities{}, nil, err
	}

	var msg stream.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return capabilities.Capabilities{}, nil, fmt.Errorf("waiting for hello: %w", err)
	}
	if msg.Type != stream.MessageTypeHello {
		return capabilities.Capabilities{}, nil, fmt.Errorf("expected hello, got %q", msg.Type)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return capabilities.Capabilities{}, nil, err
	}

	caps := capabilities.Capabilities{}
	if msg.Capabilities != nil {
		caps = *msg.Capabilities
	}
	return caps, msg.Limits, nil
}

// subscribeAll filters doomed keys against the advertised capabilities and
// sends one subscribe per chunk, each under its own group id.
func (c *Client) subscribeAll(conn *websocket.Conn, caps capabilities.Capabilities, chunkSize int) error {
	keys := make([]string, 0, len(c.opts.Series))
	for _, key := range c.opts.Series {
		if err := timeseries.ValidateKey(key, caps.MetricsAPI, caps.SummaryAPI); err != nil {
			c.mu.Lock()
			c.rejected[key] = err.Error()
			c.mu.Unlock()
			c.opts.Logger.Debug(fmt.Sprintf("timeseries client: skipping %s: %v", key, err), "TimeseriesClient")
			continue
		}
		keys = append(keys, key)
	}

	c.mu.Lock()
	c.groups = make(map[string][]string)
	c.mu.Unlock()

	for _, chunk := range chunkKeys(keys, chunkSize) {
		groupID := c.opts.NewGroupID()
		msg := stream.ClientMessage{
			Type:    stream.MessageTypeSubscribe,
			GroupID: groupID,
			Res:     string(c.res),
			Since:   timeutil.FormatWindow(c.window),
			Series:  chunk,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		c.mu.Lock()
		c.groups[groupID] = chunk
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) handleMessage(msg stream.ServerMessage) {
	switch msg.Type {
	case stream.MessageTypeAck:
		c.mu.Lock()
		for _, key := range msg.Accepted {
			c.accepted[key] = true
			delete(c.rejected, key)
		}
		for _, rejection := range msg.Rejected {
			delete(c.accepted, rejection.Key)
			c.rejected[rejection.Key] = rejection.Reason
		}
		c.mu.Unlock()
	case stream.MessageTypeInit:
		if msg.Data != nil {
			c.reducer.ApplyInit(msg.Data.Series)
		}
	case stream.MessageTypeAppend:
		if msg.Point != nil {
			c.reducer.ApplyAppend(msg.Key, *msg.Point)
		}
	case stream.MessageTypeError:
		c.mu.Lock()
		c.lastErr = msg.Error
		c.mu.Unlock()
		c.opts.Logger.Warn(fmt.Sprintf("timeseries client: server error: %s", msg.Error), "TimeseriesClient")
	case stream.MessageTypeHeartbeat:
		// Keepalive only.
	}
}

// Reducer exposes the folded buffers.
func (c *Client) Reducer() *Reducer { return c.reducer }

// Snapshot returns a copy of the current buffers.
func (c *Client) Snapshot() map[string][]timeseries.Point {
	return c.reducer.Snapshot()
}

// Capabilities returns the flags from the most recent hello.
func (c *Client) Capabilities() capabilities.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Status reports the connection lifecycle for rendering loading and error
// states.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.state,
		Connected: c.state == StateOpen,
		LastError: c.lastErr,
	}
}

// Accepted reports keys the server has acknowledged.
func (c *Client) Accepted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.accepted))
	for key := range c.accepted {
		keys = append(keys, key)
	}
	return keys
}

// Rejected reports keys refused either client-side or by the server,
// with reasons.
func (c *Client) Rejected() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.rejected))
	for key, reason := range c.rejected {
		out[key] = reason
	}
	return out
}

// ChunkSize reports the current batch bound, visible for diagnostics.
func (c *Client) ChunkSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkSize
}

func (c *Client) halveChunkSize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunkSize /= 2
	if c.chunkSize < 1 {
		c.chunkSize = 1
	}
	c.opts.Logger.Warn(fmt.Sprintf("timeseries client: subscribe frame too big, reducing batch to %d keys", c.chunkSize), "TimeseriesClient")
}

func (c *Client) helloSeen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sawHello
}

func (c *Client) setState(state ConnectionState, lastErr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
