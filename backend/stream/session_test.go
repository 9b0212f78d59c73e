package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/internal/config"
	"github.com/luxury-yacht/pulse/backend/telemetry"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

type stubConn struct{}

func (stubConn) ReadMessage() (int, []byte, error) { return 0, nil, nil }
func (stubConn) WriteJSON(interface{}) error       { return nil }
func (stubConn) SetReadLimit(int64)                {}
func (stubConn) SetWriteDeadline(time.Time) error  { return nil }
func (stubConn) Close() error                      { return nil }

type stubProber struct {
	caps capabilities.Capabilities
}

func (p stubProber) Probe(context.Context) capabilities.Capabilities { return p.caps }

func newTestSession(t *testing.T, store *timeseries.Store, caps capabilities.Capabilities, clusterOnly bool) *session {
	t.Helper()
	handler, err := NewHandler(Config{
		Store:        store,
		Capabilities: stubProber{caps: caps},
		Telemetry:    telemetry.NewRecorder(),
		StreamName:   "timeseries-live",
		ClusterOnly:  clusterOnly,
	})
	require.NoError(t, err)
	return newSession(stubConn{}, handler)
}

func nextMessage(t *testing.T, s *session) ServerMessage {
	t.Helper()
	select {
	case msg := <-s.outgoing:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing message")
		return ServerMessage{}
	}
}

func TestSessionSubscribeAcksAndInits(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	now := time.Now()
	store.Append(timeseries.ClusterCPUUsedCores, timeseries.Point{T: now.Add(-2 * time.Second), V: 1.5})
	store.Append(timeseries.ClusterCPUUsedCores, timeseries.Point{T: now.Add(-time.Second), V: 2.5})

	s := newTestSession(t, store, capabilities.Capabilities{MetricsAPI: true}, false)
	s.handleSubscribe(context.Background(), ClientMessage{
		Type:    MessageTypeSubscribe,
		GroupID: "g1",
		Res:     "hi",
		Since:   "15m",
		Series: []string{
			timeseries.ClusterCPUUsedCores,
			timeseries.ClusterNetRxBps,
			"bogus.key",
		},
	})

	ack := nextMessage(t, s)
	require.Equal(t, MessageTypeAck, ack.Type)
	require.Equal(t, "g1", ack.GroupID)
	require.Equal(t, []string{timeseries.ClusterCPUUsedCores}, ack.Accepted)
	require.Len(t, ack.Rejected, 2)
	reasons := map[string]string{}
	for _, rejection := range ack.Rejected {
		reasons[rejection.Key] = rejection.Reason
	}
	require.Equal(t, "summary API unavailable", reasons[timeseries.ClusterNetRxBps])
	require.Equal(t, "unknown series key", reasons["bogus.key"])

	init := nextMessage(t, s)
	require.Equal(t, MessageTypeInit, init.Type)
	require.Equal(t, "g1", init.GroupID)
	require.NotNil(t, init.Data)
	require.Len(t, init.Data.Series[timeseries.ClusterCPUUsedCores], 2)
	require.Equal(t, 2.5, init.Data.Series[timeseries.ClusterCPUUsedCores][1].V)
}

func TestSessionSubscribeForwardsAppends(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{MetricsAPI: true}, false)

	s.handleSubscribe(context.Background(), ClientMessage{
		Type:    MessageTypeSubscribe,
		GroupID: "g1",
		Res:     "hi",
		Since:   "15m",
		Series:  []string{timeseries.ClusterCPUUsedCores},
	})
	nextMessage(t, s) // ack
	nextMessage(t, s) // init

	store.Append(timeseries.ClusterCPUUsedCores, timeseries.Point{T: time.Now(), V: 3.25})

	appendMsg := nextMessage(t, s)
	require.Equal(t, MessageTypeAppend, appendMsg.Type)
	require.Equal(t, timeseries.ClusterCPUUsedCores, appendMsg.Key)
	require.NotNil(t, appendMsg.Point)
	require.Equal(t, 3.25, appendMsg.Point.V)
}

func TestSessionResubscribeSupersedesGroup(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{MetricsAPI: true}, false)

	s.handleSubscribe(context.Background(), ClientMessage{
		Type:    MessageTypeSubscribe,
		GroupID: "g1",
		Res:     "hi",
		Series:  []string{timeseries.ClusterCPUUsedCores},
	})
	nextMessage(t, s)
	nextMessage(t, s)

	s.handleSubscribe(context.Background(), ClientMessage{
		Type:    MessageTypeSubscribe,
		GroupID: "g1",
		Res:     "hi",
		Series:  []string{timeseries.ClusterMemUsedBytes},
	})
	nextMessage(t, s)
	nextMessage(t, s)

	s.mu.Lock()
	require.Len(t, s.groups, 1)
	require.Equal(t, []string{timeseries.ClusterMemUsedBytes}, s.groups["g1"].keys)
	s.mu.Unlock()

	// The superseded subscription no longer delivers updates for its keys.
	store.Append(timeseries.ClusterCPUUsedCores, timeseries.Point{T: time.Now(), V: 1})
	store.Append(timeseries.ClusterMemUsedBytes, timeseries.Point{T: time.Now(), V: 42})

	msg := nextMessage(t, s)
	require.Equal(t, MessageTypeAppend, msg.Type)
	require.Equal(t, timeseries.ClusterMemUsedBytes, msg.Key)
}

func TestSessionUnsubscribeCancelsGroup(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{MetricsAPI: true}, false)

	s.handleSubscribe(context.Background(), ClientMessage{
		Type:    MessageTypeSubscribe,
		GroupID: "g1",
		Res:     "hi",
		Series:  []string{timeseries.ClusterCPUUsedCores},
	})
	nextMessage(t, s)
	nextMessage(t, s)

	s.handleUnsubscribe(ClientMessage{Type: MessageTypeUnsubscribe, GroupID: "g1"})

	s.mu.Lock()
	require.Empty(t, s.groups)
	s.mu.Unlock()
}

func TestSessionSubscribeValidation(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{}, false)

	s.handleSubscribe(context.Background(), ClientMessage{Type: MessageTypeSubscribe})
	msg := nextMessage(t, s)
	require.Equal(t, MessageTypeError, msg.Type)
	require.Contains(t, msg.Error, "groupId is required")

	s.handleSubscribe(context.Background(), ClientMessage{Type: MessageTypeSubscribe, GroupID: "g1"})
	msg = nextMessage(t, s)
	require.Contains(t, msg.Error, "series list is required")

	tooMany := make([]string, config.StreamMaxSeriesPerSubscribe+1)
	for i := range tooMany {
		tooMany[i] = timeseries.ClusterNodesCount
	}
	s.handleSubscribe(context.Background(), ClientMessage{
		Type: MessageTypeSubscribe, GroupID: "g1", Series: tooMany,
	})
	msg = nextMessage(t, s)
	require.Contains(t, msg.Error, "too many series keys")

	s.handleSubscribe(context.Background(), ClientMessage{
		Type: MessageTypeSubscribe, GroupID: "g1", Res: "medium",
		Series: []string{timeseries.ClusterNodesCount},
	})
	msg = nextMessage(t, s)
	require.Equal(t, MessageTypeError, msg.Type)

	s.handleSubscribe(context.Background(), ClientMessage{
		Type: MessageTypeSubscribe, GroupID: "g1", Since: "15 minutes",
		Series: []string{timeseries.ClusterNodesCount},
	})
	msg = nextMessage(t, s)
	require.Equal(t, MessageTypeError, msg.Type)
}

func TestSessionClusterOnlyRejectsOtherScopes(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{MetricsAPI: true, SummaryAPI: true}, true)

	s.handleSubscribe(context.Background(), ClientMessage{
		Type:    MessageTypeSubscribe,
		GroupID: "g1",
		Res:     "hi",
		Series: []string{
			timeseries.ClusterCPUUsedCores,
			timeseries.NodeCPUUsageCores("worker-1"),
		},
	})

	ack := nextMessage(t, s)
	require.Equal(t, []string{timeseries.ClusterCPUUsedCores}, ack.Accepted)
	require.Len(t, ack.Rejected, 1)
	require.Equal(t, timeseries.NodeCPUUsageCores("worker-1"), ack.Rejected[0].Key)
	require.Contains(t, ack.Rejected[0].Reason, "cluster keys only")
}

func TestSessionBackpressureKeepsSessionOpen(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{}, false)

	for i := 0; i < config.StreamOutgoingBufferSize; i++ {
		s.outgoing <- ServerMessage{Type: MessageTypeAppend, Key: timeseries.ClusterNodesCount}
	}

	s.enqueue(ServerMessage{Type: MessageTypeAppend, Key: timeseries.ClusterCPUUsedCores})

	select {
	case <-s.done:
		t.Fatal("expected session to remain open under backpressure")
	default:
	}

	// The oldest message was evicted to make room for the newest.
	var sawNewest bool
	for i := 0; i < config.StreamOutgoingBufferSize; i++ {
		msg := <-s.outgoing
		if msg.Key == timeseries.ClusterCPUUsedCores {
			sawNewest = true
		}
	}
	require.True(t, sawNewest)
}

func TestSessionBackpressureDropsHeartbeat(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{}, false)

	for i := 0; i < config.StreamOutgoingBufferSize; i++ {
		s.outgoing <- ServerMessage{Type: MessageTypeAppend, Key: timeseries.ClusterNodesCount}
	}

	s.enqueue(ServerMessage{Type: MessageTypeHeartbeat})

	for i := 0; i < config.StreamOutgoingBufferSize; i++ {
		msg := <-s.outgoing
		require.NotEqual(t, MessageTypeHeartbeat, msg.Type)
	}
}

func TestHelloAdvertisesCapabilitiesAndLimits(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{MetricsAPI: true}, false)

	hello := s.helloMessage(context.Background())
	require.Equal(t, MessageTypeHello, hello.Type)
	require.NotNil(t, hello.Capabilities)
	require.True(t, hello.Capabilities.MetricsAPI)
	require.False(t, hello.Capabilities.SummaryAPI)
	require.NotNil(t, hello.Limits)
	require.Equal(t, config.StreamMaxSeriesPerSubscribe, hello.Limits.MaxSeriesPerSubscribe)
	require.Equal(t, config.StreamMaxMessageBytes, hello.Limits.MaxMessageBytes)
}

// scriptedConn feeds canned frames to the read loop, then fails like a
// dropped transport.
type scriptedConn struct {
	stubConn
	frames [][]byte
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	if len(c.frames) == 0 {
		return 0, nil, errors.New("connection reset")
	}
	frame := c.frames[0]
	c.frames = c.frames[1:]
	return websocket.TextMessage, frame, nil
}

func TestSessionMalformedFrameKeepsSession(t *testing.T) {
	store := timeseries.NewStore(timeseries.StoreConfig{})
	s := newTestSession(t, store, capabilities.Capabilities{}, false)
	defer s.shutdown()

	s.conn = &scriptedConn{frames: [][]byte{
		[]byte("{not json"),
		[]byte(`{"type":"subscribe","groupId":"g1","res":"hi","series":["` + timeseries.ClusterNodesCount + `"]}`),
	}}
	s.readLoop(context.Background())

	errMsg := nextMessage(t, s)
	require.Equal(t, MessageTypeError, errMsg.Type)
	require.Contains(t, errMsg.Error, "malformed")

	ack := nextMessage(t, s)
	require.Equal(t, MessageTypeAck, ack.Type)
	require.Equal(t, "g1", ack.GroupID)
	require.Equal(t, []string{timeseries.ClusterNodesCount}, ack.Accepted)
}
