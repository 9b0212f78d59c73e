package stream

import (
	"github.com/luxury-yacht/pulse/backend/capabilities"
	"github.com/luxury-yacht/pulse/backend/timeseries"
)

// MessageType represents the message type used for stream requests and updates.
type MessageType string

const (
	MessageTypeHello       MessageType = "hello"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeAck         MessageType = "ack"
	MessageTypeInit        MessageType = "init"
	MessageTypeAppend      MessageType = "append"
	MessageTypeError       MessageType = "error"
	MessageTypeHeartbeat   MessageType = "heartbeat"
)

// ClientMessage is the request envelope sent from websocket clients.
type ClientMessage struct {
	Type    MessageType `json:"type"`
	GroupID string      `json:"groupId,omitempty"`
	Res     string      `json:"res,omitempty"`
	Since   string      `json:"since,omitempty"`
	Series  []string    `json:"series,omitempty"`
}

// Rejection explains why one requested series key was refused.
type Rejection struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Limits advertises server-side bounds so clients can chunk requests
// instead of discovering the read limit through a 1009 close.
type Limits struct {
	MaxSeriesPerSubscribe int `json:"maxSeriesPerSubscribe"`
	MaxMessageBytes       int `json:"maxMessageBytes"`
}

// InitData carries the snapshot payload of an init message.
type InitData struct {
	Series map[string][]timeseries.Point `json:"series"`
}

// ServerMessage is the envelope sent back to websocket clients.
type ServerMessage struct {
	Type         MessageType                `json:"type"`
	GroupID      string                     `json:"groupId,omitempty"`
	Capabilities *capabilities.Capabilities `json:"capabilities,omitempty"`
	Limits       *Limits                    `json:"limits,omitempty"`
	Accepted     []string                   `json:"accepted,omitempty"`
	Rejected     []Rejection                `json:"rejected,omitempty"`
	Data         *InitData                  `json:"data,omitempty"`
	Key          string                     `json:"key,omitempty"`
	Point        *timeseries.Point          `json:"point,omitempty"`
	Error        string                     `json:"error,omitempty"`
}
