package transport

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with a client over the websocket transport.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FramePing        = "ping"
	FramePong        = "pong"

	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameAck          = "ack"
	FrameEvent        = "event"
	FrameError        = "error"
)

// ClientFrame is any inbound frame from a connected client. Only the
// fields relevant to Type are populated.
type ClientFrame struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Channels      []string        `json:"channels,omitempty"`
	ReplayFrom    string          `json:"replay_from,omitempty"`
	ReplayCount   int             `json:"replay_count,omitempty"`
	Filter        string          `json:"filter,omitempty"`
	Channel       string          `json:"channel,omitempty"`
	EventType     string          `json:"type_name,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Delivery      string          `json:"delivery,omitempty"`
	PartitionKey  string          `json:"partition_key,omitempty"`
}

// EventFrame is the server-push payload describing one routed event.
type EventFrame struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Channel   string            `json:"channel"`
	Payload   json.RawMessage   `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ErrorFrame carries the error taxonomy code and message for a failed
// request; it never includes stack traces or internal paths.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerFrame is any outbound frame to a connected client.
type ServerFrame struct {
	Type          string      `json:"type"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Channels      []string    `json:"channels,omitempty"`
	EventID       string      `json:"event_id,omitempty"`
	Event         *EventFrame `json:"event,omitempty"`
	Error         *ErrorFrame `json:"error,omitempty"`
}

func reply(frameType, correlationID string) ServerFrame {
	return ServerFrame{Type: frameType, CorrelationID: correlationID}
}

// ErrorReply builds an error ServerFrame echoing the originating
// correlation id.
func ErrorReply(correlationID, code, message string) ServerFrame {
	f := reply(FrameError, correlationID)
	f.Error = &ErrorFrame{Code: code, Message: message}
	return f
}

// SubscribedReply builds a subscribed ServerFrame.
func SubscribedReply(correlationID string, channels []string) ServerFrame {
	f := reply(FrameSubscribed, correlationID)
	f.Channels = channels
	return f
}

// UnsubscribedReply builds an unsubscribed ServerFrame.
func UnsubscribedReply(correlationID string, channels []string) ServerFrame {
	f := reply(FrameUnsubscribed, correlationID)
	f.Channels = channels
	return f
}

// AckReply builds a publish-acknowledgement ServerFrame.
func AckReply(correlationID, eventID string) ServerFrame {
	f := reply(FrameAck, correlationID)
	f.EventID = eventID
	return f
}

// EventPush builds a server-push event ServerFrame (no correlation id:
// it isn't a response to any one client request).
func EventPush(event EventFrame) ServerFrame {
	f := reply(FrameEvent, "")
	f.Event = &event
	return f
}
