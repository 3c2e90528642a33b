package relay

import "encoding/json"

// Inbound message types.
const (
	MsgSubscribe = "subscribe"
	MsgTool      = "tool"
)

// Outbound control frame types. Event frames use the event type instead.
const (
	FrameSubscribed = "subscribed"
	FrameToolResult = "tool_result"
	FrameError      = "error"
)

// Inbound is a client message. Type selects which other fields apply.
type Inbound struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Frame is a server message.
type Frame struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

func errorFrame(msg string) Frame {
	return Frame{Type: FrameError, Message: msg}
}
