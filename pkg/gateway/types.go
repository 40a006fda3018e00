package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/agentcore/pkg/bus"
)

// Frame types written to clients
const (
	FrameMessage = "message"
	FrameAck     = "ack"
	FrameError   = "error"
)

// InboundFrame is what a client sends: a command or request for the bus, or
// a broadcast to every routed endpoint
type InboundFrame struct {
	Ref       string                 `json:"ref,omitempty"`
	Type      string                 `json:"type"`
	Recipient string                 `json:"recipient,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
	Content   json.RawMessage        `json:"content,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// OutboundFrame is what the gateway writes to a client
type OutboundFrame struct {
	Type      string       `json:"type"`
	Seq       int64        `json:"seq,omitempty"`
	Ref       string       `json:"ref,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
	Delivered *int         `json:"delivered,omitempty"`
	Message   *bus.Message `json:"message,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// ClientInfo describes a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client is a connected websocket endpoint
type Client struct {
	ID           string
	Endpoint     string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteJSON(v)
}
