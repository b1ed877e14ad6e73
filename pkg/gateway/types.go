package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marlow/overseer/pkg/events"
)

// Client is one connected websocket consumer
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string

	// writeMu serializes writes; gorilla connections allow one writer
	writeMu sync.Mutex
}

// WriteJSON sends one JSON message to the client
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// OutboundEvent is the envelope broadcast to clients. Seq increases by one
// per event so clients can detect gaps after a reconnect.
type OutboundEvent struct {
	Seq uint64 `json:"seq"`
	events.Event
}

// InboundMessage is a message received from a client
type InboundMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Ack is the reply to an inbound client message
type Ack struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}
