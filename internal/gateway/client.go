// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/schoolworks/auditcast/internal/auth"
	"github.com/schoolworks/auditcast/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB, control messages only
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id       string
	identity auth.Identity
	hub      *Hub
	conn     *websocket.Conn

	// sendMu serializes enqueue against close: broadcasters hold client
	// pointers outside the hub lock, so the channel may only be closed
	// once no enqueue can still be racing it.
	sendMu sync.Mutex
	send   chan Message
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, id string, identity auth.Identity) *Client {
	return &Client{
		id:       id,
		identity: identity,
		hub:      hub,
		conn:     conn,
		send:     make(chan Message, 256),
	}
}

// ID returns the connection identifier assigned at registration.
func (c *Client) ID() string {
	return c.id
}

// enqueue attempts a non-blocking send to the client's outbound buffer.
// Returns false for a full buffer or a closed client; it never panics,
// so a broadcast racing a disconnect degrades to a failed delivery.
func (c *Client) enqueue(msg Message) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close shuts the outbound channel exactly once, which causes writePump
// to send a close frame and exit. Safe to call concurrently with enqueue.
func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps inbound messages from the websocket connection into the
// hub's dispatcher.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c, "read_closed")
		_ = c.conn.Close() // Explicitly ignore error - best-effort cleanup
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg InboundMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close error")
			}
			break
		}

		c.hub.dispatch(c, msg)
	}
}

// writePump pumps outbound messages from the hub to the websocket
// connection and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close() // Explicitly ignore error - best-effort cleanup
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to write close message")
				}
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Str("connection_id", c.id).Msg("failed to set write deadline for ping")
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// start begins reading and writing for the client.
func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}
