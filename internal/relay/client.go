package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/smartbell/call-manager/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

// client one websocket connection served by the hub.
type client struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.RWMutex
	room       *room
	clientType string
	closed     bool
}

func (c *client) joinedRoom() *room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *client) setRoom(r *room, clientType string) {
	c.mu.Lock()
	c.room = r
	c.clientType = clientType
	c.mu.Unlock()
}

// enqueue holds the read lock so concurrent senders never race the close
// of the send channel in shutdown.
func (c *client) enqueue(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		log.Warn("dropping message, client buffer full", zap.String("clientId", c.id))
	}
}

func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

func (c *client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.shutdown()
		c.conn.Close()
		log.Info("client disconnected", zap.String("clientId", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.String("clientId", c.id), zap.Error(err))
			}
			return
		}

		var envelope models.Envelope
		err = json.Unmarshal(message, &envelope)
		if err != nil {
			log.Warn("dropping malformed envelope", zap.String("clientId", c.id), zap.Error(err))
			continue
		}

		c.hub.handleMessage(c, envelope)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			err := c.conn.WriteMessage(websocket.TextMessage, message)
			if err != nil {
				log.Warn("failed to write message", zap.String("clientId", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				return
			}
		}
	}
}
