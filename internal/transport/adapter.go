package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/gorilla/websocket"
	"github.com/smartbell/call-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/transport")

// ErrClosed is returned for operations on a closed adapter.
var ErrClosed = errors.New("transport: adapter closed")

// ErrNotConnected is returned when emitting without an established connection.
var ErrNotConnected = errors.New("transport: not connected")

// Handler consumes the payload of an inbound relay event.
type Handler func(data json.RawMessage)

// Adapter bidirectional message channel to the signaling relay.
type Adapter interface {
	Connect(ctx context.Context) error
	Emit(event string, payload interface{}) error
	On(event string, handler Handler)
	OnReconnect(listener func())
	OnDisconnect(listener func(err error))
	Connected() bool
	WaitConnected(ctx context.Context) error
	Close() error
}

// Config connection settings for a socket adapter.
type Config struct {
	URL              string
	DialTimeout      time.Duration
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
	PingInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// SocketAdapter websocket-backed Adapter. Inbound events are dispatched
// sequentially from a single read loop, preserving arrival order.
type SocketAdapter struct {
	cfg Config

	mu            sync.RWMutex
	conn          *websocket.Conn
	connected     bool
	closed        bool
	connectedCh   chan struct{}
	handlers      map[string]Handler
	onReconnect   []func()
	onDisconnect  []func(err error)
	everConnected bool
}

// NewSocketAdapter creates a socket adapter for the given relay.
func NewSocketAdapter(cfg Config) *SocketAdapter {
	return &SocketAdapter{
		cfg:         cfg.withDefaults(),
		connectedCh: make(chan struct{}),
		handlers:    make(map[string]Handler),
	}
}

// On registers the handler for an event. Registration must happen before
// Connect, later calls replace the previous handler.
func (a *SocketAdapter) On(event string, handler Handler) {
	a.mu.Lock()
	a.handlers[event] = handler
	a.mu.Unlock()
}

// OnReconnect registers a listener invoked after every re-established connection.
func (a *SocketAdapter) OnReconnect(listener func()) {
	a.mu.Lock()
	a.onReconnect = append(a.onReconnect, listener)
	a.mu.Unlock()
}

// OnDisconnect registers a listener invoked when the connection is lost.
func (a *SocketAdapter) OnDisconnect(listener func(err error)) {
	a.mu.Lock()
	a.onDisconnect = append(a.onDisconnect, listener)
	a.mu.Unlock()
}

// Connect establishes the relay connection and starts the read loop.
func (a *SocketAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}

	a.attach(conn, false)
	return nil
}

func (a *SocketAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s %w", a.cfg.URL, err)
	}

	return conn, nil
}

func (a *SocketAdapter) attach(conn *websocket.Conn, isReconnect bool) {
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.everConnected = true
	close(a.connectedCh)
	reconnectListeners := append([]func(){}, a.onReconnect...)
	a.mu.Unlock()

	go a.readLoop(conn)
	go a.pingLoop(conn)

	if isReconnect {
		log.Info("reconnected to relay", zap.String("url", a.cfg.URL))
		for _, listener := range reconnectListeners {
			listener()
		}
	}
}

// Connected reports whether the relay connection is currently established.
func (a *SocketAdapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// WaitConnected blocks until the connection is established, the context
// expires or the adapter is closed.
func (a *SocketAdapter) WaitConnected(ctx context.Context) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrClosed
	}
	ch := a.connectedCh
	a.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for relay connection %w", ctx.Err())
	}
}

// Emit sends an event to the relay.
func (a *SocketAdapter) Emit(event string, payload interface{}) error {
	envelope, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if !a.connected || a.conn == nil {
		return ErrNotConnected
	}

	err = a.conn.WriteJSON(envelope)
	if err != nil {
		return fmt.Errorf("failed to send %s %w", event, err)
	}

	return nil
}

// Close terminates the connection and stops reconnection attempts.
func (a *SocketAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	if a.conn != nil {
		err := a.conn.WriteMessage(websocket.CloseMessage, []byte{})
		if err != nil {
			log.Warn("failed to send close message", zap.Error(err))
		}
		return a.conn.Close()
	}

	return nil
}

func (a *SocketAdapter) readLoop(conn *websocket.Conn) {
	for {
		var envelope models.Envelope
		err := conn.ReadJSON(&envelope)
		if err != nil {
			a.handleDisconnect(conn, err)
			return
		}

		a.dispatch(envelope)
	}
}

func (a *SocketAdapter) dispatch(envelope models.Envelope) {
	a.mu.RLock()
	handler, ok := a.handlers[envelope.Event]
	a.mu.RUnlock()

	if !ok {
		log.Info("dropping unhandled event", zap.String("event", envelope.Event))
		return
	}

	handler(envelope.Data)
}

func (a *SocketAdapter) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		a.mu.RLock()
		current := a.conn
		connected := a.connected
		a.mu.RUnlock()
		if !connected || current != conn {
			return
		}

		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		if err != nil {
			log.Warn("failed to ping relay", zap.Error(err))
			return
		}
	}
}

func (a *SocketAdapter) handleDisconnect(conn *websocket.Conn, cause error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.connected = false
	closed := a.closed
	if !closed {
		a.connectedCh = make(chan struct{})
	}
	disconnectListeners := append([]func(error){}, a.onDisconnect...)
	a.mu.Unlock()

	conn.Close()
	if closed {
		return
	}

	log.Warn("lost connection to relay", zap.Error(cause))
	for _, listener := range disconnectListeners {
		listener(cause)
	}

	go a.reconnectLoop()
}

func (a *SocketAdapter) reconnectLoop() {
	backoff := a.cfg.ReconnectBackoff
	for {
		time.Sleep(backoff)

		a.mu.RLock()
		closed := a.closed
		a.mu.RUnlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DialTimeout)
		conn, err := a.dial(ctx)
		cancel()
		if err == nil {
			a.attach(conn, true)
			return
		}

		log.Warn("reconnect attempt failed", zap.Error(err), zap.Duration("backoff", backoff))
		backoff *= 2
		if backoff > a.cfg.MaxBackoff {
			backoff = a.cfg.MaxBackoff
		}
	}
}
