// This file contains the Conn struct which represents a WebSocket connection
// to a client. It handles the low-level communication, including read and
// write pumps, ping/pong keepalive, graceful shutdown, and the per-connection
// state the gateway needs: the authenticated identity and the shadow set of
// joined rooms used for disconnect cleanup.
package gridsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type eventHandler func(event Event, conn *Conn) error

type Conn struct {
	ID            string
	identity      Identity
	joinedRooms   map[string]struct{}
	conn          *websocket.Conn
	send          chan []byte
	receive       chan []byte
	closeChan     chan struct{}
	readDone      chan struct{}
	closeOnce     sync.Once
	mutex         sync.RWMutex
	isClosing     bool
	closeHandlers []func(*Conn) error
	handler       *eventHandler
	options       *Options
	ctx           context.Context
	cancel        context.CancelFunc
}

func newConn(parentCtx context.Context, wsConn *websocket.Conn, identity Identity, id string, options *Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Conn{
		ID:          id,
		identity:    identity,
		joinedRooms: make(map[string]struct{}),
		conn:        wsConn,
		ctx:         ctx,
		cancel:      cancel,
		closeChan:   make(chan struct{}),
		readDone:    make(chan struct{}),
		send:        make(chan []byte, options.SendChannelBuffer),
		receive:     make(chan []byte, options.ReceiveChannelBuffer),
		options:     options,
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, wrapF(err, "failed to set initial read deadline for connection %s", id)
	}

	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	c.conn.SetCloseHandler(func(code int, text string) error {
		c.Close()

		return nil
	})

	go c.readPump()

	go c.writePump()

	return c, nil
}

// Identity returns the authenticated identity attached at handshake time.
// The identity is immutable for the lifetime of the connection.
func (c *Conn) Identity() Identity {
	return c.identity
}

// TrackRoom records fileId in the connection's shadow room set. The shadow
// set, not the transport's live room state, is what disconnect cleanup
// iterates: at disconnect time the transport has already evicted the
// connection from its rooms.
func (c *Conn) TrackRoom(fileId string) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.joinedRooms[fileId] = struct{}{}
}

// UntrackRoom removes fileId from the connection's shadow room set.
func (c *Conn) UntrackRoom(fileId string) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	delete(c.joinedRooms, fileId)
}

// JoinedRooms returns a snapshot of the shadow room set.
func (c *Conn) JoinedRooms() []string {
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	rooms := make([]string, 0, len(c.joinedRooms))

	for fileId := range c.joinedRooms {
		rooms = append(rooms, fileId)
	}
	return rooms
}

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(c.options.PongWait)); err != nil {
				c.reportError("read_deadline", err)

				return
			}
			messageType, message, err := c.conn.ReadMessage()

			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return
				}

				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					c.reportError("read_pump", err)
				} else if !errors.Is(err, context.Canceled) {
					c.reportError("read_pump", err)
				}

				return
			}

			if messageType != websocket.TextMessage {
				_ = c.SendJSON(errorEvent(badRequest(string(gatewayEntity), "Unsupported message type; expected text frame")))

				continue
			}
			select {
			case c.receive <- message:
			case <-c.ctx.Done():
				return
			case <-time.After(c.options.WriteWait):
				c.reportError("read_pump", timeout(string(gatewayEntity), "timed out delivering message to handler"))

				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)

	defer func() {
		ticker.Stop()

		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.IsActive() {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed"))

				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if !c.IsActive() {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		case <-c.closeChan:
			return
		}
	}
}

// HandleMessages starts the goroutine that decodes inbound frames and hands
// them to the registered handler. Malformed payloads are answered with an
// error event and dropped; they never terminate the connection.
func (c *Conn) HandleMessages() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.Close()
			}
		}()

		for {
			select {
			case message, ok := <-c.receive:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal(message, &event); err != nil {
					_ = c.SendJSON(errorEvent(wrapF(err, "failed to unmarshal event from connection %s", c.ID)))
					continue
				}

				c.mutex.RLock()
				handler := c.handler
				c.mutex.RUnlock()

				if handler == nil {
					_ = c.SendJSON(errorEvent(internal(string(gatewayEntity), "no handler registered for connection "+c.ID)))
					continue
				}

				if !event.Validate() {
					_ = c.SendJSON(errorEvent(badRequest(string(gatewayEntity), "invalid event received from connection "+c.ID)))
					continue
				}

				if err := (*handler)(event, c); err != nil {
					c.reportError("connection_handler", err)
					if errEv := errorEvent(err); errEv != nil {
						_ = c.SendJSON(errEv)
					}
				}

			case <-c.ctx.Done():
				return
			case <-c.closeChan:
				return
			}
		}
	}()
}

func (c *Conn) SendJSON(v interface{}) (err error) {
	if !c.IsActive() {
		return internal(string(gatewayEntity), "Connection with id "+c.ID+" is closing")
	}
	data, err := json.Marshal(v)

	if err != nil {
		return wrapF(err, "failed to marshal JSON for connection %s", c.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = internal(string(gatewayEntity), "Connection with id "+c.ID+" is closing")
		}
	}()

	select {
	case <-c.closeChan:
		return internal(string(gatewayEntity), "Connection with id "+c.ID+" is closing")

	case <-c.ctx.Done():
		return internal(string(gatewayEntity), "Connection with id "+c.ID+" is closing due to context cancellation")

	case c.send <- data:
		return nil
	case <-time.After(c.getSendTimeout()):
		go c.Close()

		return internal(string(gatewayEntity), "send timeout, connection with id "+c.ID+" is closing")
	}
}

func (c *Conn) OnMessage(handler func(Event, *Conn) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	wrapped := eventHandler(handler)
	c.handler = &wrapped
}

// OnClose registers a callback to be executed when the connection closes.
// Multiple callbacks can be registered and they will be called in the order
// they were added. Callbacks run synchronously during connection cleanup.
func (c *Conn) OnClose(callback func(*Conn) error) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.closeHandlers = append(c.closeHandlers, callback)
}

// IsActive returns true if the connection can still send and receive.
func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return !c.isClosing
}

// Close gracefully shuts down the connection. It executes all registered
// close handlers, cancels the context, closes the WebSocket connection, and
// cleans up all channels. Idempotent.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.isClosing = true
		handlersToRun := make([]func(*Conn) error, len(c.closeHandlers))

		copy(handlersToRun, c.closeHandlers)

		c.mutex.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		close(c.closeChan)

		conn := c.conn

		if !fromReader && conn != nil {
			_ = conn.Close()
		}

		if !fromReader {
			if c.readDone != nil {
				<-c.readDone
			}
		}

		var closeHandlerErrors error
		for _, handler := range handlersToRun {
			if err := handler(c); err != nil {
				closeHandlerErrors = addError(closeHandlerErrors, err)
			}
		}
		if closeHandlerErrors != nil {
			c.reportError("connection_close_handlers", closeHandlerErrors)
		}

		if fromReader && conn != nil {
			_ = conn.Close()
		}

	})
}

func (c *Conn) reportError(component string, err error) {
	if err == nil || c == nil || c.options == nil || c.options.Hooks == nil || c.options.Hooks.Metrics == nil {
		return
	}
	c.options.Hooks.Metrics.Error(component, err)
}

func (c *Conn) getSendTimeout() time.Duration {
	if c.options != nil && c.options.SendTimeout > 0 {
		return c.options.SendTimeout
	}
	return 5 * time.Second
}
