// This file contains the Go client for a gridsync server: a WebSocket
// connection with automatic reconnection, a pending change tracker for the
// file being edited, a local row cache patched by incoming relays, and the
// save flow against the REST cell update endpoint.
package gridsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientOptions configures a Client. ServerURL is the WebSocket endpoint
// (ws://host/ws), APIURL the REST base (http://host). Token is the session
// token presented during the handshake and on every REST call.
type ClientOptions struct {
	ServerURL            string
	APIURL               string
	Token                string
	MaxReconnectAttempts uint64
	HandshakeTimeout     time.Duration
	HTTPClient           *http.Client
}

// EventHandler receives one decoded event from the server.
type EventHandler func(Event)

type registeredHandler struct {
	id int
	fn EventHandler
}

// Client is a gridsync client. One client edits one file at a time; joining
// a different file clears the pending tracker for the previous one.
type Client struct {
	options     ClientOptions
	conn        *websocket.Conn
	tracker     *ChangeTracker
	handlers    map[string][]registeredHandler
	handlerSeq  int
	currentFile string
	cache       *Table
	connected   bool
	closed      bool
	done        chan struct{}
	writeMutex  sync.Mutex
	mutex       sync.RWMutex
}

// NewClient builds a client. Call Connect before anything else.
func NewClient(options ClientOptions) *Client {
	if options.HandshakeTimeout == 0 {
		options.HandshakeTimeout = 10 * time.Second
	}
	if options.MaxReconnectAttempts == 0 {
		options.MaxReconnectAttempts = 5
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		options:  options,
		tracker:  NewChangeTracker(),
		handlers: make(map[string][]registeredHandler),
		done:     make(chan struct{}),
	}
}

// On registers a handler for a server event and returns an unsubscribe
// function. Handlers run on the read loop goroutine and must not block.
func (c *Client) On(event string, handler EventHandler) func() {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	c.handlerSeq++

	id := c.handlerSeq
	c.handlers[event] = append(c.handlers[event], registeredHandler{id: id, fn: handler})

	return func() {
		c.mutex.Lock()

		defer c.mutex.Unlock()

		registered := c.handlers[event]

		for i, h := range registered {
			if h.id == id {
				c.handlers[event] = append(registered[:i], registered[i+1:]...)

				return
			}
		}
	}
}

// Connect dials the server and starts the read loop. On an unexpected
// disconnect the client retries with exponential backoff, bounded by
// MaxReconnectAttempts, and rejoins the current file room after a
// successful reconnect.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)

	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.options.HandshakeTimeout}

	url := c.options.ServerURL + "?token=" + c.options.Token

	conn, resp, err := dialer.DialContext(ctx, url, nil)

	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return unauthorized("", "Invalid session").withCause(err)
		}
		return wrapF(err, "failed to connect to %s", c.options.ServerURL)
	}
	c.mutex.Lock()

	c.conn = conn
	c.connected = true
	c.mutex.Unlock()

	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mutex.RLock()

		conn := c.conn
		c.mutex.RUnlock()

		if conn == nil {
			return
		}

		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			c.mutex.Lock()

			c.connected = false
			closed := c.closed
			c.mutex.Unlock()

			if closed || ctx.Err() != nil {
				return
			}
			if reconnectErr := c.reconnect(ctx); reconnectErr != nil {
				c.dispatch(Event{
					Event:     errorEventName,
					RequestId: uuid.NewString(),
					Timestamp: isoNow(),
					Payload:   map[string]interface{}{"message": reconnectErr.Error()},
				})

				return
			}
			continue
		}
		c.handleEvent(ev)
	}
}

// reconnect retries the dial with exponential backoff until it succeeds or
// the attempt ceiling is reached. Auth failures are terminal and stop the
// retry loop immediately.
func (c *Client) reconnect(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.options.MaxReconnectAttempts),
		ctx,
	)

	err := backoff.Retry(func() error {
		select {
		case <-c.done:
			return backoff.Permanent(fmt.Errorf("client closed"))
		default:
		}
		dialErr := c.dial(ctx)

		if dialErr == nil {
			return nil
		}

		var e *Error
		if errors.As(dialErr, &e) && e.Code == StatusUnauthorized {
			return backoff.Permanent(dialErr)
		}
		return dialErr
	}, policy)

	if err != nil {
		return wrapF(err, "reconnect failed")
	}
	c.mutex.RLock()

	file := c.currentFile
	c.mutex.RUnlock()

	if file != "" {
		return c.send(joinFileEvent, joinFilePayload{FileID: file})
	}
	return nil
}

func (c *Client) handleEvent(ev Event) {
	if ev.Event == fileUpdatedEvent {

		var update FileUpdate
		if err := parsePayload(&update, ev.Payload); err == nil {
			c.patchCache(update)
		}
	}
	c.dispatch(ev)
}

func (c *Client) dispatch(ev Event) {
	c.mutex.RLock()

	handlers := append([]registeredHandler(nil), c.handlers[ev.Event]...)

	c.mutex.RUnlock()

	for _, handler := range handlers {
		handler.fn(ev)
	}
}

// patchCache applies an incoming relay to the local row cache. Rows are
// matched by their column-0 key; a miss leaves the cache untouched.
func (c *Client) patchCache(update FileUpdate) {
	if update.Data == nil {
		return
	}
	c.mutex.Lock()

	defer c.mutex.Unlock()

	if c.cache == nil || update.FileID != c.currentFile {
		return
	}
	rowIdx := c.cache.FindRow(update.RowKey)

	if rowIdx < 0 {
		return
	}
	colIdx := c.cache.FindColumn(update.Data.ColumnName)

	if colIdx < 0 {
		return
	}
	c.cache.Rows[rowIdx][colIdx] = update.Data.NewValue
}

func (c *Client) send(event string, payload interface{}) error {
	c.mutex.RLock()

	conn := c.conn
	connected := c.connected
	c.mutex.RUnlock()

	if conn == nil || !connected {
		return unavailable("", "not connected")
	}
	c.writeMutex.Lock()

	defer c.writeMutex.Unlock()

	return conn.WriteJSON(Event{
		Event:     event,
		RequestId: uuid.NewString(),
		Timestamp: isoNow(),
		Payload:   payload,
	})
}

// JoinFile joins the room for fileId. Pending edits for any previously
// joined file are discarded, matching the one-file-at-a-time rule.
func (c *Client) JoinFile(fileId string) error {
	if fileId == "" {
		return badRequest("", "fileId is empty")
	}
	c.mutex.Lock()

	switching := c.currentFile != "" && c.currentFile != fileId
	c.currentFile = fileId
	if switching {
		c.cache = nil
	}
	c.mutex.Unlock()

	if switching {
		c.tracker.Clear()
	}
	return c.send(joinFileEvent, joinFilePayload{FileID: fileId})
}

// LeaveFile leaves the room for fileId and drops its pending edits.
func (c *Client) LeaveFile(fileId string) error {
	c.mutex.Lock()

	if c.currentFile == fileId {
		c.currentFile = ""
		c.cache = nil
	}
	c.mutex.Unlock()

	c.tracker.Clear()

	return c.send(leaveFileEvent, joinFilePayload{FileID: fileId})
}

// EditCell records a pending edit. Nothing is sent to the room until the
// edit is persisted by Save, which broadcasts the applied changes.
func (c *Client) EditCell(rowKey, columnName, oldValue, newValue string) error {
	c.mutex.RLock()

	file := c.currentFile
	c.mutex.RUnlock()

	if file == "" {
		return badRequest("", "no file joined")
	}
	c.tracker.RecordEdit(rowKey, columnName, oldValue, newValue)

	return nil
}

// SendActivity relays a lightweight activity hint (typing, selecting) to
// the other members of the current file room.
func (c *Client) SendActivity(action string) error {
	c.mutex.RLock()

	file := c.currentFile
	c.mutex.RUnlock()

	if file == "" {
		return badRequest("", "no file joined")
	}
	return c.send(userActivityEvent, UserActivity{FileID: file, Action: action})
}

// PendingChanges returns the number of uncommitted edits.
func (c *Client) PendingChanges() int {
	return c.tracker.Pending()
}

// Save flushes the pending edits to the server's cell update endpoint.
// The tracker is cleared only when the server confirms the batch; on any
// failure the edits stay pending for a retry. Only one save may be in
// flight at a time.
func (c *Client) Save(ctx context.Context) (SaveResult, error) {
	c.mutex.RLock()

	file := c.currentFile
	c.mutex.RUnlock()

	if file == "" {
		return SaveResult{}, badRequest("", "no file joined")
	}
	if !c.tracker.BeginSave() {
		return SaveResult{}, conflict("", "a save is already in progress")
	}
	defer c.tracker.EndSave()

	changes := c.tracker.Flush()

	if len(changes) == 0 {
		return SaveResult{}, nil
	}
	result, err := c.patchCells(ctx, file, changes)

	if err != nil {
		return SaveResult{}, err
	}
	c.tracker.Clear()

	for _, change := range changes {
		c.patchCache(FileUpdate{
			FileID: file,
			Action: ActionUpdate,
			RowKey: change.RowKey,
			Data: &CellData{
				ColumnName: change.ColumnName,
				OldValue:   change.OldValue,
				NewValue:   change.NewValue,
			},
		})
	}
	return result, nil
}

func (c *Client) patchCells(ctx context.Context, fileId string, changes []CellChange) (SaveResult, error) {
	body, err := json.Marshal(updateCellsRequest{Changes: changes})

	if err != nil {
		return SaveResult{}, wrapF(err, "failed to encode change batch")
	}
	url := fmt.Sprintf("%s/api/files/%s/cells", c.options.APIURL, fileId)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))

	if err != nil {
		return SaveResult{}, wrapF(err, "failed to build save request")
	}
	req.Header.Set("Content-Type", "application/json")

	req.Header.Set("X-Session-Token", c.options.Token)

	resp, err := c.options.HTTPClient.Do(req)

	if err != nil {
		return SaveResult{}, wrapF(err, "save request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)

	if err != nil {
		return SaveResult{}, wrapF(err, "failed to read save response")
	}
	if resp.StatusCode != http.StatusOK {
		return SaveResult{}, &Error{
			Message: fmt.Sprintf("save rejected: %s", string(raw)),
			Code:    resp.StatusCode,
		}
	}

	var result SaveResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SaveResult{}, wrapF(err, "failed to decode save response")
	}
	return result, nil
}

// FetchRows loads the file's rows into the local cache and returns the
// table. Filters and pagination are server-side concerns; this loads the
// whole table for editing.
func (c *Client) FetchRows(ctx context.Context, fileId string) (*Table, error) {
	url := fmt.Sprintf("%s/api/files/%s/download", c.options.APIURL, fileId)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

	if err != nil {
		return nil, wrapF(err, "failed to build rows request")
	}
	req.Header.Set("X-Session-Token", c.options.Token)

	resp, err := c.options.HTTPClient.Do(req)

	if err != nil {
		return nil, wrapF(err, "rows request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, notFound("", fmt.Sprintf("file %s not found", fileId))
	}
	raw, err := io.ReadAll(resp.Body)

	if err != nil {
		return nil, wrapF(err, "failed to read rows response")
	}
	table, err := parseTable(raw)

	if err != nil {
		return nil, err
	}
	c.mutex.Lock()

	if c.currentFile == fileId {
		c.cache = table
	}
	c.mutex.Unlock()

	return table, nil
}

// Close tears the connection down. No reconnection is attempted after
// Close.
func (c *Client) Close() error {
	c.mutex.Lock()

	if c.closed {
		c.mutex.Unlock()

		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mutex.Unlock()

	close(c.done)

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	return conn.Close()
}
