// This file contains type definitions for gridsync including the wire event
// envelope, payload structures, configuration options, and constants used
// throughout the library.
package gridsync

import (
	"crypto/tls"
	"net/http"
	"time"
)

// Event is the envelope for every message that crosses a gridsync connection.
// The Event field routes the message, RequestId correlates request/response
// pairs, and Timestamp is the RFC 3339 instant the sender produced the event.
type Event struct {
	Event     string      `json:"event"`
	RequestId string      `json:"requestId"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// Validate checks if the Event has all required fields populated.
// Returns true if Event and RequestId are non-empty, false otherwise.
func (e *Event) Validate() bool {
	if e.Event == "" || e.RequestId == "" {
		return false
	}
	return true
}

// Identity is the authenticated user behind a connection. It is resolved
// once from the session store during the handshake and never mutated after.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// ActiveUser is one entry of the authoritative active-user list broadcast to
// a room. Timestamp records when the underlying connection joined the room.
type ActiveUser struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type activeUsersPayload struct {
	FileID string       `json:"fileId"`
	Users  []ActiveUser `json:"users"`
}

type userNoticePayload struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type joinFilePayload struct {
	FileID string `json:"fileId"`
}

// CellData addresses one cell by its stable column name and carries the
// value transition. Columns are matched case-insensitively with surrounding
// quotes stripped, never by position.
type CellData struct {
	ColumnName string `json:"columnName"`
	OldValue   string `json:"oldValue"`
	NewValue   string `json:"newValue"`
}

// FileUpdate is the relay payload for a single confirmed cell edit.
// RowKey is the stable row identifier (the row's column-0 value), not an
// array position.
type FileUpdate struct {
	FileID    string    `json:"fileId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	RowKey    string    `json:"rowKey"`
	Data      *CellData `json:"data,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// UserActivity is a lightweight presence hint (typing, selecting) relayed to
// the other members of a file room.
type UserActivity struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	FileID    string `json:"fileId"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

// SystemNotice is broadcast to every connected client regardless of room.
type SystemNotice struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
}

// CellChange is one pending cell edit. OldValue is the value the editing
// client observed before its first uncommitted edit of the cell, which is
// what save-time conflict detection compares against.
type CellChange struct {
	RowKey     string `json:"rowKey"`
	ColumnName string `json:"columnName"`
	OldValue   string `json:"oldValue"`
	NewValue   string `json:"newValue"`
}

// SaveResult reports the outcome of one reconciled batch save.
// Conflicts counts changes whose stored value no longer matched the
// client's oldValue but were applied anyway (last-write-wins, flagged).
// Skipped counts changes whose rowKey or columnName could not be found.
type SaveResult struct {
	Applied   int          `json:"applied"`
	Total     int          `json:"total"`
	Conflicts int          `json:"conflicts"`
	Skipped   int          `json:"skipped"`
	Changes   []CellChange `json:"changes,omitempty"`
}

const (
	joinFileEvent     = "join-file"
	leaveFileEvent    = "leave-file"
	activeUsersEvent  = "active-users"
	userJoinedEvent   = "user-joined"
	userLeftEvent     = "user-left"
	fileUpdatedEvent  = "file-updated"
	userActivityEvent = "user-activity"
	systemNoticeEvent = "system-notification"
	connectedEvent    = "connected"
	errorEventName    = "error"
)

const (
	// ActionUpdate marks a file-updated relay carrying a cell value change.
	ActionUpdate = "update"
	// ActionAdd marks a relay for a newly appended row.
	ActionAdd = "add"
	// ActionDelete marks a relay for a removed row.
	ActionDelete = "delete"
)

const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeError   = "error"
)

type entity string

const (
	gatewayEntity entity = "GATEWAY"
	roomEntity    entity = "ROOM"
	storageEntity entity = "STORAGE"
)

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error represents an error in the gridsync system. It includes the room
// context (if applicable), a message, an HTTP-like status code, whether the
// error is temporary (retryable), and optional additional details.
type Error struct {
	Room      string      `json:"room,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

// Options configures gateway behavior and connection parameters.
type Options struct {
	CheckOrigin          bool
	AllowedOrigins       []string
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	SendTimeout          time.Duration
	EnableCompression    bool
	MaxConnections       int
	SendChannelBuffer    int
	ReceiveChannelBuffer int
	QueueTimeout         time.Duration
	Hooks                *Hooks
}

// ServerOptions configures the HTTP server that hosts the gateway and the
// file API. StorageDir is where uploaded row files live; MetaPath is the
// bbolt database holding file metadata.
type ServerOptions struct {
	Options            *Options
	Addr               string
	StorageDir         string
	MetaPath           string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// DefaultOptions returns a new Options struct with sensible defaults:
// no origin checking, 1KB buffers, 512KB max message size, 30s ping
// interval, 60s pong wait, and 256-slot send/receive channels.
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:          false,
		ReadBufferSize:       1024,
		WriteBufferSize:      1024,
		MaxMessageSize:       512 * 1024,
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
		SendTimeout:          5 * time.Second,
		EnableCompression:    false,
		SendChannelBuffer:    256,
		ReceiveChannelBuffer: 256,
		QueueTimeout:         1 * time.Second,
	}
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
