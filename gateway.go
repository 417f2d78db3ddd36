// This file contains the Gateway struct, the connection-oriented server for
// gridsync. The gateway authenticates each WebSocket connection against the
// session store during the handshake, manages file-room membership with a
// per-connection shadow room set, and relays edit and activity events
// between clients. It is an explicitly constructed instance with a
// start/stop lifecycle; nothing in gridsync is a lazily initialized global.
package gridsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Gateway struct {
	options     *Options
	sessions    SessionStore
	connections *store[*Conn]
	connOpened  *store[time.Time]
	rooms       map[string]*Room
	roomMutex   sync.Mutex
	upgrader    websocket.Upgrader
	ctx         context.Context
	cancel      context.CancelFunc
	running     bool
	mutex       sync.RWMutex
}

// NewGateway creates a Gateway that authenticates connections against the
// given session store. If no options are provided, defaults are used. The
// gateway owns no goroutines until connections arrive; Stop cancels its
// context and closes every live connection.
func NewGateway(ctx context.Context, sessions SessionStore, options ...Options) *Gateway {
	opts := DefaultOptions()

	if len(options) > 0 {
		opts = &options[0]
	}
	gatewayCtx, cancel := context.WithCancel(ctx)

	return &Gateway{
		options:     opts,
		sessions:    sessions,
		connections: newStore[*Conn](),
		connOpened:  newStore[time.Time](),
		rooms:       make(map[string]*Room),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.ReadBufferSize,
			WriteBufferSize:   opts.WriteBufferSize,
			CheckOrigin:       createOriginChecker(opts),
			EnableCompression: opts.EnableCompression,
		},
		ctx:    gatewayCtx,
		cancel: cancel,
	}
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}

// Start marks the gateway as accepting connections.
// Returns an error if the gateway has already been stopped.
func (g *Gateway) Start() error {
	if err := g.checkState(); err != nil {
		return err
	}
	g.mutex.Lock()

	defer g.mutex.Unlock()

	g.running = true
	return nil
}

// Stop shuts the gateway down: no further connections are accepted, every
// live connection is closed (running their disconnect cleanup), and all
// rooms are destroyed.
func (g *Gateway) Stop() {
	g.mutex.Lock()

	g.running = false
	g.mutex.Unlock()

	for _, conn := range g.connections.Values() {
		conn.Close()
	}
	g.roomMutex.Lock()

	for fileId, room := range g.rooms {
		room.Close()

		delete(g.rooms, fileId)
	}
	g.roomMutex.Unlock()

	g.cancel()
}

// HTTPHandler returns the handler that upgrades incoming requests to
// gateway connections. The session token is read from the "token" query
// parameter or the X-Session-Token header; a missing or invalid token
// fails the connection before the upgrade completes.
func (g *Gateway) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.checkState(); err != nil {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)

			return
		}
		g.mutex.RLock()

		running := g.running
		g.mutex.RUnlock()

		if !running {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)

			return
		}
		token := sessionToken(r)

		if token == "" {
			http.Error(w, "No session provided", http.StatusUnauthorized)

			return
		}
		identity, err := g.sessions.ResolveSession(r.Context(), token)

		if err != nil {
			g.reportError("handshake_auth", err)

			http.Error(w, "Invalid session", http.StatusUnauthorized)

			return
		}
		wsConn, err := g.upgrader.Upgrade(w, r, nil)

		if err != nil {
			g.reportError("handshake_upgrade", err)

			return
		}
		conn, err := newConn(g.ctx, wsConn, identity, uuid.NewString(), g.options)

		if err != nil {
			g.reportError("handshake_conn", err)

			_ = wsConn.Close()

			return
		}
		if err := g.addConnection(conn); err != nil {
			g.reportError("handshake_register", err)
		}
	}
}

func sessionToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("X-Session-Token")
}

func (g *Gateway) addConnection(conn *Conn) error {
	if err := g.checkState(); err != nil {
		conn.Close()

		return err
	}
	if g.options.Hooks != nil && g.options.Hooks.OnConnect != nil {
		if err := g.options.Hooks.OnConnect(conn); err != nil {
			conn.Close()

			return wrapF(err, "OnConnect hook failed")
		}
	}
	if g.options.MaxConnections > 0 && g.connections.Len() >= g.options.MaxConnections {
		conn.Close()

		return unavailable(string(gatewayEntity), "Maximum connections reached")
	}
	conn.OnMessage(g.handleMessage)

	conn.OnClose(g.onDisconnect)

	if err := g.connections.Create(conn.ID, conn); err != nil {
		conn.Close()

		return wrapF(err, "failed to store connection %s", conn.ID)
	}
	g.connOpened.Upsert(conn.ID, time.Now())

	// the close handler was registered before the connection was stored,
	// so a close that raced the store above fired against an empty map;
	// re-check and undo the store instead of leaving a ghost entry
	if !conn.IsActive() {
		_ = g.connections.Delete(conn.ID)

		_ = g.connOpened.Delete(conn.ID)

		return unavailable(string(gatewayEntity), "Connection closed during registration")
	}
	if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
		g.options.Hooks.Metrics.ConnectionOpened(conn.ID)
	}
	conn.HandleMessages()

	err := conn.SendJSON(Event{
		Event:     connectedEvent,
		RequestId: uuid.NewString(),
		Timestamp: isoNow(),
		Payload: connectedPayload{
			ConnectionID: conn.ID,
			UserID:       conn.Identity().ID,
			Username:     conn.Identity().Username,
		},
	})

	if err != nil {
		conn.Close()

		return wrapF(err, "failed to send connection confirmation to %s", conn.ID)
	}
	return nil
}

func (g *Gateway) handleMessage(ev Event, conn *Conn) error {
	if err := g.checkState(); err != nil {
		return err
	}
	switch ev.Event {
	case joinFileEvent:
		fileId, err := payloadFileID(ev.Payload)

		if err != nil {
			return err
		}
		return g.JoinRoom(conn, fileId)

	case leaveFileEvent:
		fileId, err := payloadFileID(ev.Payload)

		if err != nil {
			return err
		}
		return g.LeaveRoom(conn, fileId)

	case fileUpdatedEvent:
		var update FileUpdate
		if err := parsePayload(&update, ev.Payload); err != nil {
			return badRequest(string(gatewayEntity), "malformed file-updated payload").withCause(err)
		}
		return g.RelayUpdate(conn, update)

	case userActivityEvent:
		var activity UserActivity
		if err := parsePayload(&activity, ev.Payload); err != nil {
			return badRequest(string(gatewayEntity), "malformed user-activity payload").withCause(err)
		}
		return g.RelayActivity(conn, activity)

	default:
		return badRequest(string(gatewayEntity), "Unknown event type").withDetails(map[string]string{"event": ev.Event})
	}
}

// JoinRoom adds the connection to the room for fileId. A connection may
// actively edit only one file at a time, so any other room held by the
// connection is left first. The recomputed active-user list is broadcast to
// every member including the joiner, and the others additionally receive a
// user-joined notice.
func (g *Gateway) JoinRoom(conn *Conn, fileId string) error {
	if err := g.checkState(); err != nil {
		return err
	}
	if fileId == "" {
		return badRequest(string(gatewayEntity), "join-file requires a fileId")
	}
	for _, previous := range conn.JoinedRooms() {
		if previous == fileId {
			continue
		}
		if err := g.LeaveRoom(conn, previous); err != nil {
			g.reportError("room_switch", err)
		}
	}
	room := g.getOrCreateRoom(fileId)

	room.addConn(conn, time.Now())

	conn.TrackRoom(fileId)

	if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
		g.options.Hooks.Metrics.RoomJoined(conn.Identity().ID, fileId)
	}
	now := isoNow()

	joinErr := room.broadcastFrom(conn.ID, Event{
		Event:     userJoinedEvent,
		RequestId: uuid.NewString(),
		Timestamp: now,
		Payload: userNoticePayload{
			UserID:    conn.Identity().ID,
			Username:  conn.Identity().Username,
			Timestamp: now,
		},
	})

	return combine(joinErr, g.broadcastActiveUsers(room))
}

// LeaveRoom removes the connection from the room for fileId, broadcasts the
// recomputed active-user list to the remaining members along with a
// user-left notice, and destroys the room if it is now empty.
func (g *Gateway) LeaveRoom(conn *Conn, fileId string) error {
	if err := g.checkState(); err != nil {
		return err
	}
	conn.UntrackRoom(fileId)

	room := g.getRoom(fileId)

	if room == nil {
		return nil
	}
	if !room.contains(conn.ID) {
		return nil
	}
	empty := room.removeConn(conn.ID)

	if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
		g.options.Hooks.Metrics.RoomLeft(conn.Identity().ID, fileId)
	}
	if empty {
		g.destroyRoom(fileId)

		return nil
	}
	return g.announceDeparture(room, conn)
}

func (g *Gateway) announceDeparture(room *Room, conn *Conn) error {
	now := isoNow()

	leftErr := room.broadcast(Event{
		Event:     userLeftEvent,
		RequestId: uuid.NewString(),
		Timestamp: now,
		Payload: userNoticePayload{
			UserID:    conn.Identity().ID,
			Username:  conn.Identity().Username,
			Timestamp: now,
		},
	})

	return combine(leftErr, g.broadcastActiveUsers(room))
}

func (g *Gateway) broadcastActiveUsers(room *Room) error {
	return room.broadcast(Event{
		Event:     activeUsersEvent,
		RequestId: uuid.NewString(),
		Timestamp: isoNow(),
		Payload: activeUsersPayload{
			FileID: room.FileID(),
			Users:  room.ActiveUsers(),
		},
	})
}

// RelayUpdate forwards a file-updated event to every other connection in
// the file's room. The sender's identity and the timestamp are stamped
// server-side; whatever the client put there is discarded.
func (g *Gateway) RelayUpdate(conn *Conn, update FileUpdate) error {
	if err := g.checkState(); err != nil {
		return err
	}
	if update.FileID == "" {
		return badRequest(string(gatewayEntity), "file-updated requires a fileId")
	}
	room := g.getRoom(update.FileID)

	if room == nil {
		return nil
	}
	update.UserID = conn.Identity().ID
	update.Username = conn.Identity().Username
	update.Timestamp = isoNow()

	return room.broadcastFrom(conn.ID, Event{
		Event:     fileUpdatedEvent,
		RequestId: uuid.NewString(),
		Timestamp: update.Timestamp,
		Payload:   update,
	})
}

// RelayActivity forwards a user-activity event (typing, selecting) to every
// other connection in the file's room.
func (g *Gateway) RelayActivity(conn *Conn, activity UserActivity) error {
	if err := g.checkState(); err != nil {
		return err
	}
	if activity.FileID == "" {
		return badRequest(string(gatewayEntity), "user-activity requires a fileId")
	}
	room := g.getRoom(activity.FileID)

	if room == nil {
		return nil
	}
	activity.UserID = conn.Identity().ID
	activity.Username = conn.Identity().Username
	activity.Timestamp = isoNow()

	return room.broadcastFrom(conn.ID, Event{
		Event:     userActivityEvent,
		RequestId: uuid.NewString(),
		Timestamp: activity.Timestamp,
		Payload:   activity,
	})
}

// onDisconnect runs as the connection's close handler. It iterates the
// connection's shadow room set -- NOT whatever the transport still knows,
// which at this point is nothing -- and for each room broadcasts the
// recomputed member list and a user-left notice to the remaining members.
func (g *Gateway) onDisconnect(conn *Conn) error {
	var errs error
	for _, fileId := range conn.JoinedRooms() {
		room := g.getRoom(fileId)

		if room == nil {
			continue
		}
		empty := room.removeConn(conn.ID)

		if empty {
			g.destroyRoom(fileId)

			continue
		}
		if err := g.announceDeparture(room, conn); err != nil {
			errs = addError(errs, err)
		}
	}
	_ = g.connections.Delete(conn.ID)

	if opened, err := g.connOpened.Read(conn.ID); err == nil {
		if g.options.Hooks != nil && g.options.Hooks.Metrics != nil {
			g.options.Hooks.Metrics.ConnectionClosed(conn.ID, time.Since(opened))
		}
		_ = g.connOpened.Delete(conn.ID)
	}
	if g.options.Hooks != nil && g.options.Hooks.OnDisconnect != nil {
		g.options.Hooks.OnDisconnect(conn)
	}
	return errs
}

// ActiveUsersInFile returns the deduplicated presence list for one file
// room, or an empty list when the room does not exist.
func (g *Gateway) ActiveUsersInFile(fileId string) []ActiveUser {
	room := g.getRoom(fileId)

	if room == nil {
		return []ActiveUser{}
	}
	return room.ActiveUsers()
}

// AllActiveUsers returns one Identity per distinct user currently connected
// to the gateway, whether or not they have joined a room.
func (g *Gateway) AllActiveUsers() []Identity {
	seen := make(map[string]struct{})

	out := make([]Identity, 0)

	for _, conn := range g.connections.Values() {
		identity := conn.Identity()

		if _, ok := seen[identity.ID]; ok {
			continue
		}
		seen[identity.ID] = struct{}{}

		out = append(out, identity)
	}
	return out
}

// EmitToFileRoom sends an event to every member of the file's room.
func (g *Gateway) EmitToFileRoom(fileId string, event string, payload interface{}) error {
	room := g.getRoom(fileId)

	if room == nil {
		return nil
	}
	return room.broadcast(Event{
		Event:     event,
		RequestId: uuid.NewString(),
		Timestamp: isoNow(),
		Payload:   payload,
	})
}

// EmitToFileRoomExcept sends an event to every member of the file's room
// except connections belonging to the given user.
func (g *Gateway) EmitToFileRoomExcept(fileId string, userId string, event string, payload interface{}) error {
	room := g.getRoom(fileId)

	if room == nil {
		return nil
	}
	return room.broadcastExceptUser(userId, Event{
		Event:     event,
		RequestId: uuid.NewString(),
		Timestamp: isoNow(),
		Payload:   payload,
	})
}

// EmitToUser sends an event to every connection held by the given user.
func (g *Gateway) EmitToUser(userId string, event string, payload interface{}) error {
	ev := Event{
		Event:     event,
		RequestId: uuid.NewString(),
		Timestamp: isoNow(),
		Payload:   payload,
	}

	var errs error
	for _, conn := range g.connections.Values() {
		if conn.Identity().ID != userId {
			continue
		}
		if err := conn.SendJSON(ev); err != nil {
			errs = addError(errs, err)
		}
	}
	return errs
}

// BroadcastSystemNotification sends a system-notification event to every
// connected client regardless of room membership.
func (g *Gateway) BroadcastSystemNotification(message, noticeType string) {
	now := isoNow()

	ev := Event{
		Event:     systemNoticeEvent,
		RequestId: uuid.NewString(),
		Timestamp: now,
		Payload: SystemNotice{
			Message:   message,
			Type:      noticeType,
			Timestamp: now,
		},
	}
	for _, conn := range g.connections.Values() {
		if err := conn.SendJSON(ev); err != nil {
			g.reportError("system_notification", err)
		}
	}
}

func (g *Gateway) getRoom(fileId string) *Room {
	g.roomMutex.Lock()

	defer g.roomMutex.Unlock()

	return g.rooms[fileId]
}

func (g *Gateway) getOrCreateRoom(fileId string) *Room {
	g.roomMutex.Lock()

	defer g.roomMutex.Unlock()

	if room, ok := g.rooms[fileId]; ok {
		return room
	}
	room := newRoom(g.ctx, fileId, g.options.QueueTimeout, g.options.Hooks)

	g.rooms[fileId] = room
	return room
}

func (g *Gateway) destroyRoom(fileId string) {
	g.roomMutex.Lock()

	defer g.roomMutex.Unlock()

	if room, ok := g.rooms[fileId]; ok {
		room.Close()

		delete(g.rooms, fileId)
	}
}

func (g *Gateway) checkState() error {
	select {
	case <-g.ctx.Done():
		return wrapF(g.ctx.Err(), "gateway is shutting down")
	default:
		return nil
	}
}

func (g *Gateway) reportError(component string, err error) {
	if err == nil || g.options == nil || g.options.Hooks == nil || g.options.Hooks.Metrics == nil {
		return
	}
	g.options.Hooks.Metrics.Error(component, err)
}
