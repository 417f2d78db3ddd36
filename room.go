// This file contains the Room struct which represents one file's
// collaboration room. A room tracks the live connections editing that file,
// recomputes the deduplicated presence list on every membership change, and
// delivers events to members through a single queue goroutine so that every
// member observes relayed events in the order the room processed them.
package gridsync

import (
	"context"
	"sync"
	"time"
)

type queuedEvent struct {
	event      Event
	recipients []*Conn
}

type Room struct {
	fileId       string
	members      map[string]roomMember
	connections  map[string]*Conn
	queue        chan queuedEvent
	queueTimeout time.Duration
	hooks        *Hooks
	ctx          context.Context
	cancel       context.CancelFunc
	mutex        sync.RWMutex
}

func newRoom(ctx context.Context, fileId string, queueTimeout time.Duration, hooks *Hooks) *Room {
	roomCtx, cancel := context.WithCancel(ctx)

	r := &Room{
		fileId:       fileId,
		members:      make(map[string]roomMember),
		connections:  make(map[string]*Conn),
		queue:        make(chan queuedEvent, 128),
		queueTimeout: queueTimeout,
		hooks:        hooks,
		ctx:          roomCtx,
		cancel:       cancel,
	}
	go r.dispatch()

	return r
}

func (r *Room) FileID() string {
	return r.fileId
}

func (r *Room) dispatch() {
	for {
		select {
		case ev, ok := <-r.queue:
			if !ok {
				return
			}
			for _, conn := range ev.recipients {
				if err := conn.SendJSON(ev.event); err != nil {
					r.reportError("room_dispatch", err)
				}
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Room) addConn(conn *Conn, joinedAt time.Time) {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	r.connections[conn.ID] = conn
	r.members[conn.ID] = roomMember{identity: conn.Identity(), joinedAt: joinedAt}
}

// removeConn drops the connection from the room and reports whether the
// room is now empty. Removing an unknown connection is a no-op.
func (r *Room) removeConn(connID string) (empty bool) {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	delete(r.connections, connID)

	delete(r.members, connID)

	return len(r.connections) == 0
}

func (r *Room) contains(connID string) bool {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	_, ok := r.connections[connID]
	return ok
}

// ActiveUsers recomputes the authoritative presence list for this room,
// deduplicated by identity id.
func (r *Room) ActiveUsers() []ActiveUser {
	r.mutex.RLock()

	members := make([]roomMember, 0, len(r.members))

	for _, m := range r.members {
		members = append(members, m)
	}
	r.mutex.RUnlock()

	return computeActiveUsers(members)
}

func (r *Room) recipientsExcept(connID string) []*Conn {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	out := make([]*Conn, 0, len(r.connections))

	for id, conn := range r.connections {
		if id == connID {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// recipientsExceptUser skips every connection belonging to the given
// identity, not just a single connection id. A user with two tabs open
// is excluded on both.
func (r *Room) recipientsExceptUser(userID string) []*Conn {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	out := make([]*Conn, 0, len(r.connections))

	for id, conn := range r.connections {
		if member, ok := r.members[id]; ok && member.identity.ID == userID {
			continue
		}
		out = append(out, conn)
	}
	return out
}

func (r *Room) allRecipients() []*Conn {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	out := make([]*Conn, 0, len(r.connections))

	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// broadcast queues the event for delivery to every member of the room.
func (r *Room) broadcast(event Event) error {
	return r.enqueue(queuedEvent{event: event, recipients: r.allRecipients()})
}

// broadcastFrom queues the event for delivery to every member except the
// sender's connection.
func (r *Room) broadcastFrom(senderConnID string, event Event) error {
	return r.enqueue(queuedEvent{event: event, recipients: r.recipientsExcept(senderConnID)})
}

// broadcastExceptUser queues the event for every member whose identity is
// not userID.
func (r *Room) broadcastExceptUser(userID string, event Event) error {
	return r.enqueue(queuedEvent{event: event, recipients: r.recipientsExceptUser(userID)})
}

func (r *Room) enqueue(ev queuedEvent) error {
	if len(ev.recipients) == 0 {
		return nil
	}
	if err := r.checkState(); err != nil {
		return err
	}
	if r.hooks != nil && r.hooks.Metrics != nil {
		r.hooks.Metrics.EventRelayed(r.fileId, ev.event.Event, len(ev.recipients))
	}
	select {
	case r.queue <- ev:
		return nil
	case <-r.ctx.Done():
		return wrapF(r.ctx.Err(), "room %s context cancelled while queueing event", r.fileId)

	case <-time.After(r.queueTimeout):
		return timeout(r.fileId, "timeout queueing room event; dispatcher might be stuck or overloaded")
	}
}

// Close shuts the room down, stopping the dispatch goroutine. Members are
// not closed; their connections belong to the gateway.
func (r *Room) Close() {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	select {
	case <-r.ctx.Done():
		return
	default:
	}
	r.cancel()

	r.connections = make(map[string]*Conn)

	r.members = make(map[string]roomMember)
}

func (r *Room) checkState() error {
	select {
	case <-r.ctx.Done():
		return wrapF(r.ctx.Err(), "room %s is shutting down", r.fileId)
	default:
		return nil
	}
}

func (r *Room) reportError(component string, err error) {
	if err == nil || r.hooks == nil || r.hooks.Metrics == nil {
		return
	}
	r.hooks.Metrics.Error(component, err)
}
