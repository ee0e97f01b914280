// Package registry tracks live connections and which single room each one is
// currently subscribed to. It is pure in-memory bookkeeping: rooms are not
// stored entities, only the set of connections whose subscription currently
// names them, and a room with no members ceases to exist.
//
// The connection index and each room's member set carry their own locks so
// that membership churn in one room never serializes behind activity in
// another. Nothing here holds a lock across a moderation round trip.
package registry

import (
	"errors"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned by Register for a duplicate connection ID.
	ErrAlreadyRegistered = errors.New("registry: connection already registered")

	// ErrUnknownConnection is returned by operations that require an existing
	// connection. Unregister deliberately does not return it: disconnects can
	// race with cleanup, so removing an unknown connection is a no-op.
	ErrUnknownConnection = errors.New("registry: unknown connection")
)

// Connection is the registry's record of one live transport session.
type Connection struct {
	ID       string // connection (session) ID
	MemberID string // member bound at connect time
	Name     string // member display name
	Room     string // current room, "" if none
}

// room is one room's member set with its own lock.
type room struct {
	mu      sync.RWMutex
	members map[string]struct{} // connection IDs
}

// Registry is a thread-safe map of connections to their current room.
type Registry struct {
	connMu sync.RWMutex
	conns  map[string]*Connection

	roomMu sync.RWMutex
	rooms  map[string]*room
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		rooms: make(map[string]*room),
	}
}

// Register creates a Connection with no room subscription. It fails with
// ErrAlreadyRegistered if the connection ID is already present.
func (r *Registry) Register(connID, memberID, name string) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if _, ok := r.conns[connID]; ok {
		return ErrAlreadyRegistered
	}
	r.conns[connID] = &Connection{ID: connID, MemberID: memberID, Name: name}
	return nil
}

// Join sets or overwrites the connection's room subscription. Joining the
// room the connection is already in is a no-op. Joining a new room implicitly
// leaves the previous one. Returns ErrUnknownConnection for an unknown ID.
func (r *Registry) Join(connID, roomName string) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	prev := conn.Room
	if prev == roomName {
		return nil
	}
	conn.Room = roomName

	// The room-set transition stays under connMu so a racing Unregister
	// cannot slip between the leave and the join and strand this id in the
	// new room's member set after the connection is gone.
	if prev != "" {
		r.leaveRoom(prev, connID)
	}
	r.joinRoom(roomName, connID)
	return nil
}

// Unregister removes the connection and its room membership. Unknown IDs are
// a no-op so that disconnect paths racing with cleanup stay idempotent.
func (r *Registry) Unregister(connID string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	// Holding connMu through the leave keeps removal ordered with any
	// concurrent Join for the same connection (lock order is always
	// connMu before roomMu).
	if conn.Room != "" {
		r.leaveRoom(conn.Room, connID)
	}
}

// Get returns the connection record for the given ID, or nil if not found.
// The returned value is a copy; mutating it does not affect the registry.
func (r *Registry) Get(connID string) *Connection {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	c := *conn
	return &c
}

// MembersOf returns a point-in-time snapshot of the connection IDs subscribed
// to the room at call time, not a live view. Snapshot semantics let the
// broadcaster fan out without holding any registry lock while membership
// keeps changing underneath it.
func (r *Registry) MembersOf(roomName string) []string {
	r.roomMu.RLock()
	rm, ok := r.rooms[roomName]
	r.roomMu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	members := make([]string, 0, len(rm.members))
	for id := range rm.members {
		members = append(members, id)
	}
	rm.mu.RUnlock()
	return members
}

// Rooms returns the number of rooms that currently have at least one member.
func (r *Registry) Rooms() int {
	r.roomMu.RLock()
	n := len(r.rooms)
	r.roomMu.RUnlock()
	return n
}

// Count returns the current number of registered connections.
func (r *Registry) Count() int {
	r.connMu.RLock()
	n := len(r.conns)
	r.connMu.RUnlock()
	return n
}

// joinRoom adds the connection to the room's member set, creating the room
// implicitly if it did not exist. The room index lock is held across the
// insert so a racing leaveRoom cannot delete the room out from under it.
func (r *Registry) joinRoom(roomName, connID string) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()

	rm, ok := r.rooms[roomName]
	if !ok {
		rm = &room{members: make(map[string]struct{})}
		r.rooms[roomName] = rm
	}

	rm.mu.Lock()
	rm.members[connID] = struct{}{}
	rm.mu.Unlock()
}

// leaveRoom removes the connection from the room's member set and drops the
// room entirely once its last member is gone.
func (r *Registry) leaveRoom(roomName, connID string) {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()

	rm, ok := r.rooms[roomName]
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, roomName)
	}
}
