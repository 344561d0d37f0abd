package realtime

import (
	"encoding/json"
	"sync"

	"github.com/example/campus-messaging/protocol"
	"github.com/go-monolith/mono/pkg/types"
)

// Rooms groups users subscribed to a conversation for multicast. Rooms
// are a fan-out optimization; persisted messages remain the source of
// truth.
type Rooms struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{} // conversationID -> set of userIDs
	registry *Registry
	logger   types.Logger
}

// NewRooms creates an empty room manager that delivers through registry.
func NewRooms(registry *Registry, logger types.Logger) *Rooms {
	return &Rooms{
		rooms:    make(map[string]map[string]struct{}),
		registry: registry,
		logger:   logger,
	}
}

// Join adds userID to the room, creating it if absent.
func (r *Rooms) Join(conversationID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[conversationID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[conversationID] = members
	}
	members[userID] = struct{}{}
}

// Leave removes userID and deletes the room once it is empty.
func (r *Rooms) Leave(conversationID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(conversationID, userID)
}

func (r *Rooms) leaveLocked(conversationID, userID string) {
	members, ok := r.rooms[conversationID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, conversationID)
	}
}

// LeaveAll removes userID from every room and returns the rooms it left.
func (r *Rooms) LeaveAll(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for conversationID, members := range r.rooms {
		if _, ok := members[userID]; ok {
			left = append(left, conversationID)
		}
	}
	for _, conversationID := range left {
		r.leaveLocked(conversationID, userID)
	}
	return left
}

// Members returns a copy of the room's participants.
func (r *Rooms) Members(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[conversationID]
	out := make([]string, 0, len(members))
	for userID := range members {
		out = append(out, userID)
	}
	return out
}

// IsMember reports whether userID is in the room.
func (r *Rooms) IsMember(conversationID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID][userID]
	return ok
}

// Exists reports whether the room exists.
func (r *Rooms) Exists(conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID]
	return ok
}

// Count returns the number of rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast writes env to every reachable member of the room except
// exclude, iterating a snapshot of the membership. It returns the users
// the envelope was written to.
func (r *Rooms) Broadcast(conversationID string, env protocol.Envelope, exclude string) []string {
	members := r.Members(conversationID)
	if len(members) == 0 {
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("Failed to encode broadcast", "conversation_id", conversationID, "error", err)
		return nil
	}

	var delivered []string
	for _, userID := range members {
		if userID == exclude {
			continue
		}
		conn, ok := r.registry.Get(userID)
		if !ok {
			continue
		}
		if err := conn.write(data); err != nil {
			r.logger.Warn("Broadcast write failed", "conversation_id", conversationID, "user_id", userID, "error", err)
			continue
		}
		delivered = append(delivered, userID)
	}
	return delivered
}
