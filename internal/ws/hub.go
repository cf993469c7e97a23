package ws

import (
	"log/slog"
	"sort"
	"sync"
)

// Subscriber abstracts a streaming client. Send must not block: it either
// queues the payload or fails.
type Subscriber interface {
	ID() string
	Send([]byte) error
	Close()
}

// Hub is a room membership registry. A subscriber may sit in any number of
// rooms and a room may hold any number of subscribers.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Subscriber
	members map[string]map[string]struct{}
	log     *slog.Logger
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:   make(map[string]map[string]Subscriber),
		members: make(map[string]map[string]struct{}),
		log:     logger,
	}
}

// Join adds sub to room and, when ack is non-nil, queues it to sub before
// any later broadcast can reach it. Joining twice is a no-op apart from the
// ack.
func (h *Hub) Join(room string, sub Subscriber, ack []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[string]Subscriber)
		h.rooms[room] = subs
	}
	subs[sub.ID()] = sub
	rooms, ok := h.members[sub.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		h.members[sub.ID()] = rooms
	}
	rooms[room] = struct{}{}
	if ack == nil {
		return nil
	}
	if err := sub.Send(ack); err != nil {
		h.leaveLocked(room, sub.ID())
		return err
	}
	return nil
}

// Leave removes sub from room. It reports whether sub was a member.
func (h *Hub) Leave(room string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(room, sub.ID())
}

// LeaveAll removes sub from every room and returns the rooms it left.
func (h *Hub) LeaveAll(sub Subscriber) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []string
	for room := range h.members[sub.ID()] {
		if h.leaveLocked(room, sub.ID()) {
			left = append(left, room)
		}
	}
	sort.Strings(left)
	return left
}

func (h *Hub) leaveLocked(room, id string) bool {
	subs, ok := h.rooms[room]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
	if rooms, ok := h.members[id]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.members, id)
		}
	}
	return true
}

// Broadcast queues payload to every member of room and returns how many
// accepted it. Members that cannot keep up are closed and dropped.
func (h *Hub) Broadcast(room string, payload []byte) int {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.rooms[room]))
	for _, sub := range h.rooms[room] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if err := sub.Send(payload); err != nil {
			h.log.Warn("dropping stream subscriber", "subscriber", sub.ID(), "room", room, "error", err)
			h.LeaveAll(sub)
			sub.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Rooms lists the rooms sub belongs to.
func (h *Hub) Rooms(sub Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.members[sub.ID()]))
	for room := range h.members[sub.ID()] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// roomSize reports the member count of room.
func (h *Hub) roomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Count reports the number of non-empty rooms and connected subscribers.
func (h *Hub) Count() (rooms, subscribers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.members)
}
