package ws

import (
	"strconv"
	"sync"

	"github.com/Satzhan7/diploma-sub000/internal/metrics"
)

// ChatRoom names the room shared by everyone viewing a chat.
func ChatRoom(chatID uint) string { return "chat:" + strconv.FormatUint(uint64(chatID), 10) }

// UserRoom names the personal room of a user.
func UserRoom(userID uint) string { return "user:" + strconv.FormatUint(uint64(userID), 10) }

// Hub is the connection registry and the room membership table of one
// process. A user may hold several sockets; the most recent one resolves
// and is the only member of the user's personal room.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[uint][]*Client
	rooms  map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns:  make(map[string]*Client),
		byUser: make(map[uint][]*Client),
		rooms:  make(map[string]map[*Client]struct{}),
	}
}

// Register adds c and makes it the resolving connection of its user.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; ok {
		return
	}
	h.conns[c.id] = c
	personal := UserRoom(c.userID)
	if list := h.byUser[c.userID]; len(list) > 0 {
		h.leaveLocked(list[len(list)-1], personal)
	}
	h.byUser[c.userID] = append(h.byUser[c.userID], c)
	h.joinLocked(c, personal)
	metrics.WsConnections.Inc()
}

// Unregister drops c from every map and closes its send buffer. It reports
// whether c was the last connection of its user. Calling it again is a no-op.
func (h *Hub) Unregister(c *Client) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return false
	}
	delete(h.conns, c.id)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}

	list := h.byUser[c.userID]
	for i, cc := range list {
		if cc == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.byUser, c.userID)
		last = true
	} else {
		h.byUser[c.userID] = list
		// an older socket of the same user takes over the personal room
		h.joinLocked(list[len(list)-1], UserRoom(c.userID))
	}

	c.closeSend()
	metrics.WsConnections.Dec()
	return last
}

// Resolve returns the current connection of a user.
func (h *Hub) Resolve(userID uint) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.byUser[userID]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

// Connected reports whether the user has at least one socket on this hub.
func (h *Hub) Connected(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// Join adds c to room. It returns false if c is not registered.
func (h *Hub) Join(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return false
	}
	h.joinLocked(c, room)
	return true
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) joinLocked(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Online returns the number of connections in room.
func (h *Hub) Online(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// InRoom reports whether c is a member of room.
func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// Deliver queues frame to every member of room and returns how many
// connections accepted it. Members whose buffer is full are evicted.
func (h *Hub) Deliver(room string, frame []byte) int {
	var (
		n    int
		slow []*Client
	)
	h.mu.RLock()
	for c := range h.rooms[room] {
		select {
		case c.send <- frame:
			n++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.Unregister(c)
		metrics.SlowConsumersEvicted.Inc()
	}
	return n
}

// Emit delivers frame to the local members of room. Rooms without members
// are ignored.
func (h *Hub) Emit(room string, frame []byte) error {
	h.Deliver(room, frame)
	return nil
}

// SendTo queues frame to a single connection.
func (h *Hub) SendTo(c *Client, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.conns[c.id]; !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}
