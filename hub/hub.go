package hub

import (
	"log/slog"
	"sync"

	"codepulse-server/domain"
	"codepulse-server/metrics"
)

// room holds the members of one collaborative session in join order.
type room struct {
	order   []string
	clients map[string]domain.Connection
}

// Hub is the room directory: it owns room membership and computes the
// audience for every broadcast. Rooms are created implicitly on first
// join and deleted as soon as they empty, so membership churn never
// grows the map. Room state itself (code, chat, cursors) is never
// stored here, only relayed.
type Hub struct {
	registry domain.SessionRegistry
	mu       sync.RWMutex
	rooms    map[string]*room
}

func New(reg domain.SessionRegistry) *Hub {
	return &Hub{
		registry: reg,
		rooms:    make(map[string]*room),
	}
}

// Join adds the connection to roomID, creating the room if absent.
// Joining the same room twice is a no-op. A connection belongs to at
// most one room: joining a different room leaves the previous one
// first, and the previous room's ID is returned so the caller can
// notify it.
func (h *Hub) Join(roomID string, conn domain.Connection) (prevRoom string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := conn.ID()
	if cur, ok := h.registry.RoomOf(id); ok {
		if cur == roomID {
			return ""
		}
		prevRoom = cur
		h.removeLocked(cur, id)
	}

	r, exists := h.rooms[roomID]
	if !exists {
		r = &room{clients: make(map[string]domain.Connection)}
		h.rooms[roomID] = r
	}
	r.clients[id] = conn
	r.order = append(r.order, id)
	h.registry.SetRoom(id, roomID)

	slog.Info("client joined", "room", roomID, "clientId", id, "clients", len(r.clients))
	return prevRoom
}

// Leave removes the connection from whichever room it belongs to,
// looked up via the registry. Unknown connections are a no-op, so
// disconnect is idempotent-safe.
func (h *Hub) Leave(conn domain.Connection) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := conn.ID()
	roomID, ok := h.registry.RoomOf(id)
	if !ok {
		return "", false
	}
	h.removeLocked(roomID, id)
	h.registry.SetRoom(id, "")
	return roomID, true
}

// removeLocked drops id from roomID's member set and deletes the room
// once empty. Caller holds h.mu.
func (h *Hub) removeLocked(roomID, id string) {
	r, exists := h.rooms[roomID]
	if !exists {
		return
	}
	if _, member := r.clients[id]; !member {
		return
	}
	delete(r.clients, id)
	for i, mid := range r.order {
		if mid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	slog.Info("client left", "room", roomID, "clientId", id, "clients", len(r.clients))

	if len(r.clients) == 0 {
		delete(h.rooms, roomID)
		slog.Info("room removed", "room", roomID)
	}
}

// Members returns the member connection IDs in join order.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, exists := h.rooms[roomID]
	if !exists {
		return nil
	}
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// MemberNames resolves the member list to display names at the moment
// of the query, so a rename is reflected in the next snapshot.
func (h *Hub) MemberNames(roomID string) []string {
	ids := h.Members(roomID)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = h.registry.NameOf(id)
	}
	return names
}

// BroadcastAll sends data to every member of the room.
func (h *Hub) BroadcastAll(roomID string, data []byte) {
	h.broadcast(roomID, "", data)
}

// Broadcast sends data to every member of the room except the sender.
func (h *Hub) Broadcast(roomID, senderID string, data []byte) {
	h.broadcast(roomID, senderID, data)
}

func (h *Hub) broadcast(roomID, skipID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, exists := h.rooms[roomID]
	if !exists {
		return
	}
	metrics.Broadcasts.Inc()

	for id, conn := range r.clients {
		if id == skipID {
			continue
		}
		if err := conn.Send(data); err != nil {
			// Slow consumer with a full send buffer; the frame is
			// dropped, the read pump handles the eventual close.
			slog.Warn("send failed", "room", roomID, "clientId", id, "error", err)
		}
	}
}

// Stats reports the current room and client counts.
func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		clients += len(r.clients)
	}
	return rooms, clients
}
