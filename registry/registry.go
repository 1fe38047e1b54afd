package registry

import "sync"

// UnknownName is returned for connections the registry has never seen
// or has already forgotten. Lookups racing a disconnect are normal,
// so a miss is not an error.
const UnknownName = "unknown"

type session struct {
	name string
	room string
}

// Registry maps connection IDs to display names and current room.
// Display names are not deduplicated; two users may share a name.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Register creates an empty entry for a freshly connected transport.
func (r *Registry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		r.sessions[id] = &session{}
	}
}

// SetName attaches a display name. Overwrite is allowed: a client may
// rejoin over the same connection under a new name.
func (r *Registry) SetName(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &session{}
		r.sessions[id] = s
	}
	s.name = name
}

// SetRoom records the room a connection belongs to. An empty room
// clears the association.
func (r *Registry) SetRoom(id, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.room = room
	}
}

// NameOf returns the display name for id, or UnknownName if the
// connection is missing or never set one.
func (r *Registry) NameOf(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok && s.name != "" {
		return s.name
	}
	return UnknownName
}

// RoomOf returns the room id belongs to, if any.
func (r *Registry) RoomOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok && s.room != "" {
		return s.room, true
	}
	return "", false
}

// Remove deletes the entry. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
