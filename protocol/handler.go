package protocol

import (
	"context"
	"encoding/json"
	"log/slog"

	"codepulse-server/ai"
	"codepulse-server/domain"
	"codepulse-server/metrics"
)

// defaultQuestion is used for the ask-ai shortcut, which carries no
// question of its own.
const defaultQuestion = "Find the error in my code and fix it."

// Asker is the AI bridge as the relay sees it.
type Asker interface {
	Ask(ctx context.Context, req ai.Request) (string, error)
}

type handlerFunc func(conn domain.Connection, payload json.RawMessage)

// Relay dispatches inbound events to per-kind handlers. Each handler
// validates minimal shape, computes the audience, and sends; a
// malformed event is dropped without touching the transport, since
// availability beats strict validation here. Events are handled
// synchronously in arrival order except the AI bridge call, which
// runs on its own goroutine and re-enters the broadcast path when the
// response lands.
type Relay struct {
	registry domain.SessionRegistry
	rooms    domain.RoomDirectory
	bridge   Asker
	handlers map[string]handlerFunc
}

func NewRelay(reg domain.SessionRegistry, rooms domain.RoomDirectory, bridge Asker) *Relay {
	r := &Relay{registry: reg, rooms: rooms, bridge: bridge}
	r.handlers = map[string]handlerFunc{
		domain.KindJoinRoom:      r.handleJoin,
		domain.KindUserActivity:  r.handleActivity,
		domain.KindCursorMove:    r.handleCursor,
		domain.KindCodeChange:    r.handleCode,
		domain.KindSendMessage:   r.handleChat,
		domain.KindAskAISpecific: r.handleAskAI,
		domain.KindAskAI:         r.handleAskAIShortcut,
		domain.KindPing:          r.handlePing,
	}
	return r
}

// Connect registers a freshly accepted transport connection.
func (r *Relay) Connect(conn domain.Connection) {
	r.registry.Register(conn.ID())
	metrics.Connections.Inc()
	slog.Debug("connection registered", "clientId", conn.ID())
}

// Handle routes one inbound frame to its event handler.
func (r *Relay) Handle(conn domain.Connection, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("invalid frame", "clientId", conn.ID(), "error", err)
		return
	}

	h, ok := r.handlers[env.Kind]
	if !ok {
		// The kind string is client-supplied; only dispatchable kinds
		// may become counter labels, everything else shares one
		// bucket.
		metrics.Events.WithLabelValues("unknown").Inc()
		slog.Warn("unknown event kind", "clientId", conn.ID(), "kind", env.Kind)
		return
	}
	metrics.Events.WithLabelValues(env.Kind).Inc()
	h(conn, env.Payload)
}

// Disconnect cleans up registry and room membership and tells the
// remaining members who left. Safe to call for connections that never
// joined a room.
func (r *Relay) Disconnect(conn domain.Connection) {
	id := conn.ID()
	name := r.registry.NameOf(id)
	roomID, ok := r.rooms.Leave(conn)
	r.registry.Remove(id)
	metrics.Connections.Dec()

	if ok {
		r.notifyDeparture(roomID, name)
	}
	slog.Debug("connection removed", "clientId", id)
}

// notifyDeparture announces who left and refreshes the member list
// for whoever is still in the room.
func (r *Relay) notifyDeparture(roomID, name string) {
	if data, ok := encode(domain.KindUserLeft, domain.UserLeftPayload{UserName: name}); ok {
		r.rooms.BroadcastAll(roomID, data)
	}
	if data, ok := encode(domain.KindUserList, r.rooms.MemberNames(roomID)); ok {
		r.rooms.BroadcastAll(roomID, data)
	}
}

func (r *Relay) handleJoin(conn domain.Connection, payload json.RawMessage) {
	var p domain.JoinPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" || p.UserName == "" {
		slog.Warn("malformed join", "clientId", conn.ID())
		return
	}

	// The old room knew the user by the name it saw, not the one this
	// join carries.
	oldName := r.registry.NameOf(conn.ID())
	r.registry.SetName(conn.ID(), p.UserName)
	if prev := r.rooms.Join(p.RoomID, conn); prev != "" {
		// Joining a new room implies leaving the old one.
		r.notifyDeparture(prev, oldName)
	}

	// The whole room, joiner included, gets the authoritative list
	// the moment it changes.
	if data, ok := encode(domain.KindUserList, r.rooms.MemberNames(p.RoomID)); ok {
		r.rooms.BroadcastAll(p.RoomID, data)
	}
}

func (r *Relay) handleActivity(conn domain.Connection, payload json.RawMessage) {
	var p domain.ActivityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	roomID, ok := r.memberOf(conn, p.RoomID)
	if !ok {
		return
	}
	if data, ok := encode(domain.KindActivity, domain.ActivityPayload{Activity: p.Activity}); ok {
		r.rooms.Broadcast(roomID, conn.ID(), data)
	}
}

func (r *Relay) handleCursor(conn domain.Connection, payload json.RawMessage) {
	var p domain.CursorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	roomID, ok := r.memberOf(conn, p.RoomID)
	if !ok {
		return
	}
	out := domain.CursorPayload{UserName: p.UserName, LineNumber: p.LineNumber}
	if data, ok := encode(domain.KindCursorUpdate, out); ok {
		r.rooms.Broadcast(roomID, conn.ID(), data)
	}
}

func (r *Relay) handleCode(conn domain.Connection, payload json.RawMessage) {
	var p domain.CodePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	roomID, ok := r.memberOf(conn, p.RoomID)
	if !ok {
		return
	}
	// Full-document replacement, last writer wins. The sender's local
	// copy is already authoritative, so it never gets an echo.
	if data, ok := encode(domain.KindReceiveCode, domain.CodePayload{Code: p.Code}); ok {
		r.rooms.Broadcast(roomID, conn.ID(), data)
	}
}

func (r *Relay) handleChat(conn domain.Connection, payload json.RawMessage) {
	var p domain.ChatPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Message == "" {
		return
	}
	roomID, ok := r.memberOf(conn, p.RoomID)
	if !ok {
		return
	}
	// The author appended the message locally already; only the relay
	// goes out.
	out := domain.ChatPayload{Sender: p.Sender, Message: p.Message}
	if data, ok := encode(domain.KindReceiveMsg, out); ok {
		r.rooms.Broadcast(roomID, conn.ID(), data)
	}
}

func (r *Relay) handleAskAI(conn domain.Connection, payload json.RawMessage) {
	var p domain.AIPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	r.askAI(conn, p)
}

// handleAskAIShortcut serves the one-click fix button: same flow with
// a canned question.
func (r *Relay) handleAskAIShortcut(conn domain.Connection, payload json.RawMessage) {
	var p domain.AIPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	p.Question = defaultQuestion
	r.askAI(conn, p)
}

func (r *Relay) askAI(conn domain.Connection, p domain.AIPayload) {
	roomID, ok := r.memberOf(conn, p.RoomID)
	if !ok {
		return
	}
	req := ai.Request{
		Question:   p.Question,
		Code:       p.Code,
		Language:   p.Language,
		LastOutput: p.Error,
	}

	// The bridge call must not block the relay for other rooms; the
	// completion re-enters the normal broadcast path.
	go func() {
		answer, err := r.bridge.Ask(context.Background(), req)
		out := domain.ChatPayload{Sender: ai.SenderName, Message: answer}
		if err != nil {
			slog.Error("ai bridge failed", "room", roomID, "error", err)
			out = domain.ChatPayload{Sender: ai.ErrorSender, Message: ai.ErrorText}
		}
		// If the room emptied while the request was in flight, this
		// broadcast is a no-op and the response is discarded.
		if data, ok := encode(domain.KindReceiveMsg, out); ok {
			r.rooms.BroadcastAll(roomID, data)
		}
	}()
}

func (r *Relay) handlePing(conn domain.Connection, payload json.RawMessage) {
	var p domain.PingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	pong := domain.PongPayload{Timestamp: p.Timestamp, ClientID: conn.ID()}
	if data, ok := encode(domain.KindPong, pong); ok {
		if err := conn.Send(data); err != nil {
			slog.Warn("pong send failed", "clientId", conn.ID(), "error", err)
		}
	}
}

// memberOf validates that the sender actually belongs to the room it
// reported. Events for rooms the sender never joined are dropped.
func (r *Relay) memberOf(conn domain.Connection, roomID string) (string, bool) {
	if roomID == "" {
		return "", false
	}
	cur, ok := r.registry.RoomOf(conn.ID())
	if !ok || cur != roomID {
		slog.Warn("event for unjoined room", "clientId", conn.ID(), "room", roomID)
		return "", false
	}
	return roomID, true
}

func encode(kind string, payload any) ([]byte, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshal error", "kind", kind, "error", err)
		return nil, false
	}
	data, err := json.Marshal(domain.Envelope{Kind: kind, Payload: raw})
	if err != nil {
		slog.Warn("marshal error", "kind", kind, "error", err)
		return nil, false
	}
	return data, true
}
