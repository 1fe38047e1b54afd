package domain

import "encoding/json"

// Inbound event kinds.
const (
	KindJoinRoom      = "join-room"
	KindUserActivity  = "user-activity"
	KindCursorMove    = "cursor-move"
	KindCodeChange    = "code-change"
	KindSendMessage   = "send-message"
	KindAskAISpecific = "ask-ai-specific"
	KindAskAI         = "ask-ai"
	KindPing          = "ping"
)

// Outbound event kinds.
const (
	KindUserList     = "user-list"
	KindActivity     = "activity-update"
	KindCursorUpdate = "user-cursor-update"
	KindReceiveCode  = "receive-code"
	KindReceiveMsg   = "receive-message"
	KindUserLeft     = "user-left"
	KindPong         = "pong"
)

// Envelope is the wire shape for every message in both directions.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

type ActivityPayload struct {
	RoomID   string `json:"roomId,omitempty"`
	Activity string `json:"activity"`
}

type CursorPayload struct {
	RoomID     string `json:"roomId,omitempty"`
	UserName   string `json:"userName"`
	LineNumber int    `json:"lineNumber"`
}

type CodePayload struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code"`
}

type ChatPayload struct {
	RoomID  string `json:"roomId,omitempty"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// AIPayload carries a debugging question plus the context the model
// needs. Error holds the last observed terminal output and may be
// empty.
type AIPayload struct {
	RoomID   string `json:"roomId"`
	Question string `json:"question"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Error    string `json:"error"`
}

type UserLeftPayload struct {
	UserName string `json:"userName"`
}

type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type PongPayload struct {
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId"`
}

// Connection is one client's transport endpoint. Identity for
// addressing is always the connection ID, never the display name.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// SessionRegistry maps connection IDs to display names and current
// room. NameOf never fails: a missing entry yields the "unknown"
// sentinel, since disconnect races are expected.
type SessionRegistry interface {
	Register(id string)
	SetName(id, name string)
	SetRoom(id, room string)
	NameOf(id string) string
	RoomOf(id string) (string, bool)
	Remove(id string)
	Len() int
}

// RoomDirectory tracks room membership and fans out payloads to the
// computed audience. Join returns the room the connection previously
// belonged to, if any, so the caller can notify it.
type RoomDirectory interface {
	Join(roomID string, conn Connection) (prevRoom string)
	Leave(conn Connection) (roomID string, ok bool)
	Members(roomID string) []string
	MemberNames(roomID string) []string
	BroadcastAll(roomID string, data []byte)
	Broadcast(roomID, senderID string, data []byte)
	Stats() (rooms, clients int)
}

// EventHandler receives transport lifecycle events and inbound frames.
type EventHandler interface {
	Connect(conn Connection)
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}
