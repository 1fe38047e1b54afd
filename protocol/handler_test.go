package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepulse-server/ai"
	"codepulse-server/domain"
	"codepulse-server/hub"
	"codepulse-server/metrics"
	"codepulse-server/registry"
)

type mockConn struct {
	id   string
	sent [][]byte
	mu   sync.Mutex
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) getSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockConn) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

type stubBridge struct {
	mu      sync.Mutex
	reqs    []ai.Request
	answer  string
	err     error
	release chan struct{} // when set, Ask blocks until closed
}

func (s *stubBridge) Ask(_ context.Context, req ai.Request) (string, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return s.answer, s.err
}

func (s *stubBridge) requests() []ai.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ai.Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

type fixture struct {
	reg    *registry.Registry
	rooms  *hub.Hub
	bridge *stubBridge
	relay  *Relay
}

func newFixture() *fixture {
	reg := registry.New()
	rooms := hub.New(reg)
	bridge := &stubBridge{answer: "try a semicolon"}
	return &fixture{
		reg:    reg,
		rooms:  rooms,
		bridge: bridge,
		relay:  NewRelay(reg, rooms, bridge),
	}
}

func (f *fixture) connect(id string) *mockConn {
	c := &mockConn{id: id}
	f.relay.Connect(c)
	return c
}

func (f *fixture) join(t *testing.T, c *mockConn, room, name string) {
	t.Helper()
	f.relay.Handle(c, frame(t, domain.KindJoinRoom, domain.JoinPayload{RoomID: room, UserName: name}))
}

func frame(t *testing.T, kind string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(domain.Envelope{Kind: kind, Payload: raw})
	require.NoError(t, err)
	return data
}

func envelopes(t *testing.T, frames [][]byte) []domain.Envelope {
	t.Helper()
	out := make([]domain.Envelope, 0, len(frames))
	for _, f := range frames {
		var env domain.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func ofKind(envs []domain.Envelope, kind string) []domain.Envelope {
	var out []domain.Envelope
	for _, e := range envs {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func userList(t *testing.T, env domain.Envelope) []string {
	t.Helper()
	var names []string
	require.NoError(t, json.Unmarshal(env.Payload, &names))
	return names
}

func TestRelay_JoinSendsUserList(t *testing.T) {
	f := newFixture()
	a := f.connect("A")
	f.join(t, a, "r1", "A")

	lists := ofKind(envelopes(t, a.getSent()), domain.KindUserList)
	require.Len(t, lists, 1)
	assert.Equal(t, []string{"A"}, userList(t, lists[0]))

	b := f.connect("B")
	f.join(t, b, "r1", "B")

	// A sees the list twice, once per change; B gets it exactly once,
	// immediately on join.
	lists = ofKind(envelopes(t, a.getSent()), domain.KindUserList)
	require.Len(t, lists, 2)
	assert.Equal(t, []string{"A", "B"}, userList(t, lists[1]))

	require.Len(t, b.getSent(), 1)
	assert.Equal(t, []string{"A", "B"}, userList(t, envelopes(t, b.getSent())[0]))
}

func TestRelay_RoomEvents(t *testing.T) {
	tests := []struct {
		name     string
		inKind   string
		payload  any
		wantKind string
		check    func(*testing.T, domain.Envelope)
	}{
		{
			name:     "activity status is relayed opaquely",
			inKind:   domain.KindUserActivity,
			payload:  domain.ActivityPayload{RoomID: "r1", Activity: "A is typing in C..."},
			wantKind: domain.KindActivity,
			check: func(t *testing.T, env domain.Envelope) {
				var p domain.ActivityPayload
				require.NoError(t, json.Unmarshal(env.Payload, &p))
				assert.Equal(t, "A is typing in C...", p.Activity)
			},
		},
		{
			name:     "cursor position carries sender name and line",
			inKind:   domain.KindCursorMove,
			payload:  domain.CursorPayload{RoomID: "r1", UserName: "A", LineNumber: 42},
			wantKind: domain.KindCursorUpdate,
			check: func(t *testing.T, env domain.Envelope) {
				var p domain.CursorPayload
				require.NoError(t, json.Unmarshal(env.Payload, &p))
				assert.Equal(t, "A", p.UserName)
				assert.Equal(t, 42, p.LineNumber)
			},
		},
		{
			name:     "code change relays the full document",
			inKind:   domain.KindCodeChange,
			payload:  domain.CodePayload{RoomID: "r1", Code: "x=1"},
			wantKind: domain.KindReceiveCode,
			check: func(t *testing.T, env domain.Envelope) {
				var p domain.CodePayload
				require.NoError(t, json.Unmarshal(env.Payload, &p))
				assert.Equal(t, "x=1", p.Code)
			},
		},
		{
			name:     "chat message carries sender and text",
			inKind:   domain.KindSendMessage,
			payload:  domain.ChatPayload{RoomID: "r1", Sender: "A", Message: "hello"},
			wantKind: domain.KindReceiveMsg,
			check: func(t *testing.T, env domain.Envelope) {
				var p domain.ChatPayload
				require.NoError(t, json.Unmarshal(env.Payload, &p))
				assert.Equal(t, "A", p.Sender)
				assert.Equal(t, "hello", p.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			a := f.connect("A")
			b := f.connect("B")
			f.join(t, a, "r1", "A")
			f.join(t, b, "r1", "B")
			a.clear()
			b.clear()

			f.relay.Handle(a, frame(t, tt.inKind, tt.payload))

			// The sender's local state is already authoritative; it
			// must never see an echo.
			assert.Empty(t, a.getSent())

			got := envelopes(t, b.getSent())
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantKind, got[0].Kind)
			tt.check(t, got[0])
		})
	}
}

func TestRelay_MalformedEventsDropped(t *testing.T) {
	tests := []struct {
		name  string
		frame func(*testing.T) []byte
	}{
		{
			name:  "invalid json",
			frame: func(t *testing.T) []byte { return []byte("not json") },
		},
		{
			name: "unknown kind",
			frame: func(t *testing.T) []byte {
				return frame(t, "draw-stroke", map[string]string{"roomId": "r1"})
			},
		},
		{
			name: "join without a name",
			frame: func(t *testing.T) []byte {
				return frame(t, domain.KindJoinRoom, domain.JoinPayload{RoomID: "r2"})
			},
		},
		{
			name: "code change without a room",
			frame: func(t *testing.T) []byte {
				return frame(t, domain.KindCodeChange, domain.CodePayload{Code: "x=1"})
			},
		},
		{
			name: "code change for an unjoined room",
			frame: func(t *testing.T) []byte {
				return frame(t, domain.KindCodeChange, domain.CodePayload{RoomID: "r9", Code: "x=1"})
			},
		},
		{
			name: "empty chat message",
			frame: func(t *testing.T) []byte {
				return frame(t, domain.KindSendMessage, domain.ChatPayload{RoomID: "r1", Sender: "A"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			a := f.connect("A")
			b := f.connect("B")
			f.join(t, a, "r1", "A")
			f.join(t, b, "r1", "B")
			a.clear()
			b.clear()

			f.relay.Handle(a, tt.frame(t))

			assert.Empty(t, a.getSent())
			assert.Empty(t, b.getSent())
		})
	}
}

func TestRelay_UnknownKindsShareOneCounterSeries(t *testing.T) {
	f := newFixture()
	a := f.connect("A")
	f.join(t, a, "r1", "A")
	a.clear()

	before := testutil.CollectAndCount(metrics.Events)
	for i := 0; i < 500; i++ {
		f.relay.Handle(a, frame(t, fmt.Sprintf("junk-%d", i), map[string]string{}))
	}
	after := testutil.CollectAndCount(metrics.Events)

	// Kind strings are client-supplied: junk kinds must all land in
	// the fixed "unknown" bucket instead of minting one label series
	// each.
	assert.LessOrEqual(t, after-before, 1)
	assert.Empty(t, a.getSent())
}

func TestRelay_DisconnectNotifiesRoom(t *testing.T) {
	f := newFixture()
	a := f.connect("A")
	b := f.connect("B")
	f.join(t, a, "r1", "A")
	f.join(t, b, "r1", "B")
	b.clear()

	f.relay.Disconnect(a)

	got := envelopes(t, b.getSent())
	left := ofKind(got, domain.KindUserLeft)
	require.Len(t, left, 1)
	var p domain.UserLeftPayload
	require.NoError(t, json.Unmarshal(left[0].Payload, &p))
	assert.Equal(t, "A", p.UserName)

	lists := ofKind(got, domain.KindUserList)
	require.Len(t, lists, 1)
	assert.Equal(t, []string{"B"}, userList(t, lists[0]))

	// No trace of A anywhere afterwards.
	assert.Equal(t, []string{"B"}, f.rooms.MemberNames("r1"))
	assert.Equal(t, registry.UnknownName, f.reg.NameOf("A"))
	assert.Equal(t, 1, f.reg.Len())
}

func TestRelay_DisconnectBeforeJoin(t *testing.T) {
	f := newFixture()
	a := f.connect("A")

	f.relay.Disconnect(a)

	assert.Equal(t, 0, f.reg.Len())
	rooms, clients := f.rooms.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, clients)
}

func TestRelay_RejoinNotifiesOldRoom(t *testing.T) {
	f := newFixture()
	a := f.connect("A")
	b := f.connect("B")
	f.join(t, a, "r1", "A")
	f.join(t, b, "r1", "B")
	b.clear()

	// Joining a different room under a new name implies leaving the
	// first; the old room is told the name it knew the user by.
	f.join(t, a, "r2", "Ann")

	got := envelopes(t, b.getSent())
	left := ofKind(got, domain.KindUserLeft)
	require.Len(t, left, 1)
	var p domain.UserLeftPayload
	require.NoError(t, json.Unmarshal(left[0].Payload, &p))
	assert.Equal(t, "A", p.UserName)

	lists := ofKind(got, domain.KindUserList)
	require.Len(t, lists, 1)
	assert.Equal(t, []string{"B"}, userList(t, lists[0]))

	assert.Equal(t, []string{"Ann"}, f.rooms.MemberNames("r2"))
}

func aiMessages(t *testing.T, c *mockConn) []domain.ChatPayload {
	t.Helper()
	var out []domain.ChatPayload
	for _, env := range ofKind(envelopes(t, c.getSent()), domain.KindReceiveMsg) {
		var p domain.ChatPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		out = append(out, p)
	}
	return out
}

func TestRelay_AIRequest(t *testing.T) {
	f := newFixture()
	a := f.connect("A")
	b := f.connect("B")
	f.join(t, a, "r1", "A")
	f.join(t, b, "r1", "B")
	a.clear()
	b.clear()

	f.relay.Handle(a, frame(t, domain.KindAskAISpecific, domain.AIPayload{
		RoomID:   "r1",
		Question: "why does this segfault",
		Code:     "int main(){}",
		Language: "c",
		Error:    "signal 11",
	}))

	// The response goes to the whole room, requester included.
	require.Eventually(t, func() bool {
		return len(aiMessages(t, a)) == 1 && len(aiMessages(t, b)) == 1
	}, time.Second, 10*time.Millisecond)

	for _, c := range []*mockConn{a, b} {
		msgs := aiMessages(t, c)
		assert.Equal(t, ai.SenderName, msgs[0].Sender)
		assert.Equal(t, "try a semicolon", msgs[0].Message)
	}

	reqs := f.bridge.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "why does this segfault", reqs[0].Question)
	assert.Equal(t, "int main(){}", reqs[0].Code)
	assert.Equal(t, "c", reqs[0].Language)
	assert.Equal(t, "signal 11", reqs[0].LastOutput)
}

func TestRelay_AIRequestFailure(t *testing.T) {
	f := newFixture()
	f.bridge.err = assert.AnError
	a := f.connect("A")
	b := f.connect("B")
	f.join(t, a, "r1", "A")
	f.join(t, b, "r1", "B")
	a.clear()
	b.clear()

	f.relay.Handle(a, frame(t, domain.KindAskAISpecific, domain.AIPayload{
		RoomID: "r1", Question: "help", Code: "x", Language: "python",
	}))

	// Everyone gets exactly one placeholder message from the error
	// identity; the failure never reaches the transport.
	require.Eventually(t, func() bool {
		return len(aiMessages(t, a)) == 1 && len(aiMessages(t, b)) == 1
	}, time.Second, 10*time.Millisecond)

	for _, c := range []*mockConn{a, b} {
		msgs := aiMessages(t, c)
		assert.Equal(t, ai.ErrorSender, msgs[0].Sender)
		assert.Equal(t, ai.ErrorText, msgs[0].Message)
	}
}

func TestRelay_AIShortcutUsesDefaultQuestion(t *testing.T) {
	f := newFixture()
	a := f.connect("A")
	f.join(t, a, "r1", "A")

	f.relay.Handle(a, frame(t, domain.KindAskAI, domain.AIPayload{
		RoomID: "r1", Code: "x=1", Language: "python", Error: "NameError",
	}))

	require.Eventually(t, func() bool {
		return len(f.bridge.requests()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, defaultQuestion, f.bridge.requests()[0].Question)
}

func TestRelay_AIResponseAfterRoomEmptied(t *testing.T) {
	f := newFixture()
	f.bridge.release = make(chan struct{})
	a := f.connect("A")
	f.join(t, a, "r1", "A")
	a.clear()

	f.relay.Handle(a, frame(t, domain.KindAskAISpecific, domain.AIPayload{
		RoomID: "r1", Question: "help", Code: "x",
	}))

	// The requester disconnects while the bridge call is in flight;
	// the room empties and is garbage collected.
	f.relay.Disconnect(a)
	close(f.bridge.release)

	require.Eventually(t, func() bool {
		return len(f.bridge.requests()) == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// The late response is discarded: broadcasting to a deleted room
	// is a no-op.
	assert.Empty(t, aiMessages(t, a))
}

func TestRelay_PingPong(t *testing.T) {
	f := newFixture()
	a := f.connect("A")
	b := f.connect("B")
	f.join(t, a, "r1", "A")
	f.join(t, b, "r1", "B")
	a.clear()
	b.clear()

	f.relay.Handle(a, frame(t, domain.KindPing, domain.PingPayload{Timestamp: 12345}))

	got := envelopes(t, a.getSent())
	require.Len(t, got, 1)
	require.Equal(t, domain.KindPong, got[0].Kind)

	var pong domain.PongPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &pong))
	assert.Equal(t, int64(12345), pong.Timestamp)
	assert.Equal(t, "A", pong.ClientID)

	assert.Empty(t, b.getSent())
}
