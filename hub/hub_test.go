package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"museum-presence/domain"
)

type mockConn struct {
	id       string
	room     string
	received [][]byte
	closed   bool
	mu       sync.Mutex
	sendErr  error
	// hold, when set, parks Send until the test receives from and then sends on it.
	hold chan struct{}
}

func (m *mockConn) ID() string   { return m.id }
func (m *mockConn) Room() string { return m.room }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	hold := m.hold
	m.mu.Unlock()
	if hold != nil {
		hold <- struct{}{}
		<-hold
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) messages(t *testing.T) []domain.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Message, 0, len(m.received))
	for _, data := range m.received {
		var msg domain.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		out = append(out, msg)
	}
	return out
}

func (m *mockConn) ofType(t *testing.T, typ string) []domain.Message {
	t.Helper()
	var out []domain.Message
	for _, msg := range m.messages(t) {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (m *mockConn) holdSends() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = make(chan struct{})
	return m.hold
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = nil
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestHub(t *testing.T) (*Hub, *testClock) {
	t.Helper()
	clock := &testClock{t: epoch}
	cfg := DefaultConfig()
	cfg.Now = clock.now
	h := New(cfg)
	t.Cleanup(h.Close)
	return h, clock
}

func joined(h *Hub, id, room, name string) *mockConn {
	return joinedAs(h, id, room, name, "")
}

func joinedAs(h *Hub, id, room, name, userID string) *mockConn {
	c := &mockConn{id: id, room: room}
	h.Register(c)
	h.Join(c, name, userID)
	return c
}

func TestHub_JoinScenario(t *testing.T) {
	h, _ := newTestHub(t)

	a := &mockConn{id: "a", room: "museum-1"}
	h.Register(a)

	lists := a.ofType(t, domain.TypeVisitorList)
	require.Len(t, lists, 1)
	assert.Empty(t, lists[0].Visitors)
	assert.Equal(t, "a", lists[0].SelfID)

	h.Join(a, "Alice", "")
	assert.Empty(t, a.ofType(t, domain.TypeVisitorJoin), "joiner gets no echo")

	b := &mockConn{id: "b", room: "museum-1"}
	h.Register(b)
	h.Join(b, "Bob", "")

	bLists := b.ofType(t, domain.TypeVisitorList)
	require.Len(t, bLists, 1)
	require.Len(t, bLists[0].Visitors, 1)
	assert.Equal(t, "a", bLists[0].Visitors[0].ID)
	assert.Equal(t, "Alice", bLists[0].Visitors[0].Name)

	joins := a.ofType(t, domain.TypeVisitorJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "b", joins[0].Visitor.ID)
	assert.Equal(t, "Bob", joins[0].Visitor.Name)
	assert.Equal(t, domain.SpawnPosition, joins[0].Visitor.Position)
	assert.Equal(t, epoch.UnixMilli(), joins[0].Visitor.LastUpdate)
}

func TestHub_JoinName(t *testing.T) {
	tests := []struct {
		name     string
		given    string
		wantName string
	}{
		{name: "supplied", given: "Alice", wantName: "Alice"},
		{name: "blank", given: "   ", wantName: domain.AnonymousName},
		{name: "absent", given: "", wantName: domain.AnonymousName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHub(t)
			joined(h, "a", "r", tt.given)

			visitors := h.Visitors("r")
			require.Len(t, visitors, 1)
			assert.Equal(t, tt.wantName, visitors[0].Name)
		})
	}
}

func TestHub_Rejoin(t *testing.T) {
	h, _ := newTestHub(t)
	a := joined(h, "a", "r", "Alice")
	b := joined(h, "b", "r", "Bob")
	h.Move(a, domain.Vector3{X: 3}, domain.Vector3{Y: 1})
	b.reset()

	h.Join(a, "Alicia", "")

	joins := b.ofType(t, domain.TypeVisitorJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "Alicia", joins[0].Visitor.Name)
	assert.Equal(t, domain.Vector3{X: 3}, joins[0].Visitor.Position)
	assert.Equal(t, 2, h.Stats().Visitors)
}

func TestHub_Isolation(t *testing.T) {
	h, _ := newTestHub(t)
	a := joined(h, "a", "r1", "A")
	other := joined(h, "x", "r2", "X")
	other.reset()

	h.Move(a, domain.Vector3{X: 1}, domain.Vector3{})
	h.Comment(a, "f1", domain.Comment{Text: "hi"})
	h.DeleteComment(a, "f1", "c1")
	h.Unregister(a)

	assert.Empty(t, other.messages(t))
}

func TestHub_Recipients(t *testing.T) {
	tests := []struct {
		name       string
		act        func(h *Hub, sender *mockConn)
		wantType   string
		wantSender int
		wantOther  int
	}{
		{
			name:       "position excludes sender",
			act:        func(h *Hub, s *mockConn) { h.Move(s, domain.Vector3{X: 1}, domain.Vector3{Y: 2}) },
			wantType:   domain.TypeVisitorPosition,
			wantSender: 0,
			wantOther:  1,
		},
		{
			name:       "comment includes sender",
			act:        func(h *Hub, s *mockConn) { h.Comment(s, "f1", domain.Comment{Text: "nice"}) },
			wantType:   domain.TypeCommentNew,
			wantSender: 1,
			wantOther:  1,
		},
		{
			name:       "comment delete includes sender",
			act:        func(h *Hub, s *mockConn) { h.DeleteComment(s, "f1", "c9") },
			wantType:   domain.TypeCommentDeleted,
			wantSender: 1,
			wantOther:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHub(t)
			sender := joined(h, "a", "r", "A")
			other := joined(h, "b", "r", "B")
			sender.reset()
			other.reset()

			tt.act(h, sender)

			assert.Len(t, sender.ofType(t, tt.wantType), tt.wantSender)
			assert.Len(t, other.ofType(t, tt.wantType), tt.wantOther)
		})
	}
}

func TestHub_CommentScenario(t *testing.T) {
	h, clock := newTestHub(t)
	a := joined(h, "a", "museum-1", "Alice")
	b := joined(h, "b", "museum-1", "Bob")
	clock.advance(time.Second)

	h.Comment(a, "f1", domain.Comment{Text: "lovely", AuthorName: "Alice A.", AuthorPicture: "https://img/a.png"})

	for _, c := range []*mockConn{a, b} {
		msgs := c.ofType(t, domain.TypeCommentNew)
		require.Len(t, msgs, 1, c.id)
		assert.Equal(t, "f1", msgs[0].FrameID)
		require.NotNil(t, msgs[0].Comment)
		assert.Equal(t, "lovely", msgs[0].Comment.Text)
		assert.Equal(t, "Alice A.", msgs[0].Comment.AuthorName)
		assert.Equal(t, "https://img/a.png", msgs[0].Comment.AuthorPicture)
		assert.Equal(t, epoch.Add(time.Second).UnixMilli(), msgs[0].Comment.Timestamp)
	}
}

func TestHub_CommentAuthorDefaultsToVisitorName(t *testing.T) {
	h, _ := newTestHub(t)
	a := joined(h, "a", "r", "Alice")

	h.Comment(a, "f1", domain.Comment{Text: "hello"})

	msgs := a.ofType(t, domain.TypeCommentNew)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Alice", msgs[0].Comment.AuthorName)
}

func TestHub_CommentRateLimit(t *testing.T) {
	h, clock := newTestHub(t)
	a := joined(h, "a", "r", "A")

	h.Comment(a, "f1", domain.Comment{Text: "one"})
	h.Comment(a, "f1", domain.Comment{Text: "two"})
	assert.Len(t, a.ofType(t, domain.TypeCommentNew), 1)

	clock.advance(6 * time.Second)
	h.Comment(a, "f1", domain.Comment{Text: "three"})
	assert.Len(t, a.ofType(t, domain.TypeCommentNew), 2)
}

func TestHub_CommentRateLimitFollowsUser(t *testing.T) {
	h, clock := newTestHub(t)

	first := &mockConn{id: "a1", room: "r"}
	h.Register(first)
	h.Join(first, "Alice", "u1")
	h.Comment(first, "f1", domain.Comment{Text: "one"})
	require.Len(t, first.ofType(t, domain.TypeCommentNew), 1)

	h.Unregister(first)
	require.Equal(t, 0, h.Stats().Rooms)

	second := &mockConn{id: "a2", room: "r"}
	h.Register(second)
	h.Join(second, "Alice", "u1")
	h.Comment(second, "f1", domain.Comment{Text: "two"})
	assert.Empty(t, second.ofType(t, domain.TypeCommentNew), "reconnecting keeps the budget")

	elsewhere := joinedAs(h, "a3", "other", "Alice", "u1")
	h.Comment(elsewhere, "f2", domain.Comment{Text: "three"})
	assert.Empty(t, elsewhere.ofType(t, domain.TypeCommentNew), "budget is shared across rooms")

	clock.advance(6 * time.Second)
	h.Comment(second, "f1", domain.Comment{Text: "four"})
	assert.Len(t, second.ofType(t, domain.TypeCommentNew), 1)
}

func TestHub_CommentRateLimitIsPerVisitor(t *testing.T) {
	h, _ := newTestHub(t)
	alice := joinedAs(h, "a", "r", "Alice", "u1")
	bob := joinedAs(h, "b", "r", "Bob", "u2")
	anon := joined(h, "c", "r", "")

	h.Comment(alice, "f1", domain.Comment{Text: "a"})
	h.Comment(bob, "f1", domain.Comment{Text: "b"})
	h.Comment(anon, "f1", domain.Comment{Text: "c"})

	assert.Len(t, anon.ofType(t, domain.TypeCommentNew), 3)
}

func TestHub_LeaveDoesNotBlockOtherRooms(t *testing.T) {
	h, _ := newTestHub(t)
	slow := joined(h, "slow", "museum-1", "S")
	leaving := joined(h, "leaving", "museum-1", "L")
	hold := slow.holdSends()

	left := make(chan struct{})
	go func() {
		defer close(left)
		h.Unregister(leaving)
	}()
	<-hold

	released := false
	release := func() {
		if !released {
			released = true
			hold <- struct{}{}
		}
	}
	defer release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		other := joined(h, "other", "museum-2", "O")
		h.Move(other, domain.Vector3{X: 1}, domain.Vector3{})
		h.Visitors("museum-2")
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("museum-2 was blocked by a leave in museum-1")
	}

	release()
	<-left
	leaves := slow.ofType(t, domain.TypeVisitorLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "leaving", leaves[0].VisitorID)
}

func TestHub_JoinGating(t *testing.T) {
	h, _ := newTestHub(t)
	stranger := &mockConn{id: "s", room: "r"}
	h.Register(stranger)
	watcher := joined(h, "w", "r", "W")
	stranger.reset()
	watcher.reset()

	h.Move(stranger, domain.Vector3{X: 1}, domain.Vector3{})
	h.Comment(stranger, "f1", domain.Comment{Text: "hi"})
	h.DeleteComment(stranger, "f1", "c1")

	assert.Empty(t, watcher.messages(t))
	assert.Empty(t, stranger.messages(t))
	assert.Equal(t, 1, h.Stats().Visitors)
}

func TestHub_PositionRateLimit(t *testing.T) {
	h, clock := newTestHub(t)
	a := joined(h, "a", "museum-1", "A")
	b := joined(h, "b", "museum-1", "B")
	a.reset()
	b.reset()

	for i := 0; i < 12; i++ {
		h.Move(a, domain.Vector3{X: float64(i)}, domain.Vector3{})
		clock.advance(40 * time.Millisecond)
	}

	positions := b.ofType(t, domain.TypeVisitorPosition)
	require.Len(t, positions, 10)
	assert.Equal(t, 9.0, positions[9].Position.X)
	assert.Empty(t, a.messages(t), "sender gets nothing back")

	visitors := h.Visitors("museum-1")
	for _, v := range visitors {
		if v.ID == "a" {
			assert.Equal(t, 9.0, v.Position.X, "dropped updates do not mutate the session")
		}
	}

	clock.advance(time.Second)
	h.Move(a, domain.Vector3{X: 42}, domain.Vector3{})
	assert.Len(t, b.ofType(t, domain.TypeVisitorPosition), 11)
}

func TestHub_Unregister(t *testing.T) {
	h, _ := newTestHub(t)
	a := joined(h, "a", "museum-1", "A")
	b := joined(h, "b", "museum-1", "B")
	c := joined(h, "c", "museum-1", "C")
	a.reset()
	c.reset()

	h.Unregister(b)
	h.Unregister(b)

	for _, conn := range []*mockConn{a, c} {
		leaves := conn.ofType(t, domain.TypeVisitorLeave)
		require.Len(t, leaves, 1, conn.id)
		assert.Equal(t, "b", leaves[0].VisitorID)
	}
	assert.Empty(t, b.ofType(t, domain.TypeVisitorLeave))

	for _, v := range h.Visitors("museum-1") {
		assert.NotEqual(t, "b", v.ID)
	}
}

func TestHub_UnregisterWithoutJoin(t *testing.T) {
	h, _ := newTestHub(t)
	a := joined(h, "a", "r", "A")
	lurker := &mockConn{id: "l", room: "r"}
	h.Register(lurker)
	a.reset()

	h.Unregister(lurker)

	assert.Empty(t, a.messages(t))
}

func TestHub_Stats(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Hub)
		want  domain.Stats
	}{
		{
			name:  "empty hub",
			setup: func(h *Hub) {},
			want:  domain.Stats{},
		},
		{
			name: "connected but not joined",
			setup: func(h *Hub) {
				h.Register(&mockConn{id: "c1", room: "r1"})
			},
			want: domain.Stats{Rooms: 1, Connections: 1},
		},
		{
			name: "multiple rooms",
			setup: func(h *Hub) {
				joined(h, "c1", "r1", "A")
				joined(h, "c2", "r1", "B")
				h.Register(&mockConn{id: "c3", room: "r2"})
			},
			want: domain.Stats{Rooms: 2, Connections: 3, Visitors: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHub(t)
			tt.setup(h)
			assert.Equal(t, tt.want, h.Stats())
		})
	}
}

func TestHub_RoomCleanup(t *testing.T) {
	h, _ := newTestHub(t)
	conn := joined(h, "c1", "r1", "A")

	require.Equal(t, 1, h.Stats().Rooms)

	h.Unregister(conn)
	assert.Equal(t, domain.Stats{}, h.Stats())
	assert.Empty(t, h.Visitors("r1"))

	again := joined(h, "c2", "r1", "B")
	lists := again.ofType(t, domain.TypeVisitorList)
	require.Len(t, lists, 1)
	assert.Empty(t, lists[0].Visitors, "a recreated room starts empty")
}

func TestHub_FailedSendIsIsolated(t *testing.T) {
	h, _ := newTestHub(t)
	a := joined(h, "a", "r", "A")
	dead := joined(h, "dead", "r", "D")
	c := joined(h, "c", "r", "C")
	c.reset()
	dead.sendErr = errors.New("queue full")

	h.Move(a, domain.Vector3{X: 1}, domain.Vector3{})

	assert.Len(t, c.ofType(t, domain.TypeVisitorPosition), 1)
	assert.True(t, dead.isClosed())
	assert.Equal(t, 3, h.Stats().Visitors, "session is removed only when the transport unregisters")
}

func TestHub_MessageFromUnregisteredConnection(t *testing.T) {
	h, _ := newTestHub(t)
	watcher := joined(h, "w", "r", "W")
	watcher.reset()

	ghost := &mockConn{id: "g", room: "r"}
	h.Join(ghost, "Ghost", "")

	assert.Empty(t, watcher.messages(t))
	assert.Equal(t, 1, h.Stats().Visitors)
}

func TestHub_LimiterCleanupLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PositionWindow = 10 * time.Millisecond
	cfg.CleanupInterval = 20 * time.Millisecond
	h := New(cfg)
	defer h.Close()

	a := joined(h, "a", "r", "A")
	h.Move(a, domain.Vector3{X: 1}, domain.Vector3{})

	h.mu.RLock()
	r := h.rooms["r"]
	h.mu.RUnlock()

	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.positions.Len() == 0
	}, time.Second, 10*time.Millisecond)
}
