package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/models"
)

type mockWS struct {
	readCh    chan []byte
	writeCh   chan models.ServerEvent
	closeCh   chan struct{}
	closeOnce sync.Once
	// stall makes every write block until the transport is closed.
	stall bool
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan []byte, 16),
		writeCh: make(chan models.ServerEvent, 256),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) isClosed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.readCh:
		return websocket.TextMessage, data, nil
	case <-m.closeCh:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (m *mockWS) WriteJSON(v any) error {
	ev, ok := v.(models.ServerEvent)
	if !ok {
		return fmt.Errorf("unexpected frame %T", v)
	}
	if m.stall {
		<-m.closeCh
		return errors.New("connection closed")
	}
	select {
	case m.writeCh <- ev:
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) sendRaw(frame string) {
	m.readCh <- []byte(frame)
}

func (m *mockWS) sendEvent(t *testing.T, typ models.EventType, ref string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(models.ClientEvent{Type: typ, Ref: ref, Data: raw})
	require.NoError(t, err)
	m.readCh <- frame
}

// expect returns the next event of type typ, skipping others.
func expect(t *testing.T, m *mockWS, typ models.ServerEventType) models.ServerEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.writeCh:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return models.ServerEvent{}
		}
	}
}

// expectNone fails if an event of type typ arrives within a short window.
func expectNone(t *testing.T, m *mockWS, typ models.ServerEventType) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-m.writeCh:
			if ev.Type == typ {
				t.Fatalf("unexpected %s: %+v", typ, ev.Data)
			}
		case <-deadline:
			return
		}
	}
}

type fakeVerifier map[string]string

func (v fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", models.ErrAuthFailed
}

var testTokens = fakeVerifier{
	"token-alice":   "alice",
	"token-bob":     "bob",
	"token-carol":   "carol",
	"token-mallory": "mallory",
}

type fakeStore struct {
	mu           sync.Mutex
	participants map[string][]string
	seq          uint64
	persisted    []models.NewMessage
	unread       map[string]int
	readMarks    []string
	persistErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		participants: map[string][]string{"r1": {"alice", "bob", "carol", "dave"}},
		unread:       map[string]int{},
	}
}

func (s *fakeStore) Participants(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[roomID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) PersistMessage(_ context.Context, msg models.NewMessage) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return models.Message{}, s.persistErr
	}
	s.persisted = append(s.persisted, msg)
	s.seq++
	return models.Message{
		ID:        fmt.Sprintf("m%d", s.seq),
		RoomID:    msg.RoomID,
		Seq:       s.seq,
		Timestamp: int64(s.seq),
		SenderID:  msg.SenderID,
		Content:   msg.Content,
	}, nil
}

func (s *fakeStore) IncrementUnread(_ context.Context, userID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[userID+"/"+roomID]++
	return nil
}

func (s *fakeStore) MarkRead(_ context.Context, userID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readMarks = append(s.readMarks, userID+"/"+roomID)
	s.unread[userID+"/"+roomID] = 0
	return nil
}

func (s *fakeStore) unreadOf(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[key]
}

func (s *fakeStore) persistCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

func newTestHub(t *testing.T, cfg Config) (*Hub, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	hub := NewHub(cfg, testTokens, store, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})
	return hub, store
}

type testClient struct {
	ws   *mockWS
	done chan error
}

func connect(hub *Hub, token string) *testClient {
	c := &testClient{ws: newMockWS(), done: make(chan error, 1)}
	go func() {
		c.done <- hub.Serve(context.Background(), c.ws, token)
	}()
	return c
}

func connectActive(t *testing.T, hub *Hub, token string) *testClient {
	t.Helper()
	c := connect(hub, token)
	expect(t, c.ws, models.ServerEventReady)
	return c
}

func (c *testClient) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
		return nil
	}
}

// conn finds the hub-side connection of the client.
func (c *testClient) conn(hub *Hub) *Connection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for conn := range hub.conns {
		if conn.ws == c.ws {
			return conn
		}
	}
	return nil
}

func TestConnection_HandshakeToken(t *testing.T) {
	hub, _ := newTestHub(t, Config{})

	c := connect(hub, "token-alice")
	ev := expect(t, c.ws, models.ServerEventReady)
	ready, ok := ev.Data.(models.ReadyData)
	require.True(t, ok)
	assert.Equal(t, "alice", ready.UserID)
	assert.NotEmpty(t, ready.ConnectionID)

	assert.True(t, hub.IsOnline("alice"))
	assert.Equal(t, StateActive, c.conn(hub).State())

	require.NoError(t, c.ws.Close())
	require.NoError(t, c.wait(t))
	assert.False(t, hub.IsOnline("alice"))
	assert.Zero(t, hub.Stats().Connections)
}

func TestConnection_AuthEvent(t *testing.T) {
	hub, _ := newTestHub(t, Config{})

	c := connect(hub, "")
	require.Eventually(t, func() bool { return c.conn(hub) != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, c.conn(hub).State())
	assert.False(t, hub.IsOnline("bob"))

	c.ws.sendEvent(t, models.EventAuth, "", models.AuthPayload{Token: "token-bob"})
	ev := expect(t, c.ws, models.ServerEventReady)
	assert.Equal(t, "bob", ev.Data.(models.ReadyData).UserID)
	assert.True(t, hub.IsOnline("bob"))
}

// A bad credential closes the connection without touching presence.
func TestConnection_AuthFailure(t *testing.T) {
	hub, _ := newTestHub(t, Config{})

	t.Run("Handshake", func(t *testing.T) {
		c := connect(hub, "forged")
		err := c.wait(t)
		require.ErrorIs(t, err, models.ErrAuthFailed)
		require.Eventually(t, c.ws.isClosed, time.Second, 5*time.Millisecond)
	})

	t.Run("AuthEvent", func(t *testing.T) {
		c := connect(hub, "")
		c.ws.sendEvent(t, models.EventAuth, "", models.AuthPayload{Token: "forged"})
		require.ErrorIs(t, c.wait(t), models.ErrAuthFailed)
	})

	t.Run("EmptyToken", func(t *testing.T) {
		c := connect(hub, "")
		c.ws.sendEvent(t, models.EventAuth, "", models.AuthPayload{})
		require.ErrorIs(t, c.wait(t), models.ErrAuthFailed)
	})

	assert.Empty(t, hub.OnlineUsers())
	assert.Zero(t, hub.Stats().Connections)
}

func TestConnection_AuthTimeout(t *testing.T) {
	hub, _ := newTestHub(t, Config{AuthTimeout: 50 * time.Millisecond})

	c := connect(hub, "")
	start := time.Now()
	require.ErrorIs(t, c.wait(t), models.ErrAuthTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, hub.Stats().Connections)
}

func TestConnection_EventBeforeAuth(t *testing.T) {
	hub, store := newTestHub(t, Config{})

	c := connect(hub, "")
	c.ws.sendEvent(t, models.EventSendMessage, "", models.SendMessagePayload{RoomID: "r1", Content: "hi"})
	require.ErrorIs(t, c.wait(t), models.ErrProtocolViolation)
	assert.Zero(t, store.persistCount())

	c = connect(hub, "")
	c.ws.sendRaw("garbage")
	require.ErrorIs(t, c.wait(t), models.ErrProtocolViolation)
}

// gatedVerifier holds every Verify call until release is closed.
type gatedVerifier struct {
	fakeVerifier
	release chan struct{}
}

func (v gatedVerifier) Verify(ctx context.Context, token string) (string, error) {
	select {
	case <-v.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return v.fakeVerifier.Verify(ctx, token)
}

// Frames sent while a handshake token is being verified are held back and
// dispatched in order once the session is ready.
func TestConnection_FramesDuringHandshakeVerify(t *testing.T) {
	verifier := gatedVerifier{fakeVerifier: testTokens, release: make(chan struct{})}
	store := newFakeStore()
	hub := NewHub(Config{}, verifier, store, nil, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})

	c := connect(hub, "token-alice")
	c.ws.sendEvent(t, models.EventSendMessage, "early-1", models.SendMessagePayload{RoomID: "r1", Content: "one"})
	c.ws.sendEvent(t, models.EventSendMessage, "early-2", models.SendMessagePayload{RoomID: "r1", Content: "two"})

	require.Eventually(t, func() bool { return c.conn(hub) != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, c.conn(hub).State())
	assert.Zero(t, store.persistCount())

	close(verifier.release)

	select {
	case ev := <-c.ws.writeCh:
		assert.Equal(t, models.ServerEventReady, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no ready event")
	}
	assert.Equal(t, "early-1", expect(t, c.ws, models.ServerEventMessageAck).Ref)
	assert.Equal(t, "early-2", expect(t, c.ws, models.ServerEventMessageAck).Ref)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.persisted, 2)
	assert.Equal(t, "one", store.persisted[0].Content)
	assert.Equal(t, "two", store.persisted[1].Content)
}

func TestConnection_MalformedEventsAreRecoverable(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	c := connectActive(t, hub, "token-alice")

	c.ws.sendRaw("{not json")
	ev := expect(t, c.ws, models.ServerEventError)
	assert.Equal(t, "malformed_event", ev.Data.(models.ErrorData).Code)

	c.ws.sendRaw(`{"type":"dance","ref":"r-1"}`)
	ev = expect(t, c.ws, models.ServerEventError)
	assert.Equal(t, "r-1", ev.Ref)
	assert.Equal(t, "unknown_event", ev.Data.(models.ErrorData).Code)

	c.ws.sendRaw(`{"type":"join-room","ref":"r-2","data":{}}`)
	ev = expect(t, c.ws, models.ServerEventError)
	assert.Equal(t, "r-2", ev.Ref)
	assert.Equal(t, "malformed_event", ev.Data.(models.ErrorData).Code)

	// Still active.
	c.ws.sendEvent(t, models.EventJoinRoom, "", models.RoomPayload{RoomID: "r1"})
	require.Eventually(t, func() bool {
		return hub.rooms.IsSubscribed("r1", c.conn(hub))
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActive, c.conn(hub).State())
}

func TestConnection_DispatchRequiresActive(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	c := newConnection(hub, newMockWS())

	err := hub.dispatch(context.Background(), c, []byte(`{"type":"join-room","data":{"roomId":"r1"}}`))
	require.ErrorIs(t, err, models.ErrProtocolViolation)
	assert.True(t, models.IsFatal(err))
}

// Cleanup runs once no matter how many times disconnect is signaled.
func TestConnection_CleanupIdempotent(t *testing.T) {
	hub, _ := newTestHub(t, Config{})
	observer := connectActive(t, hub, "token-bob")
	alice := connectActive(t, hub, "token-alice")
	expect(t, observer.ws, models.ServerEventUserOnline)

	alice.ws.sendEvent(t, models.EventJoinRoom, "", models.RoomPayload{RoomID: "r1"})
	require.Eventually(t, func() bool { return hub.rooms.Count() == 1 }, time.Second, 5*time.Millisecond)

	conn := alice.conn(hub)
	require.NotNil(t, conn)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.cleanup()
		}()
	}
	wg.Wait()
	require.NoError(t, alice.wait(t))
	conn.cleanup()

	ev := expect(t, observer.ws, models.ServerEventUserOffline)
	assert.Equal(t, "alice", ev.Data.(models.PresenceData).UserID)
	expectNone(t, observer.ws, models.ServerEventUserOffline)

	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, hub.IsOnline("alice"))
	assert.Zero(t, hub.rooms.Count())
	assert.Equal(t, 1, hub.Stats().Connections)
}

// A peer that stops reading is dropped without holding up the room.
func TestConnection_SendBufferOverflow(t *testing.T) {
	hub, _ := newTestHub(t, Config{SendBuffer: 4})

	alice := connectActive(t, hub, "token-alice")
	bob := connectActive(t, hub, "token-bob")

	stalled := &testClient{ws: newMockWS(), done: make(chan error, 1)}
	stalled.ws.stall = true
	go func() {
		stalled.done <- hub.Serve(context.Background(), stalled.ws, "token-carol")
	}()
	require.Eventually(t, func() bool { return hub.IsOnline("carol") }, time.Second, 5*time.Millisecond)

	for _, c := range []*testClient{bob, stalled} {
		c.ws.sendEvent(t, models.EventJoinRoom, "", models.RoomPayload{RoomID: "r1"})
	}
	require.Eventually(t, func() bool { return len(hub.rooms.SubscribersOf("r1")) == 2 }, time.Second, 5*time.Millisecond)

	const n = 12
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("msg %d", i)
		alice.ws.sendEvent(t, models.EventSendMessage, "", models.SendMessagePayload{RoomID: "r1", Content: content})
		ev := expect(t, bob.ws, models.ServerEventMessageNew)
		assert.Equal(t, content, ev.Data.(models.Message).Content)
	}

	require.ErrorIs(t, stalled.wait(t), models.ErrSendBufferOverflow)
	assert.False(t, hub.IsOnline("carol"))
	assert.Len(t, hub.rooms.SubscribersOf("r1"), 1)
}

func TestCloseFrameFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
		text string
	}{
		{nil, websocket.CloseGoingAway, ""},
		{models.ErrAuthFailed, websocket.ClosePolicyViolation, "auth_failed"},
		{models.ErrAuthTimeout, websocket.ClosePolicyViolation, "auth_timeout"},
		{fmt.Errorf("%w: x", models.ErrProtocolViolation), websocket.CloseProtocolError, "protocol_violation"},
		{models.ErrSendBufferOverflow, websocket.CloseTryAgainLater, "send_buffer_overflow"},
		{errKicked, websocket.ClosePolicyViolation, "kicked"},
		{errShuttingDown, websocket.CloseGoingAway, "shutting_down"},
		{errors.New("boom"), websocket.CloseInternalServerErr, "internal"},
	}
	for _, tt := range tests {
		code, text := closeFrameFor(tt.err)
		assert.Equal(t, tt.code, code, "%v", tt.err)
		assert.Equal(t, tt.text, text, "%v", tt.err)
	}
}
