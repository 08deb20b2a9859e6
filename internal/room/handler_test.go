package room

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"roomsync/internal/middleware"
	"roomsync/internal/notification"
	"roomsync/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// memStore keeps rooms in memory. Users are known by the name the test
// server puts in the context.
type memStore struct {
	mu           sync.Mutex
	rooms        map[string]*Room
	participants map[string][]Participant
	messages     map[string][]*Message
	clock        time.Time

	// saveGate, when set, holds every SaveMessage until it is closed.
	saveGate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		rooms:        map[string]*Room{},
		participants: map[string][]Participant{},
		messages:     map[string][]*Message{},
		clock:        time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) CreateRoom(_ context.Context, name string, hostID int) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := &Room{ID: uuid.NewString(), Name: name, HostID: hostID, CreatedAt: s.clock}
	s.rooms[room.ID] = room
	s.participants[room.ID] = []Participant{{UserID: hostID, Username: userName(hostID), Role: wire.RoleHost}}
	return room, nil
}

func (s *memStore) GetRoom(_ context.Context, roomID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (s *memStore) Participants(_ context.Context, roomID string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Participant(nil), s.participants[roomID]...), nil
}

func (s *memStore) IsParticipant(_ context.Context, roomID string, userID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants[roomID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) AddParticipant(ctx context.Context, roomID string, userID int) error {
	if ok, _ := s.IsParticipant(ctx, roomID, userID); ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[roomID] = append(s.participants[roomID], Participant{UserID: userID, Username: userName(userID), Role: wire.RoleMember})
	return nil
}

func (s *memStore) RemoveParticipant(_ context.Context, roomID string, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.participants[roomID][:0]
	for _, p := range s.participants[roomID] {
		if p.UserID != userID || p.Role == wire.RoleHost {
			kept = append(kept, p)
		}
	}
	s.participants[roomID] = kept
	return nil
}

func (s *memStore) holdSaves() func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.saveGate = gate
	s.mu.Unlock()
	return func() { close(gate) }
}

func (s *memStore) SaveMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	gate := s.saveGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.clock
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	return nil
}

func (s *memStore) RecentMessages(_ context.Context, roomID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[roomID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]*Message(nil), msgs...), nil
}

func userName(id int) string {
	return "user" + strconv.Itoa(id)
}

// asUser stands in for the JWT middleware: X-User carries the user id.
func asUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.Header.Get("X-User"))
		if err != nil {
			id, err = strconv.Atoi(r.URL.Query().Get("user"))
		}
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithUser(r.Context(), id, userName(id))))
	})
}

type testServer struct {
	*httptest.Server
	store *memStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store := newMemStore()
	hub := NewHub(NewMemoryBroker(), store, discard)
	go hub.Run(ctx)
	go func() { _ = hub.SubscribeToBroker(ctx) }()

	h := NewHandler(hub, store, discard)
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(asUser)
		r.Get("/ws", h.ServeWs)
		r.Route("/api/rooms", h.Routes)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{Server: srv, store: store}
}

func (s *testServer) do(t *testing.T, user int, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("X-User", strconv.Itoa(user))
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) createRoom(t *testing.T, host int) wire.Room {
	t.Helper()
	resp := s.do(t, host, http.MethodPost, "/api/rooms", wire.CreateRoomRequest{Name: "Friday standup"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room wire.Room
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	return room
}

func (s *testServer) dial(t *testing.T, user int, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?room_id=" + roomID + "&user=" + strconv.Itoa(user)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	// The typing echo proves the hub registered the connection.
	require.NoError(t, conn.WriteJSON(wire.Frame{Type: wire.FrameTyping, IsTyping: false}))
	f := readFrame(t, conn)
	require.Equal(t, wire.FrameTyping, f.Type)
	require.Equal(t, user, f.UserID)
	return conn
}

// readFrame returns the next frame, splitting batched writes.
func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	pending, _ := pendingFrames.LoadOrStore(conn, &[]wire.Frame{})
	queue := pending.(*[]wire.Frame)
	for len(*queue) == 0 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		for _, raw := range bytes.Split(data, []byte{'\n'}) {
			var f wire.Frame
			require.NoError(t, json.Unmarshal(raw, &f))
			*queue = append(*queue, f)
		}
	}
	f := (*queue)[0]
	*queue = (*queue)[1:]
	return f
}

var pendingFrames sync.Map

func TestHandler_RoomLifecycle(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, 1)
	require.Equal(t, "Friday standup", room.Name)
	require.Equal(t, 1, room.HostID)

	resp := s.do(t, 1, http.MethodGet, "/api/rooms/"+room.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, http.StatusNoContent, s.do(t, 2, http.MethodPost, "/api/rooms/"+room.ID+"/join", nil).StatusCode)

	resp = s.do(t, 2, http.MethodGet, "/api/rooms/"+room.ID+"/participants", nil)
	var participants []wire.Participant
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&participants))
	require.Equal(t, []wire.Participant{
		{ID: 1, Username: "user1", Role: wire.RoleHost},
		{ID: 2, Username: "user2", Role: wire.RoleMember},
	}, participants)

	require.Equal(t, http.StatusConflict, s.do(t, 1, http.MethodPost, "/api/rooms/"+room.ID+"/leave", nil).StatusCode)
	require.Equal(t, http.StatusNoContent, s.do(t, 2, http.MethodPost, "/api/rooms/"+room.ID+"/leave", nil).StatusCode)

	ok, err := s.store.IsParticipant(context.Background(), room.ID, 2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandler_UnknownRoom(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusNotFound, s.do(t, 1, http.MethodGet, "/api/rooms/nope", nil).StatusCode)
	require.Equal(t, http.StatusNotFound, s.do(t, 1, http.MethodGet, "/api/rooms/nope/messages", nil).StatusCode)
}

func TestHandler_CreateRoomValidation(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, 1, http.MethodPost, "/api/rooms", wire.CreateRoomRequest{Name: "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_PostMessageRequiresParticipant(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, 1)

	resp := s.do(t, 2, http.MethodPost, "/api/rooms/"+room.ID+"/messages", wire.SendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	msgs, err := s.store.RecentMessages(context.Background(), room.ID, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestHandler_MessagesHistory(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, 1)

	for _, text := range []string{"one", "two", "three"} {
		resp := s.do(t, 1, http.MethodPost, "/api/rooms/"+room.ID+"/messages", wire.SendMessageRequest{Content: text})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := s.do(t, 1, http.MethodGet, "/api/rooms/"+room.ID+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []wire.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	require.Equal(t, "two", msgs[0].Content)
	require.Equal(t, "three", msgs[1].Content)
	require.Equal(t, "user1", msgs[1].SenderName)
	require.Equal(t, "2026-05-02T10:00:03Z", msgs[1].CreatedAt)

	require.Equal(t, http.StatusBadRequest, s.do(t, 1, http.MethodGet, "/api/rooms/"+room.ID+"/messages?limit=x", nil).StatusCode)
	require.Equal(t, http.StatusBadRequest, s.do(t, 1, http.MethodPost, "/api/rooms/"+room.ID+"/messages", wire.SendMessageRequest{Content: " "}).StatusCode)
}

func TestHub_LiveMessageReachesRoom(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, 1)
	require.Equal(t, http.StatusNoContent, s.do(t, 2, http.MethodPost, "/api/rooms/"+room.ID+"/join", nil).StatusCode)

	host := s.dial(t, 1, room.ID)
	guest := s.dial(t, 2, room.ID)
	// The host also saw the guest's typing probe.
	require.Equal(t, 2, readFrame(t, host).UserID)

	require.NoError(t, guest.WriteJSON(wire.Frame{Type: wire.FrameMessage, Content: " hello "}))

	for _, conn := range []*websocket.Conn{host, guest} {
		f := readFrame(t, conn)
		require.Equal(t, wire.FrameMessage, f.Type)
		require.Equal(t, room.ID, f.RoomID)
		require.NotNil(t, f.Message)
		require.Equal(t, "hello", f.Message.Content)
		require.Equal(t, 2, f.Message.SenderID)
		require.NotEmpty(t, f.Message.ID)
	}
}

func TestHub_SlowSaveDoesNotStallOtherClients(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, 1)
	require.Equal(t, http.StatusNoContent, s.do(t, 2, http.MethodPost, "/api/rooms/"+room.ID+"/join", nil).StatusCode)

	host := s.dial(t, 1, room.ID)
	guest := s.dial(t, 2, room.ID)
	require.Equal(t, 2, readFrame(t, host).UserID)

	release := s.store.holdSaves()
	require.NoError(t, guest.WriteJSON(wire.Frame{Type: wire.FrameMessage, Content: "slow"}))

	// The guest's save is still held, yet the host's typing goes through.
	require.NoError(t, host.WriteJSON(wire.Frame{Type: wire.FrameTyping, IsTyping: true}))
	f := readFrame(t, host)
	require.Equal(t, wire.FrameTyping, f.Type)
	require.Equal(t, 1, f.UserID)
	require.True(t, f.IsTyping)

	release()
	f = readFrame(t, host)
	require.Equal(t, wire.FrameMessage, f.Type)
	require.Equal(t, "slow", f.Message.Content)
}

func TestHub_RejectsNonParticipantOverWebsocket(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, 1)
	watcher := s.dial(t, 3, room.ID)

	require.NoError(t, watcher.WriteJSON(wire.Frame{Type: wire.FrameMessage, Content: "let me in"}))

	f := readFrame(t, watcher)
	require.Equal(t, wire.FrameError, f.Type)
	require.Equal(t, ErrNotParticipant.Error(), f.Error)

	msgs, err := s.store.RecentMessages(context.Background(), room.ID, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestHub_RestSendsAndNoticesAreLive(t *testing.T) {
	s := newTestServer(t)
	room := s.createRoom(t, 1)
	host := s.dial(t, 1, room.ID)

	require.Equal(t, http.StatusNoContent, s.do(t, 2, http.MethodPost, "/api/rooms/"+room.ID+"/join", nil).StatusCode)
	f := readFrame(t, host)
	require.Equal(t, wire.FrameNotification, f.Type)
	n, err := notification.Decode(f.Notification)
	require.NoError(t, err)
	require.Equal(t, notification.SystemMessage{Text: "user2 joined the room"}, n.Body)

	resp := s.do(t, 2, http.MethodPost, "/api/rooms/"+room.ID+"/messages", wire.SendMessageRequest{Content: "via rest"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var posted wire.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&posted))

	f = readFrame(t, host)
	require.Equal(t, wire.FrameMessage, f.Type)
	require.Equal(t, posted, *f.Message)
}

func TestWs_RequiresKnownRoom(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?room_id=nope&user=1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
