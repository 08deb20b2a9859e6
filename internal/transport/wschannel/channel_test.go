package wschannel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomsync/internal/livesync"
	"roomsync/internal/notification"
	"roomsync/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// echoServer answers every message frame with the stored message, the way
// the backend echoes sends to the room.
type echoServer struct {
	*httptest.Server
	connections atomic.Int32
	mu          sync.Mutex
	conns       []*websocket.Conn
	lastAuth    atomic.Value
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s := &echoServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.lastAuth.Store(r.Header.Get("Authorization") + "|" + r.URL.Query().Get("room_id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.connections.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for n := 0; ; n++ {
			var in wire.Frame
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			switch in.Type {
			case wire.FrameMessage:
				reply := wire.Frame{Type: wire.FrameMessage, Message: &wire.Message{
					ID: "m" + in.Content, SenderID: 7, Content: in.Content, CreatedAt: "2026-05-02T10:00:00Z",
				}}
				typing := wire.Frame{Type: wire.FrameTyping, UserID: 3, Username: "sam", IsTyping: true}
				a, _ := json.Marshal(reply)
				b, _ := json.Marshal(typing)
				// Batched like the server's write pump does.
				_ = conn.WriteMessage(websocket.TextMessage, append(append(a, '\n'), b...))
			case wire.FrameTyping:
				_ = conn.WriteJSON(wire.Frame{Type: wire.FrameError, Error: "typing rejected"})
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func expectConnectivity(t *testing.T, ch *Channel, want bool) {
	t.Helper()
	select {
	case got := <-ch.Connectivity():
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		require.Failf(t, "no connectivity change", "expected %v", want)
	}
}

func nextEvent(t *testing.T, ch *Channel) livesync.Event {
	t.Helper()
	select {
	case ev := <-ch.Events():
		return ev
	case <-time.After(2 * time.Second):
		require.Fail(t, "no event")
	}
	return livesync.Event{}
}

func TestChannel_SendAndReceive(t *testing.T) {
	srv := newEchoServer(t)
	ch := New(Options{URL: wsURL(srv.Server), Token: "tok", ReconnectDelay: 10 * time.Millisecond}, discard)

	require.NoError(t, ch.Connect(context.Background(), "r1"))
	defer ch.Disconnect()
	expectConnectivity(t, ch, true)
	require.Equal(t, "Bearer tok|r1", srv.lastAuth.Load())

	require.NoError(t, ch.SendMessage(context.Background(), "hello"))

	ev := nextEvent(t, ch)
	require.Equal(t, livesync.EventMessage, ev.Kind)
	require.Equal(t, livesync.Message{ID: "mhello", SenderID: "7", Body: "hello", CreatedAt: "2026-05-02T10:00:00Z"}, ev.Message)

	ev = nextEvent(t, ch)
	require.Equal(t, livesync.EventTyping, ev.Kind)
	require.Equal(t, livesync.Typing{UserID: "3", UserName: "sam", IsTyping: true}, ev.Typing)

	require.NoError(t, ch.SendTyping(context.Background(), true))
	ev = nextEvent(t, ch)
	require.Equal(t, livesync.EventError, ev.Kind)
	require.Equal(t, "typing rejected", ev.Err)
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	srv := newEchoServer(t)
	ch := New(Options{URL: wsURL(srv.Server), ReconnectDelay: 10 * time.Millisecond}, discard)

	require.NoError(t, ch.Connect(context.Background(), "r1"))
	defer ch.Disconnect()
	expectConnectivity(t, ch, true)

	srv.dropAll()
	expectConnectivity(t, ch, false)
	expectConnectivity(t, ch, true)
	require.Equal(t, int32(2), srv.connections.Load())
}

func TestChannel_UnreachableReportsDisconnected(t *testing.T) {
	srv := newEchoServer(t)
	url := wsURL(srv.Server)
	srv.Close()

	ch := New(Options{URL: url, ReconnectDelay: 5 * time.Millisecond, MaxReconnectDelay: 20 * time.Millisecond}, discard)
	require.NoError(t, ch.Connect(context.Background(), "r1"))

	expectConnectivity(t, ch, false)
	require.ErrorIs(t, ch.SendMessage(context.Background(), "lost"), livesync.ErrNotConnected)

	require.NoError(t, ch.Disconnect())
	require.NoError(t, ch.Disconnect())
}

func TestChannel_ConnectTwice(t *testing.T) {
	srv := newEchoServer(t)
	ch := New(Options{URL: wsURL(srv.Server), ReconnectDelay: 10 * time.Millisecond}, discard)

	require.NoError(t, ch.Connect(context.Background(), "r1"))
	require.ErrorIs(t, ch.Connect(context.Background(), "r1"), ErrAlreadyConnected)
	require.NoError(t, ch.Disconnect())
	require.NoError(t, ch.Connect(context.Background(), "r1"))
	require.NoError(t, ch.Disconnect())
}

func TestChannel_Backoff(t *testing.T) {
	ch := New(Options{ReconnectDelay: time.Second, MaxReconnectDelay: 3 * time.Second}, discard)

	require.Equal(t, time.Second, ch.backoff(1))
	require.Equal(t, 2*time.Second, ch.backoff(2))
	require.Equal(t, 3*time.Second, ch.backoff(5))
}

func TestDecodeFrame_Notification(t *testing.T) {
	body, err := notification.Encode(notification.Envelope{ID: "n1", Body: notification.SystemMessage{Text: "sam joined"}})
	require.NoError(t, err)
	raw, err := json.Marshal(wire.Frame{Type: wire.FrameNotification, Notification: body})
	require.NoError(t, err)

	ev, err := decodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, livesync.EventNotification, ev.Kind)
	require.Equal(t, notification.SystemMessage{Text: "sam joined"}, ev.Notification.Body)

	_, err = decodeFrame([]byte(`{"type":"presence"}`))
	require.Error(t, err)
}
