// Package wschannel is the live channel to a room, over a websocket.
package wschannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"roomsync/internal/livesync"
	"roomsync/internal/notification"
	"roomsync/internal/transport"
	"roomsync/internal/wire"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrAlreadyConnected = errors.New("channel already connected")

var _ livesync.LiveChannel = (*Channel)(nil)

type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string
	// ReconnectDelay grows linearly with each failed attempt up to
	// MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Channel keeps a websocket open to one room and redials when it drops.
// Connectivity reports only transitions.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer
	log    *slog.Logger

	connectivity chan bool
	events       chan livesync.Event
	outbound     chan []byte

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	reported  bool
}

func New(opts Options, log *slog.Logger) *Channel {
	return &Channel{
		opts:         opts,
		dialer:       websocket.DefaultDialer,
		log:          log,
		connectivity: make(chan bool, 4),
		events:       make(chan livesync.Event, 256),
		outbound:     make(chan []byte, 16),
	}
}

func (c *Channel) Connectivity() <-chan bool     { return c.connectivity }
func (c *Channel) Events() <-chan livesync.Event { return c.events }

// Connect starts dialing roomID in the background and returns immediately.
func (c *Channel) Connect(ctx context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyConnected
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.maintain(ctx, roomID, c.done)
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Channel) SendMessage(ctx context.Context, text string) error {
	return c.write(ctx, wire.Frame{Type: wire.FrameMessage, Content: text})
}

func (c *Channel) SendTyping(ctx context.Context, typing bool) error {
	return c.write(ctx, wire.Frame{Type: wire.FrameTyping, IsTyping: typing})
}

func (c *Channel) write(ctx context.Context, f wire.Frame) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return livesync.ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	select {
	case c.outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) maintain(ctx context.Context, roomID string, done chan struct{}) {
	defer close(done)
	defer c.setConnected(ctx, false)

	endpoint := c.endpoint(roomID)
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	for attempt := 1; ; attempt++ {
		conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setConnected(ctx, false)
			delay := c.backoff(attempt)
			c.log.Warn("Live channel dial failed", "room_id", roomID, "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.log.Info("Live channel connected", "room_id", roomID)
		c.setConnected(ctx, true)
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.setConnected(ctx, false)
		c.log.Warn("Live channel dropped", "room_id", roomID)
	}
}

func (c *Channel) endpoint(roomID string) string {
	q := url.Values{"room_id": {roomID}}
	return c.opts.URL + "?" + q.Encode()
}

func (c *Channel) backoff(attempt int) time.Duration {
	delay := time.Duration(attempt) * c.opts.ReconnectDelay
	if c.opts.MaxReconnectDelay > 0 && delay > c.opts.MaxReconnectDelay {
		return c.opts.MaxReconnectDelay
	}
	return delay
}

func (c *Channel) setConnected(ctx context.Context, connected bool) {
	c.mu.Lock()
	changed := !c.reported || c.connected != connected
	c.connected, c.reported = connected, true
	c.mu.Unlock()

	if !changed {
		return
	}
	select {
	case c.connectivity <- connected:
	case <-ctx.Done():
	}
}

// serve runs one connection until it breaks or ctx is done.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(connCtx, conn)
	}()

	c.readPump(connCtx, conn)
	cancel()
	wg.Wait()
}

func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.log.Debug("Live channel read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		// The server batches queued frames into one message, newline separated.
		for _, raw := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
			ev, err := decodeFrame(raw)
			if err != nil {
				c.log.Warn("Dropping undecodable frame", "error", err)
				continue
			}
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case frame := <-c.outbound:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Live channel write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func decodeFrame(raw []byte) (livesync.Event, error) {
	var f wire.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return livesync.Event{}, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case wire.FrameMessage:
		if f.Message == nil {
			return livesync.Event{}, errors.New("message frame without message")
		}
		return livesync.Event{Kind: livesync.EventMessage, Message: transport.ToMessage(*f.Message)}, nil
	case wire.FrameTyping:
		return livesync.Event{Kind: livesync.EventTyping, Typing: livesync.Typing{
			UserID:   strconv.Itoa(f.UserID),
			UserName: f.Username,
			IsTyping: f.IsTyping,
		}}, nil
	case wire.FrameNotification:
		n, err := notification.Decode(f.Notification)
		if err != nil {
			return livesync.Event{}, err
		}
		return livesync.Event{Kind: livesync.EventNotification, Notification: n}, nil
	case wire.FrameError:
		return livesync.Event{Kind: livesync.EventError, Err: f.Error}, nil
	}
	return livesync.Event{}, fmt.Errorf("unknown frame type %q", f.Type)
}
