package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"roomsync/internal/notification"
	"roomsync/internal/wire"

	"github.com/google/uuid"
)

const storeTimeout = 5 * time.Second

// Hub routes frames between websocket clients and the broker. Run is the
// only goroutine that touches the room membership map; database work for
// inbound frames happens in each client's read goroutine (see Receive).
type Hub struct {
	rooms      map[string]map[*Client]bool
	broadcast  chan Delivery  // From broker -> clients
	Register   chan *Client   // New client joins
	Unregister chan *Client   // Client leaves
	Reply      chan *Incoming // Frame for the sending client only
	done       chan struct{}
	broker     Broker
	store      Store
	log        *slog.Logger
}

func NewHub(broker Broker, store Store, log *slog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan Delivery, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Reply:      make(chan *Incoming),
		done:       make(chan struct{}),
		broker:     broker,
		store:      store,
		log:        log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.rooms {
				for client := range clients {
					close(client.Send)
				}
			}
			h.rooms = map[string]map[*Client]bool{}
			return

		case client := <-h.Register:
			clients, ok := h.rooms[client.RoomID]
			if !ok {
				clients = make(map[*Client]bool)
				h.rooms[client.RoomID] = clients
			}
			clients[client] = true

		case client := <-h.Unregister:
			h.remove(client)

		case in := <-h.Reply:
			h.reply(in.Client, in.Frame)

		case d := <-h.broadcast:
			for client := range h.rooms[d.RoomID] {
				select {
				case client.Send <- d.Payload:
				default:
					h.log.Warn("Dropping slow client", "room_id", d.RoomID, "user_id", client.UserID)
					h.remove(client)
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// SubscribeToBroker forwards deliveries from other instances (and this one)
// to the Run loop.
func (h *Hub) SubscribeToBroker(ctx context.Context) error {
	deliveries, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	for d := range deliveries {
		select {
		case h.broadcast <- d:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// Announce publishes a frame to everyone in roomID.
func (h *Hub) Announce(ctx context.Context, roomID string, frame wire.Frame) error {
	frame.RoomID = roomID
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}
	return h.broker.Publish(ctx, roomID, payload)
}

// AnnounceMessage publishes a stored message to its room.
func (h *Hub) AnnounceMessage(ctx context.Context, msg *Message) error {
	w := msg.ToWire()
	return h.Announce(ctx, msg.RoomID, wire.Frame{Type: wire.FrameMessage, Message: &w})
}

// Notify publishes a notification to roomID.
func (h *Hub) Notify(ctx context.Context, roomID string, n notification.Notification) error {
	body, err := notification.Encode(notification.Envelope{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Body:      n,
	})
	if err != nil {
		return err
	}
	return h.Announce(ctx, roomID, wire.Frame{Type: wire.FrameNotification, Notification: body})
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.rooms[client.RoomID]
	if !ok {
		return
	}
	// Always check membership to avoid closing Send twice.
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
	}
	if len(clients) == 0 {
		delete(h.rooms, client.RoomID)
	}
}

// Receive validates, stores and publishes a frame sent by c. It runs on the
// client's read goroutine, so a slow database only holds up that client.
func (h *Hub) Receive(c *Client, frame wire.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch frame.Type {
	case wire.FrameMessage:
		content := strings.TrimSpace(frame.Content)
		if content == "" {
			return
		}
		ok, err := h.store.IsParticipant(ctx, c.RoomID, c.UserID)
		if err != nil {
			h.log.Error("Participant lookup failed", "room_id", c.RoomID, "error", err)
			h.reject(c, "message could not be delivered")
			return
		}
		if !ok {
			h.reject(c, ErrNotParticipant.Error())
			return
		}

		msg := &Message{RoomID: c.RoomID, SenderID: c.UserID, SenderName: c.Username, Content: content}
		if err := h.store.SaveMessage(ctx, msg); err != nil {
			h.log.Error("Saving message failed", "room_id", c.RoomID, "error", err)
			h.reject(c, "message could not be delivered")
			return
		}
		if err := h.AnnounceMessage(ctx, msg); err != nil {
			h.log.Error("Publishing message failed", "room_id", c.RoomID, "error", err)
		}

	case wire.FrameTyping:
		err := h.Announce(ctx, c.RoomID, wire.Frame{
			Type:     wire.FrameTyping,
			UserID:   c.UserID,
			Username: c.Username,
			IsTyping: frame.IsTyping,
		})
		if err != nil {
			h.log.Warn("Publishing typing failed", "room_id", c.RoomID, "error", err)
		}

	default:
		h.reject(c, fmt.Sprintf("unsupported frame type %q", frame.Type))
	}
}

// reject hands an error frame for c to Run.
func (h *Hub) reject(c *Client, reason string) {
	in := &Incoming{Client: c, Frame: wire.Frame{Type: wire.FrameError, RoomID: c.RoomID, Error: reason}}
	select {
	case h.Reply <- in:
	case <-h.done:
	}
}

// reply answers only the sending client, if it is still registered.
func (h *Hub) reply(c *Client, frame wire.Frame) {
	if _, ok := h.rooms[c.RoomID][c]; !ok {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("Encoding reply failed", "error", err)
		return
	}
	select {
	case c.Send <- payload:
	default:
	}
}
