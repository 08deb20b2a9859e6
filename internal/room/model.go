package room

import (
	"time"

	"roomsync/internal/wire"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

type Room struct {
	ID        string
	Name      string
	HostID    int
	CreatedAt time.Time
}

func (r *Room) ToWire() wire.Room {
	return wire.Room{ID: r.ID, Name: r.Name, HostID: r.HostID, CreatedAt: r.CreatedAt}
}

type Participant struct {
	UserID    int
	Username  string
	AvatarURL string
	Role      string
}

func (p Participant) ToWire() wire.Participant {
	return wire.Participant{ID: p.UserID, Username: p.Username, AvatarURL: p.AvatarURL, Role: p.Role}
}

type Message struct {
	ID         string
	RoomID     string
	SenderID   int
	SenderName string // Denormalized for UI speed (fetched via JOIN)
	Content    string
	CreatedAt  time.Time
}

func (m *Message) ToWire() wire.Message {
	return wire.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  wire.FormatTime(m.CreatedAt),
	}
}

// ---------------------------------------------
// Internal Hub Models
// ---------------------------------------------

// Incoming is a frame addressed to a single websocket client.
type Incoming struct {
	Client *Client
	Frame  wire.Frame
}

// Delivery is a payload fanned out to every client in a room.
type Delivery struct {
	RoomID  string
	Payload []byte
}
