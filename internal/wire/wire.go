// Package wire holds the JSON shapes exchanged between the room backend and
// its clients, over both the REST API and the websocket.
package wire

import (
	"encoding/json"
	"time"
)

// Frame types carried over the websocket.
const (
	FrameMessage      = "message"
	FrameTyping       = "typing"
	FrameNotification = "notification"
	FrameError        = "error"
)

// Participant roles.
const (
	RoleHost   = "host"
	RoleMember = "member"
)

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	HostID    int       `json:"host_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Role      string `json:"role"`
}

// Message is the server's view of a chat message. CreatedAt is kept as a
// string: older backends emit several timestamp layouts and clients parse
// it leniently.
type Message struct {
	ID         string `json:"id"`
	RoomID     string `json:"room_id"`
	SenderID   int    `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
}

// Frame is the websocket envelope. Only the fields relevant to Type are set.
type Frame struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"room_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	Message      *Message        `json:"message,omitempty"`
	UserID       int             `json:"user_id,omitempty"`
	Username     string          `json:"username,omitempty"`
	IsTyping     bool            `json:"is_typing,omitempty"`
	Notification json.RawMessage `json:"notification,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// FormatTime renders timestamps the way the backend emits them.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
