// Package transport maps the backend's wire shapes onto the livesync model.
// The subpackages implement the request/response and live-channel sides.
package transport

import (
	"strconv"

	"roomsync/internal/livesync"
	"roomsync/internal/wire"
)

// ToMessage maps a wire message, from either the REST API or the websocket.
func ToMessage(m wire.Message) livesync.Message {
	return livesync.Message{
		ID:         m.ID,
		SenderID:   strconv.Itoa(m.SenderID),
		SenderName: m.SenderName,
		Body:       m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

func ToParticipant(p wire.Participant) livesync.Participant {
	role := livesync.RoleMember
	if p.Role == wire.RoleHost {
		role = livesync.RoleHost
	}
	return livesync.Participant{
		ID:        strconv.Itoa(p.ID),
		Name:      p.Username,
		AvatarURL: p.AvatarURL,
		Role:      role,
	}
}
