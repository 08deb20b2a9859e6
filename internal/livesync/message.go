// Package livesync keeps a room's conversation in step with the backend.
// Messages arrive from a live channel and, while that channel is down, from
// periodic full fetches; both feed one merged, deduplicated, time-ordered
// sequence owned by a single writer.
package livesync

import (
	"time"

	"roomsync/internal/notification"
)

// Message is immutable once observed. CreatedAt is the raw timestamp as
// provided by whichever source delivered the message.
type Message struct {
	ID         string
	SenderID   string
	SenderName string
	Body       string
	CreatedAt  string
}

// Time returns the parsed creation time, and false when CreatedAt could not
// be parsed.
func (m Message) Time() (time.Time, bool) {
	return ParseTimestamp(m.CreatedAt)
}

// DisplayTime renders the creation time as a local clock time, or an empty
// string when unknown.
func (m Message) DisplayTime() string {
	t, ok := m.Time()
	if !ok {
		return ""
	}
	return t.Local().Format("15:04")
}

type Role int

const (
	RoleMember Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "member"
}

type Participant struct {
	ID        string
	Name      string
	AvatarURL string
	Role      Role
}

type RoomDetail struct {
	ID     string
	Name   string
	HostID string
}

// User is the identity of whoever runs the client.
type User struct {
	ID   string
	Name string
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventTyping
	EventNotification
	EventError
)

// Event is one inbound item from the live channel.
type Event struct {
	Kind         EventKind
	Message      Message
	Typing       Typing
	Notification notification.Envelope
	Err          string
}

type Typing struct {
	UserID   string
	UserName string
	IsTyping bool
}

// Zone markers: Z or ±hh:mm, ±hhmm, ±hh, or none.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts ISO-8601 timestamps with or without fractional
// seconds and with or without a zone. Zone-less values are read as UTC.
// Anything else is reported as unknown.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
