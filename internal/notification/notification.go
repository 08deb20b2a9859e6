// Package notification defines the notification variants pushed to room
// members. Each variant carries only its own payload; the envelope carries
// the discriminator.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindSessionInvite Kind = "session_invite"
	KindReminder      Kind = "reminder"
	KindAchievement   Kind = "achievement"
	KindSystem        Kind = "system"
)

var ErrUnknownKind = errors.New("unknown notification kind")

// Notification is implemented by every variant below.
type Notification interface {
	Kind() Kind
}

type SessionInvite struct {
	ActivityID    string `json:"activity_id"`
	ActivityTitle string `json:"activity_title"`
	FromUser      string `json:"from_user"`
}

type Reminder struct {
	ActivityID string    `json:"activity_id"`
	StartsAt   time.Time `json:"starts_at"`
}

type Achievement struct {
	AchievementID string `json:"achievement_id"`
	Title         string `json:"title"`
	Level         int    `json:"level"`
}

type SystemMessage struct {
	Text string `json:"text"`
}

func (SessionInvite) Kind() Kind { return KindSessionInvite }
func (Reminder) Kind() Kind      { return KindReminder }
func (Achievement) Kind() Kind   { return KindAchievement }
func (SystemMessage) Kind() Kind { return KindSystem }

// Envelope is a notification as it travels: metadata plus a typed payload.
type Envelope struct {
	ID        string
	CreatedAt time.Time
	Body      Notification
}

type envelopeJSON struct {
	Type      Kind            `json:"type"`
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

func Encode(e Envelope) ([]byte, error) {
	if e.Body == nil {
		return nil, fmt.Errorf("encode notification %q: empty body", e.ID)
	}
	payload, err := json.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("encode notification %q: %w", e.ID, err)
	}
	return json.Marshal(envelopeJSON{
		Type:      e.Body.Kind(),
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		Payload:   payload,
	})
}

func Decode(data []byte) (Envelope, error) {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode notification: %w", err)
	}

	var (
		body Notification
		err  error
	)
	switch raw.Type {
	case KindSessionInvite:
		body, err = decodePayload[SessionInvite](raw.Payload)
	case KindReminder:
		body, err = decodePayload[Reminder](raw.Payload)
	case KindAchievement:
		body, err = decodePayload[Achievement](raw.Payload)
	case KindSystem:
		body, err = decodePayload[SystemMessage](raw.Payload)
	default:
		return Envelope{}, fmt.Errorf("decode notification %q: %w", raw.Type, ErrUnknownKind)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}

	return Envelope{ID: raw.ID, CreatedAt: raw.CreatedAt, Body: body}, nil
}

func decodePayload[T Notification](payload json.RawMessage) (Notification, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
