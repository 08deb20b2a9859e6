package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"roomsync/internal/wire"

	"github.com/google/uuid"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotParticipant  = errors.New("not a participant of this room")
	ErrHostCannotLeave = errors.New("the host cannot leave the room")
)

// Store is the persistence the room handlers and hub need.
type Store interface {
	CreateRoom(ctx context.Context, name string, hostID int) (*Room, error)
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	Participants(ctx context.Context, roomID string) ([]Participant, error)
	IsParticipant(ctx context.Context, roomID string, userID int) (bool, error)
	AddParticipant(ctx context.Context, roomID string, userID int) error
	RemoveParticipant(ctx context.Context, roomID string, userID int) error
	SaveMessage(ctx context.Context, msg *Message) error
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*Message, error)
}

var _ Store = (*Repository)(nil)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateRoom stores a room and makes hostID its host participant.
func (r *Repository) CreateRoom(ctx context.Context, name string, hostID int) (*Room, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	room := &Room{ID: uuid.NewString(), Name: name, HostID: hostID}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (id, name, host_id) VALUES ($1, $2, $3) RETURNING created_at`,
		room.ID, room.Name, room.HostID,
	).Scan(&room.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (room_id, user_id, role) VALUES ($1, $2, $3)`,
		room.ID, hostID, wire.RoleHost,
	); err != nil {
		return nil, fmt.Errorf("insert host: %w", err)
	}

	return room, tx.Commit()
}

func (r *Repository) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	room := &Room{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, host_id, created_at FROM rooms WHERE id = $1`, roomID,
	).Scan(&room.ID, &room.Name, &room.HostID, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (r *Repository) Participants(ctx context.Context, roomID string) ([]Participant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.avatar_url, p.role
		FROM participants p
		JOIN users u ON p.user_id = u.id
		WHERE p.room_id = $1
		ORDER BY p.joined_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Username, &p.AvatarURL, &p.Role); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (r *Repository) IsParticipant(ctx context.Context, roomID string, userID int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID,
	).Scan(&exists)
	return exists, err
}

func (r *Repository) AddParticipant(ctx context.Context, roomID string, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participants (room_id, user_id, role) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		roomID, userID, wire.RoleMember,
	)
	return err
}

func (r *Repository) RemoveParticipant(ctx context.Context, roomID string, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM participants WHERE room_id = $1 AND user_id = $2 AND role <> $3`,
		roomID, userID, wire.RoleHost,
	)
	return err
}

func (r *Repository) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return r.db.QueryRowContext(ctx, `
		WITH inserted AS (
			INSERT INTO messages (id, room_id, sender_id, content)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at, sender_id
		)
		SELECT i.created_at, u.username FROM inserted i JOIN users u ON u.id = i.sender_id`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content,
	).Scan(&msg.CreatedAt, &msg.SenderName)
}

// RecentMessages returns the newest limit messages, oldest first.
func (r *Repository) RecentMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, room_id, sender_id, username, content, created_at FROM (
			SELECT m.id, m.room_id, m.sender_id, u.username, m.content, m.created_at
			FROM messages m
			JOIN users u ON m.sender_id = u.id
			WHERE m.room_id = $1
			ORDER BY m.created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.SenderName, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
