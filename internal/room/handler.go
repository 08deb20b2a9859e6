package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"roomsync/internal/middleware"
	"roomsync/internal/notification"
	"roomsync/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const (
	defaultHistory = 50
	maxHistory     = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Terminal clients and tests send no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub   *Hub
	store Store
	log   *slog.Logger
}

func NewHandler(hub *Hub, store Store, log *slog.Logger) *Handler {
	return &Handler{hub: hub, store: store, log: log}
}

// Routes mounts the room API under /api/rooms.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.CreateRoom)
	r.Route("/{roomID}", func(r chi.Router) {
		r.Get("/", h.GetRoom)
		r.Get("/participants", h.GetParticipants)
		r.Post("/join", h.Join)
		r.Post("/leave", h.Leave)
		r.Get("/messages", h.GetMessages)
		r.Post("/messages", h.PostMessage)
	})
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req wire.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		http.Error(w, "Room name is required", http.StatusBadRequest)
		return
	}

	room, err := h.store.CreateRoom(r.Context(), name, userID)
	if err != nil {
		h.log.Error("Creating room failed", "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, room.ToWire())
}

func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, room.ToWire())
}

func (h *Handler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	participants, err := h.store.Participants(r.Context(), room.ID)
	if err != nil {
		h.log.Error("Loading participants failed", "room_id", room.ID, "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(participants, func(p Participant, _ int) wire.Participant {
		return p.ToWire()
	}))
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	userID, username, _ := middleware.UserFromContext(r.Context())

	if err := h.store.AddParticipant(r.Context(), room.ID, userID); err != nil {
		h.log.Error("Joining room failed", "room_id", room.ID, "user_id", userID, "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	h.notify(r, room.ID, fmt.Sprintf("%s joined the room", username))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	userID, username, _ := middleware.UserFromContext(r.Context())
	if room.HostID == userID {
		http.Error(w, ErrHostCannotLeave.Error(), http.StatusConflict)
		return
	}

	if err := h.store.RemoveParticipant(r.Context(), room.ID, userID); err != nil {
		h.log.Error("Leaving room failed", "room_id", room.ID, "user_id", userID, "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	h.notify(r, room.ID, fmt.Sprintf("%s left the room", username))
	w.WriteHeader(http.StatusNoContent)
}

// GetMessages returns the newest messages, oldest first.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}

	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistory)
	}

	msgs, err := h.store.RecentMessages(r.Context(), room.ID, limit)
	if err != nil {
		h.log.Error("Loading messages failed", "room_id", room.ID, "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(msgs, func(m *Message, _ int) wire.Message {
		return m.ToWire()
	}))
}

// PostMessage is the request path for sends, used when the live channel
// is down. The stored message is also pushed to the room.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := h.room(w, r)
	if !ok {
		return
	}
	userID, username, _ := middleware.UserFromContext(r.Context())

	var req wire.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		http.Error(w, "Message content is required", http.StatusBadRequest)
		return
	}

	member, err := h.store.IsParticipant(r.Context(), room.ID, userID)
	if err != nil {
		h.log.Error("Participant lookup failed", "room_id", room.ID, "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, ErrNotParticipant.Error(), http.StatusForbidden)
		return
	}

	msg := &Message{RoomID: room.ID, SenderID: userID, SenderName: username, Content: content}
	if err := h.store.SaveMessage(r.Context(), msg); err != nil {
		h.log.Error("Saving message failed", "room_id", room.ID, "error", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if err := h.hub.AnnounceMessage(r.Context(), msg); err != nil {
		h.log.Warn("Publishing message failed", "room_id", room.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, msg.ToWire())
}

// ServeWs upgrades the request into a live connection to one room.
// Anyone may watch a room; only participants may send.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}
	if _, err := h.store.GetRoom(r.Context(), roomID); err != nil {
		h.writeLookupError(w, roomID, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn, userID, username, roomID, h.log)
	select {
	case h.hub.Register <- client:
	case <-h.hub.Done():
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) room(w http.ResponseWriter, r *http.Request) (*Room, bool) {
	roomID := chi.URLParam(r, "roomID")
	room, err := h.store.GetRoom(r.Context(), roomID)
	if err != nil {
		h.writeLookupError(w, roomID, err)
		return nil, false
	}
	return room, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, roomID string, err error) {
	if errors.Is(err, ErrRoomNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.log.Error("Loading room failed", "room_id", roomID, "error", err)
	http.Error(w, "Database error", http.StatusInternalServerError)
}

func (h *Handler) notify(r *http.Request, roomID, text string) {
	if err := h.hub.Notify(r.Context(), roomID, notification.SystemMessage{Text: text}); err != nil {
		h.log.Warn("Publishing notice failed", "room_id", roomID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
