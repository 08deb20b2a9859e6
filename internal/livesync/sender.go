package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// SendCoordinator routes outgoing messages for one room. It allows a single
// send in flight; overlapping calls are rejected rather than queued.
type SendCoordinator struct {
	roomID   string
	api      RoomAPI
	channel  LiveChannel
	identity Identity
	store    *Store
	log      *slog.Logger
	pending  atomic.Bool
}

func NewSendCoordinator(roomID string, api RoomAPI, channel LiveChannel, identity Identity, store *Store, log *slog.Logger) *SendCoordinator {
	return &SendCoordinator{
		roomID:   roomID,
		api:      api,
		channel:  channel,
		identity: identity,
		store:    store,
		log:      log,
	}
}

// Send delivers text. Blank text is ignored. While connected the text goes
// over the live channel and its echo arrives with the other inbound
// messages; otherwise, or when the push fails, it is posted once and the
// response is merged directly. A failure is recorded in the state once and
// returned; the message list is left untouched.
func (c *SendCoordinator) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !c.pending.CompareAndSwap(false, true) {
		return ErrSendPending
	}
	defer c.pending.Store(false)

	user, err := c.identity.CurrentUser()
	if err != nil {
		return c.fail(ctx, fmt.Errorf("resolve current user: %w", err))
	}
	state := c.store.Snapshot()
	if !state.IsParticipant(user.ID) {
		return c.fail(ctx, ErrNotParticipant)
	}

	if err := c.store.Update(ctx, func(s State) State {
		s.Sending = true
		s.Error = ""
		return s
	}); err != nil {
		return err
	}

	if state.Connected {
		err := c.channel.SendMessage(ctx, text)
		if err == nil {
			return c.finish(ctx, nil)
		}
		c.log.Warn("Live push failed, sending by request", "room_id", c.roomID, "error", err)
	}

	msg, err := c.api.SendMessage(ctx, c.roomID, text)
	if err != nil {
		return c.fail(ctx, fmt.Errorf("send message: %w", err))
	}
	return c.finish(ctx, []Message{msg})
}

func (c *SendCoordinator) Pending() bool {
	return c.pending.Load()
}

func (c *SendCoordinator) finish(ctx context.Context, merged []Message) error {
	err := c.store.Update(context.WithoutCancel(ctx), func(s State) State {
		s.Sending = false
		s.Messages = Merge(s.Messages, merged)
		return s
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (c *SendCoordinator) fail(ctx context.Context, cause error) error {
	msg := cause.Error()
	if errors.Is(cause, ErrNotParticipant) {
		msg = "Join the room to send messages"
	}
	err := c.store.Update(context.WithoutCancel(ctx), func(s State) State {
		s.Sending = false
		s.Error = msg
		return s
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		c.log.Debug("Could not record send failure", "error", err)
	}
	return cause
}
