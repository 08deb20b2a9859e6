package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

type Options struct {
	PollInterval time.Duration
	// Grace is how long the live channel may stay down before polling starts.
	Grace time.Duration
}

func DefaultOptions() Options {
	return Options{PollInterval: 5 * time.Second, Grace: 3 * time.Second}
}

// Synchronizer is the single owner of one open room. Run must be active for
// any of the other operations to take effect.
type Synchronizer struct {
	roomID   string
	api      RoomAPI
	channel  LiveChannel
	identity Identity
	store    *Store
	poller   *Poller
	sender   *SendCoordinator
	log      *slog.Logger
	resync   chan struct{}
}

func New(roomID string, api RoomAPI, channel LiveChannel, identity Identity, opts Options, log *slog.Logger) *Synchronizer {
	log = log.With("room_id", roomID)
	store := NewStore(roomID)
	s := &Synchronizer{
		roomID:   roomID,
		api:      api,
		channel:  channel,
		identity: identity,
		store:    store,
		sender:   NewSendCoordinator(roomID, api, channel, identity, store, log),
		log:      log,
		resync:   make(chan struct{}, 1),
	}
	s.poller = NewPoller(s.fetchMessages, s.mergeBatch, opts.PollInterval, opts.Grace, log)
	return s
}

// Run opens the live channel, performs the initial fetch and keeps the
// state in sync until ctx is cancelled. On return the channel is closed,
// polling has stopped and the state no longer accepts updates.
func (s *Synchronizer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	feed := make(chan bool)

	g.Go(func() error { return s.store.Run(ctx) })

	// A channel that cannot even start counts as down, so the grace timer
	// still leads to polling.
	down := false
	if err := s.channel.Connect(ctx, s.roomID); err != nil {
		s.log.Warn("Live channel unavailable", "error", err)
		down = true
	}
	g.Go(func() error { return s.listen(ctx, feed, down) })
	g.Go(func() error {
		s.poller.OnChange(func(polling bool) {
			s.update(ctx, func(st State) State {
				st.Polling = polling
				return st
			})
		})
		return s.poller.Run(ctx, feed)
	})
	g.Go(func() error { return s.resyncLoop(ctx) })
	g.Go(func() error {
		if err := s.Refresh(ctx); err != nil {
			s.log.Warn("Initial fetch failed", "error", err)
		}
		return nil
	})

	<-ctx.Done()
	if err := s.channel.Disconnect(); err != nil {
		s.log.Debug("Disconnect failed", "error", err)
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Synchronizer) State() State {
	return s.store.Snapshot()
}

// Subscribe streams state changes; see Store.Subscribe.
func (s *Synchronizer) Subscribe() (<-chan State, func()) {
	return s.store.Subscribe()
}

func (s *Synchronizer) Send(ctx context.Context, text string) error {
	return s.sender.Send(ctx, text)
}

// Join adds the current user to the room and reloads the participants.
func (s *Synchronizer) Join(ctx context.Context) error {
	if err := s.api.Join(ctx, s.roomID); err != nil {
		s.setError(ctx, "Could not join the room")
		return fmt.Errorf("join room %s: %w", s.roomID, err)
	}
	return s.reloadParticipants(ctx)
}

func (s *Synchronizer) Leave(ctx context.Context) error {
	if err := s.api.Leave(ctx, s.roomID); err != nil {
		s.setError(ctx, "Could not leave the room")
		return fmt.Errorf("leave room %s: %w", s.roomID, err)
	}
	return s.reloadParticipants(ctx)
}

// SetTyping announces the typing indicator. Without a live channel there is
// nobody to tell, so it does nothing.
func (s *Synchronizer) SetTyping(ctx context.Context, typing bool) error {
	if !s.store.Snapshot().Connected {
		return nil
	}
	if err := s.channel.SendTyping(ctx, typing); err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

// Refresh reloads room detail, participants and messages. Messages are
// merged into what is already shown; nothing is removed.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.update(ctx, func(st State) State {
		st.Loading = true
		return st
	})

	var (
		detail       RoomDetail
		participants []Participant
		messages     []Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		detail, err = s.api.RoomDetail(gctx, s.roomID)
		return err
	})
	g.Go(func() (err error) {
		participants, err = s.api.Participants(gctx, s.roomID)
		return err
	})
	g.Go(func() (err error) {
		messages, err = s.api.Messages(gctx, s.roomID)
		return err
	})

	if err := g.Wait(); err != nil {
		s.update(ctx, func(st State) State {
			st.Loading = false
			st.Error = "Could not load the room"
			return st
		})
		return fmt.Errorf("refresh room %s: %w", s.roomID, err)
	}

	s.update(ctx, func(st State) State {
		st.Loading = false
		st.Error = ""
		st.Room = &detail
		st.Participants = participants
		st.Messages = Merge(st.Messages, messages)
		return st
	})
	return nil
}

func (s *Synchronizer) listen(ctx context.Context, feed chan<- bool, down bool) error {
	defer close(feed)
	connectivity := s.channel.Connectivity()
	events := s.channel.Events()
	wasDown := false

	if down && !s.transition(ctx, feed, false, &wasDown) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case connected, ok := <-connectivity:
			if !ok {
				connectivity = nil
				continue
			}
			if !s.transition(ctx, feed, connected, &wasDown) {
				return nil
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.apply(ctx, ev)
		}
	}
}

// transition records a connectivity change and hands it to the poller. It
// reports false once ctx is done.
func (s *Synchronizer) transition(ctx context.Context, feed chan<- bool, connected bool, wasDown *bool) bool {
	s.update(ctx, func(st State) State {
		st.Connected = connected
		if !connected {
			// No "stopped typing" frame can arrive over a dead channel.
			st.Typing = nil
		}
		return st
	})
	if connected && *wasDown {
		// Messages sent while we were away never reach the channel.
		select {
		case s.resync <- struct{}{}:
		default:
		}
	}
	*wasDown = !connected
	select {
	case feed <- connected:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Synchronizer) apply(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventMessage:
		s.mergeBatch(ctx, []Message{ev.Message})
	case EventTyping:
		if me, err := s.identity.CurrentUser(); err == nil && me.ID == ev.Typing.UserID {
			return
		}
		s.update(ctx, func(st State) State { return st.withTyping(ev.Typing) })
	case EventNotification:
		s.update(ctx, func(st State) State { return st.withNotice(ev.Notification) })
	case EventError:
		s.setError(ctx, ev.Err)
	}
}

func (s *Synchronizer) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.resync:
			batch, err := s.fetchMessages(ctx)
			if err != nil {
				s.log.Warn("Catch-up fetch after reconnect failed", "error", err)
				continue
			}
			s.mergeBatch(ctx, batch)
		}
	}
}

func (s *Synchronizer) fetchMessages(ctx context.Context) ([]Message, error) {
	return s.api.Messages(ctx, s.roomID)
}

func (s *Synchronizer) mergeBatch(ctx context.Context, batch []Message) {
	s.update(ctx, func(st State) State {
		st.Messages = Merge(st.Messages, batch)
		return st
	})
}

func (s *Synchronizer) reloadParticipants(ctx context.Context) error {
	participants, err := s.api.Participants(ctx, s.roomID)
	if err != nil {
		return fmt.Errorf("load participants of %s: %w", s.roomID, err)
	}
	s.update(ctx, func(st State) State {
		st.Participants = participants
		st.Error = ""
		return st
	})
	return nil
}

func (s *Synchronizer) setError(ctx context.Context, msg string) {
	s.update(ctx, func(st State) State {
		st.Error = msg
		return st
	})
}

func (s *Synchronizer) update(ctx context.Context, fn func(State) State) {
	if err := s.store.Update(ctx, fn); err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
		s.log.Debug("State update dropped", "error", err)
	}
}
