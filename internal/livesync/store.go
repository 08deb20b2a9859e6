package livesync

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"roomsync/internal/notification"
)

const maxNotices = 20

// State is the observable conversation view of one room. Values handed out
// by the Store are snapshots and must not be mutated.
type State struct {
	RoomID       string
	Room         *RoomDetail
	Messages     []Message
	Participants []Participant
	Loading      bool
	Sending      bool
	Connected    bool
	Polling      bool
	Error        string
	Typing       map[string]string
	Notices      []notification.Envelope
}

// IsParticipant reports whether userID is among the known participants.
func (s State) IsParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// withTyping returns a copy of s whose typing map reflects t.
func (s State) withTyping(t Typing) State {
	typing := maps.Clone(s.Typing)
	if typing == nil {
		typing = make(map[string]string)
	}
	if t.IsTyping {
		typing[t.UserID] = t.UserName
	} else {
		delete(typing, t.UserID)
	}
	s.Typing = typing
	return s
}

func (s State) withNotice(n notification.Envelope) State {
	notices := append(append([]notification.Envelope(nil), s.Notices...), n)
	if len(notices) > maxNotices {
		notices = notices[len(notices)-maxNotices:]
	}
	s.Notices = notices
	return s
}

type update struct {
	fn   func(State) State
	done chan struct{}
}

// Store owns a room's State. Run is the only goroutine that writes it;
// every change goes through Update, so concurrent writers are applied one
// after another against the latest state.
type Store struct {
	updates chan update
	closed  chan struct{}
	current atomic.Pointer[State]

	mu          sync.Mutex
	subscribers map[chan State]struct{}
}

func NewStore(roomID string) *Store {
	s := &Store{
		updates:     make(chan update),
		closed:      make(chan struct{}),
		subscribers: make(map[chan State]struct{}),
	}
	s.current.Store(&State{RoomID: roomID, Typing: map[string]string{}})
	return s
}

// Run applies updates until ctx is done. Afterwards every Update fails with
// ErrClosed.
func (s *Store) Run(ctx context.Context) error {
	defer close(s.closed)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-s.updates:
			next := u.fn(*s.current.Load())
			s.current.Store(&next)
			s.publish(next)
			close(u.done)
		}
	}
}

// Update applies fn to the current state and waits for it to be stored.
func (s *Store) Update(ctx context.Context, fn func(State) State) error {
	u := update{fn: fn, done: make(chan struct{})}
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.updates <- u:
	}
	<-u.done
	return nil
}

func (s *Store) Snapshot() State {
	return *s.current.Load()
}

// Subscribe returns a channel that always holds the most recent state once
// something has changed. Slow readers skip intermediate states rather than
// block the writer. Call cancel to stop receiving.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) publish(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
