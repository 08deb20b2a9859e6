package livesync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// runStore starts s and returns a func that stops it and waits for Run to
// return.
func runStore(t *testing.T, s *Store) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestStore_ConcurrentMergesAreSerialized(t *testing.T) {
	req := require.New(t)
	s := NewStore("room-1")
	runStore(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch := []Message{msg(fmt.Sprintf("m%02d", i), fmt.Sprintf("2026-05-02T10:%02d:00Z", i))}
			req.NoError(s.Update(context.Background(), func(st State) State {
				st.Messages = Merge(st.Messages, batch)
				return st
			}))
		}(i)
	}
	wg.Wait()

	got := s.Snapshot().Messages
	req.Len(got, 50)
	for i, m := range got {
		req.Equal(fmt.Sprintf("m%02d", i), m.ID)
	}
}

func TestStore_SubscriberSeesLatestState(t *testing.T) {
	req := require.New(t)
	s := NewStore("room-1")
	runStore(t, s)

	updates, cancel := s.Subscribe()
	defer cancel()

	for i := 1; i <= 3; i++ {
		n := i
		req.NoError(s.Update(context.Background(), func(st State) State {
			st.Error = fmt.Sprint(n)
			return st
		}))
	}

	select {
	case st := <-updates:
		req.Equal("3", st.Error)
	case <-time.After(time.Second):
		req.Fail("no state published")
	}
}

func TestStore_UpdateAfterCloseIsDropped(t *testing.T) {
	s := NewStore("room-1")
	stop := runStore(t, s)
	stop()

	err := s.Update(context.Background(), func(st State) State {
		st.Error = "late"
		return st
	})
	require.ErrorIs(t, err, ErrClosed)
	require.Empty(t, s.Snapshot().Error)
}

func TestState_WithTypingDoesNotShareMap(t *testing.T) {
	before := State{Typing: map[string]string{"7": "lea"}}
	after := before.withTyping(Typing{UserID: "8", UserName: "sam", IsTyping: true})
	after = after.withTyping(Typing{UserID: "7", IsTyping: false})

	require.Equal(t, map[string]string{"7": "lea"}, before.Typing)
	require.Equal(t, map[string]string{"8": "sam"}, after.Typing)
}
