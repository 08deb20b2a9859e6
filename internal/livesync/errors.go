package livesync

import "errors"

var (
	ErrClosed         = errors.New("room state closed")
	ErrSendPending    = errors.New("a send is already in flight")
	ErrNotParticipant = errors.New("not a participant of this room")
	ErrNotConnected   = errors.New("live channel not connected")
)
