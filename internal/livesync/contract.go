//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_livesync.go -package=mocks
package livesync

import "context"

// RoomAPI is the request/response side of the backend.
type RoomAPI interface {
	RoomDetail(ctx context.Context, roomID string) (RoomDetail, error)
	Participants(ctx context.Context, roomID string) ([]Participant, error)
	Messages(ctx context.Context, roomID string) ([]Message, error)
	SendMessage(ctx context.Context, roomID, text string) (Message, error)
	Join(ctx context.Context, roomID string) error
	Leave(ctx context.Context, roomID string) error
}

// LiveChannel is a persistent connection to one room. Transport failures
// surface as a false value on Connectivity, never as errors from the
// streams; reconnecting is the implementation's business.
type LiveChannel interface {
	Connect(ctx context.Context, roomID string) error
	// Disconnect tears the channel down. Calling it more than once is safe.
	Disconnect() error
	Connectivity() <-chan bool
	Events() <-chan Event
	SendMessage(ctx context.Context, text string) error
	SendTyping(ctx context.Context, typing bool) error
}

// Identity provides the user the client acts as.
type Identity interface {
	CurrentUser() (User, error)
}
