// Package httpapi is the client for the room backend's REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"roomsync/internal/livesync"
	"roomsync/internal/transport"
	"roomsync/internal/wire"

	"github.com/samber/lo"
)

var (
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

var _ livesync.RoomAPI = (*Client)(nil)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limit   int
}

func New(baseURL string, timeout time.Duration, historyLimit int) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limit:   historyLimit,
	}
}

// WithToken returns a copy of c that authenticates as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

func (c *Client) Token() string {
	return c.token
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.do(ctx, http.MethodPost, "/register", wire.LoginRequest{Username: username, Password: password}, nil)
}

func (c *Client) Login(ctx context.Context, username, password string) (wire.LoginResponse, error) {
	var res wire.LoginResponse
	err := c.do(ctx, http.MethodPost, "/login", wire.LoginRequest{Username: username, Password: password}, &res)
	return res, err
}

func (c *Client) CreateRoom(ctx context.Context, name string) (livesync.RoomDetail, error) {
	var res wire.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms", wire.CreateRoomRequest{Name: name}, &res); err != nil {
		return livesync.RoomDetail{}, err
	}
	return toRoomDetail(res), nil
}

func (c *Client) RoomDetail(ctx context.Context, roomID string) (livesync.RoomDetail, error) {
	var res wire.Room
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, ""), nil, &res); err != nil {
		return livesync.RoomDetail{}, err
	}
	return toRoomDetail(res), nil
}

func (c *Client) Participants(ctx context.Context, roomID string) ([]livesync.Participant, error) {
	var res []wire.Participant
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "/participants"), nil, &res); err != nil {
		return nil, err
	}
	return lo.Map(res, func(p wire.Participant, _ int) livesync.Participant {
		return transport.ToParticipant(p)
	}), nil
}

func (c *Client) Messages(ctx context.Context, roomID string) ([]livesync.Message, error) {
	path := roomPath(roomID, "/messages")
	if c.limit > 0 {
		path += "?limit=" + strconv.Itoa(c.limit)
	}
	var res []wire.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return lo.Map(res, func(m wire.Message, _ int) livesync.Message {
		return transport.ToMessage(m)
	}), nil
}

func (c *Client) SendMessage(ctx context.Context, roomID, text string) (livesync.Message, error) {
	var res wire.Message
	if err := c.do(ctx, http.MethodPost, roomPath(roomID, "/messages"), wire.SendMessageRequest{Content: text}, &res); err != nil {
		return livesync.Message{}, err
	}
	return transport.ToMessage(res), nil
}

func (c *Client) Join(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "/join"), nil, nil)
}

func (c *Client) Leave(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "/leave"), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %w", method, path, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func roomPath(roomID, suffix string) string {
	return "/api/rooms/" + url.PathEscape(roomID) + suffix
}

func toRoomDetail(r wire.Room) livesync.RoomDetail {
	return livesync.RoomDetail{ID: r.ID, Name: r.Name, HostID: strconv.Itoa(r.HostID)}
}
