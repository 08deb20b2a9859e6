package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"roomsync/internal/transport/httpapi"
	"roomsync/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL string `envconfig:"LOADTEST_BASE_URL" default:"http://localhost:8080"`
	// Rooms are hosted by one user and joined by Members others.
	Rooms    int           `envconfig:"LOADTEST_ROOMS" default:"50"`
	Members  int           `envconfig:"LOADTEST_MEMBERS" default:"3"`
	MsgCount int           `envconfig:"LOADTEST_MSG_COUNT" default:"20"`
	Pause    time.Duration `envconfig:"LOADTEST_PAUSE" default:"10ms"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"INFO"`
}

const password = "password123"

var sent, failed atomic.Int64

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	log.Info("Starting load test", "rooms", cfg.Rooms, "members_per_room", cfg.Members, "messages_each", cfg.MsgCount)
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(64)
	for i := 0; i < cfg.Rooms; i++ {
		g.Go(func() error {
			runRoom(ctx, cfg, i, log)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("Load test complete", "sent", sent.Load(), "failed", failed.Load(), "elapsed", time.Since(start))
}

func runRoom(ctx context.Context, cfg Config, n int, log *slog.Logger) {
	api := httpapi.New(cfg.BaseURL, 10*time.Second, 0)

	host, err := authenticate(ctx, api, fmt.Sprintf("lt_%d_host", n))
	if err != nil {
		log.Warn("Host login failed", "room", n, "error", err)
		return
	}
	room, err := host.CreateRoom(ctx, fmt.Sprintf("loadtest %d", n))
	if err != nil {
		log.Warn("Create room failed", "room", n, "error", err)
		return
	}

	users := []*httpapi.Client{host}
	for m := 0; m < cfg.Members; m++ {
		member, err := authenticate(ctx, api, fmt.Sprintf("lt_%d_m%d", n, m))
		if err != nil {
			log.Warn("Member login failed", "room", n, "error", err)
			continue
		}
		if err := member.Join(ctx, room.ID); err != nil {
			log.Warn("Join failed", "room", n, "error", err)
			continue
		}
		users = append(users, member)
	}

	var g errgroup.Group
	for _, u := range users {
		g.Go(func() error {
			spam(cfg, u.Token(), room.ID, log)
			return nil
		})
	}
	_ = g.Wait()
}

// authenticate registers (ignoring "already exists") and logs in.
func authenticate(ctx context.Context, api *httpapi.Client, username string) (*httpapi.Client, error) {
	_ = api.Register(ctx, username, password)
	res, err := api.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return api.WithToken(res.AccessToken), nil
}

func spam(cfg Config, token, roomID string, log *slog.Logger) {
	endpoint := "ws" + strings.TrimPrefix(cfg.BaseURL, "http") + "/ws?" + url.Values{
		"room_id": {roomID},
		"token":   {token},
	}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		log.Warn("Websocket connect failed", "room_id", roomID, "error", err)
		failed.Add(int64(cfg.MsgCount))
		return
	}
	defer conn.Close()

	// Drain broadcasts so the server never sees us as a slow client.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < cfg.MsgCount; i++ {
		err := conn.WriteJSON(wire.Frame{Type: wire.FrameMessage, Content: fmt.Sprintf("load test message %d", i)})
		if err != nil {
			log.Warn("Send failed", "room_id", roomID, "error", err)
			failed.Add(int64(cfg.MsgCount - i))
			return
		}
		sent.Add(1)
		time.Sleep(cfg.Pause)
	}
}
