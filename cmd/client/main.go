// Command client is a line-based terminal client for one room.
//
//	/join /leave /refresh /quit   room commands
//	anything else                 sent as a message
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"roomsync/internal/config"
	"roomsync/internal/identity"
	"roomsync/internal/livesync"
	"roomsync/internal/notification"
	"roomsync/internal/transport/httpapi"
	"roomsync/internal/transport/wschannel"

	"github.com/mama165/sdk-go/logs"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := httpapi.New(cfg.ServerURL, cfg.HTTPTimeout, cfg.HistoryLimit)
	token, err := login(ctx, api, cfg.Username, cfg.Password)
	if err != nil {
		return err
	}
	api = api.WithToken(token)

	me, err := identity.NewTokenIdentity(token)
	if err != nil {
		return err
	}

	roomID := cfg.RoomID
	if roomID == "" {
		room, err := api.CreateRoom(ctx, cfg.Username+"'s room")
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		roomID = room.ID
		fmt.Printf("Created room %s\n", roomID)
	}

	channel := wschannel.New(wschannel.Options{
		URL:               wsURL(cfg.ServerURL),
		Token:             token,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
	}, log)

	syncer := livesync.New(roomID, api, channel, me, livesync.Options{
		PollInterval: cfg.PollInterval,
		Grace:        cfg.Grace,
	}, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncer.Run(gctx) })
	g.Go(func() error {
		render(gctx, syncer)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return readCommands(gctx, os.Stdin, syncer, log)
	})
	return g.Wait()
}

func login(ctx context.Context, api *httpapi.Client, username, password string) (string, error) {
	res, err := api.Login(ctx, username, password)
	if err == nil {
		return res.AccessToken, nil
	}
	// First run: create the account, then try again.
	if regErr := api.Register(ctx, username, password); regErr != nil {
		return "", fmt.Errorf("login: %w", errors.Join(err, regErr))
	}
	res, err = api.Login(ctx, username, password)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	return res.AccessToken, nil
}

func wsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/ws"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/ws"
	}
	return serverURL + "/ws"
}

// commander is the part of the synchronizer the command loop drives.
type commander interface {
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	Refresh(ctx context.Context) error
	SetTyping(ctx context.Context, typing bool) error
	Send(ctx context.Context, text string) error
}

func readCommands(ctx context.Context, in io.Reader, syncer commander, log *slog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		var err error
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/join":
			err = syncer.Join(ctx)
		case "/leave":
			err = syncer.Leave(ctx)
		case "/refresh":
			err = syncer.Refresh(ctx)
		default:
			// Stdin only yields whole lines, so typing is announced for the
			// length of the send.
			_ = syncer.SetTyping(ctx, true)
			err = syncer.Send(ctx, line)
			_ = syncer.SetTyping(ctx, false)
		}

		switch {
		case errors.Is(err, livesync.ErrSendPending):
			fmt.Println("! still sending the previous message")
		case err != nil && !errors.Is(err, context.Canceled):
			log.Debug("Command failed", "command", line, "error", err)
		}
	}
}

// render prints each message once and every status change.
func render(ctx context.Context, syncer *livesync.Synchronizer) {
	states, unsubscribe := syncer.Subscribe()
	defer unsubscribe()

	printed := map[string]bool{}
	var last livesync.State
	for {
		var st livesync.State
		select {
		case <-ctx.Done():
			return
		case st = <-states:
		}

		if st.Room != nil && (last.Room == nil || last.Room.Name != st.Room.Name) {
			fmt.Printf("== %s ==\n", st.Room.Name)
		}
		for _, m := range st.Messages {
			if printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			fmt.Printf("[%s] %s: %s\n", m.DisplayTime(), senderName(st, m), m.Body)
		}
		if st.Connected != last.Connected || st.Polling != last.Polling {
			fmt.Println(status(st))
		}
		if st.Error != "" && st.Error != last.Error {
			fmt.Printf("! %s\n", st.Error)
		}
		for _, n := range st.Notices {
			if printed[n.ID] {
				continue
			}
			printed[n.ID] = true
			if sys, ok := n.Body.(notification.SystemMessage); ok {
				fmt.Printf("* %s\n", sys.Text)
			}
		}
		for id, name := range st.Typing {
			if _, was := last.Typing[id]; !was {
				fmt.Printf("(%s is typing)\n", name)
			}
		}
		last = st
	}
}

func senderName(st livesync.State, m livesync.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	for _, p := range st.Participants {
		if p.ID == m.SenderID {
			return p.Name
		}
	}
	return "#" + m.SenderID
}

func status(st livesync.State) string {
	switch {
	case st.Connected:
		return "-- live"
	case st.Polling:
		return "-- offline, polling for new messages"
	}
	return "-- reconnecting..."
}
