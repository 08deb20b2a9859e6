// Package identity resolves the user a client acts as from its access token.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"roomsync/internal/livesync"

	"github.com/golang-jwt/jwt/v5"
)

var ErrExpired = errors.New("access token expired")

type claims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

var _ livesync.Identity = (*TokenIdentity)(nil)

// TokenIdentity reads the user from the claims of a token issued by the
// backend. The client cannot check the signature; the backend does that on
// every call, so this is only used to know who "me" is.
type TokenIdentity struct {
	mu    sync.RWMutex
	token string
	user  livesync.User
	exp   time.Time
	now   func() time.Time
}

func NewTokenIdentity(token string) (*TokenIdentity, error) {
	t := &TokenIdentity{now: time.Now}
	if err := t.SetToken(token); err != nil {
		return nil, err
	}
	return t, nil
}

// SetToken swaps the token, e.g. after a new login.
func (t *TokenIdentity) SetToken(token string) error {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return fmt.Errorf("parse access token: %w", err)
	}
	if c.ID == 0 {
		return errors.New("access token carries no user id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
	t.user = livesync.User{ID: strconv.Itoa(c.ID), Name: c.Username}
	t.exp = time.Time{}
	if c.ExpiresAt != nil {
		t.exp = c.ExpiresAt.Time
	}
	return nil
}

func (t *TokenIdentity) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *TokenIdentity) CurrentUser() (livesync.User, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.exp.IsZero() && t.now().After(t.exp) {
		return livesync.User{}, ErrExpired
	}
	return t.user, nil
}
