// Package config reads the server and client settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Server struct {
	DatabaseDSN string        `env:"DB_DSN,required=true"`
	JWTSecret   string        `env:"JWT_SECRET,required=true"`
	TokenTTL    time.Duration `env:"TOKEN_TTL,default=24h"`
	// RedisAddr enables cross-instance fan-out. Empty keeps everything in
	// process, which only works with a single server.
	RedisAddr string `env:"REDIS_ADDR"`
	LogLevel  string `env:"LOG_LEVEL,default=INFO"`
}

type Client struct {
	ServerURL    string        `env:"ROOMSYNC_SERVER_URL,default=http://localhost:8080"`
	Username     string        `env:"ROOMSYNC_USERNAME,required=true"`
	Password     string        `env:"ROOMSYNC_PASSWORD,required=true"`
	RoomID       string        `env:"ROOMSYNC_ROOM_ID"`
	PollInterval time.Duration `env:"ROOMSYNC_POLL_INTERVAL,default=5s"`
	Grace        time.Duration `env:"ROOMSYNC_GRACE,default=3s"`
	HTTPTimeout  time.Duration `env:"ROOMSYNC_HTTP_TIMEOUT,default=10s"`
	HistoryLimit int           `env:"ROOMSYNC_HISTORY_LIMIT,default=50"`
	// Reconnect delays of the live channel.
	ReconnectDelay    time.Duration `env:"ROOMSYNC_RECONNECT_DELAY,default=1s"`
	MaxReconnectDelay time.Duration `env:"ROOMSYNC_MAX_RECONNECT_DELAY,default=30s"`
	LogLevel          string        `env:"LOG_LEVEL,default=WARN"`
}

// LoadServer reads an optional .env file, then the environment.
func LoadServer() (Server, error) {
	_ = godotenv.Load()
	var cfg Server
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Server{}, fmt.Errorf("server config: %w", err)
	}
	return cfg, nil
}

func LoadClient() (Client, error) {
	_ = godotenv.Load()
	var cfg Client
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Client{}, fmt.Errorf("client config: %w", err)
	}
	if cfg.PollInterval <= 0 || cfg.Grace < 0 {
		return Client{}, fmt.Errorf("client config: poll interval must be positive and grace not negative")
	}
	return cfg, nil
}
