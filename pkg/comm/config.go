// Package comm is the websocket transport of the agent: one loopback client at
// a time, one outbound message in flight per connection.
package comm

import (
	"errors"
	"net"
	"strconv"
	"time"
)

const (
	DefaultPort       = 8003
	DefaultMaxPayload = 2048
	DefaultTxTimeout  = 3000 * time.Millisecond
	DefaultBind       = "127.0.0.1"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrSendTimeout  = errors.New("send timeout")
	ErrNoConnection = errors.New("no client connected")
)

// Config holds the transport settings (comm_ws.* keys).
type Config struct {
	Bind       string
	Port       int
	MaxPayload int
	TxTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Bind:       DefaultBind,
		Port:       DefaultPort,
		MaxPayload: DefaultMaxPayload,
		TxTimeout:  DefaultTxTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	return c
}

// Addr is the listen address. Callers that need an ephemeral port bind their
// own listener and use Server.Serve.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}
