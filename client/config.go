// Package client is the device side of message delivery: a transport
// negotiator that picks between a socket and adaptive polling, and a
// delivery channel with an offline send queue.
package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

// Defaults for Config.
const (
	DefaultMaxSocketAttempts = 5
	DefaultMaxSendAttempts   = 5
	DefaultDrainPause        = 250 * time.Millisecond
	DefaultChunkSize         = 20
	DefaultFetchLimit        = 50
	DefaultReconnectInitial  = time.Second
	DefaultReconnectMax      = 30 * time.Second

	// errorStateThreshold is the consecutive fetch errors after which the
	// state reads as error. Polling continues regardless.
	errorStateThreshold = 3
)

// Config configures a Negotiator and Channel.
type Config struct {
	ServerURL string
	Token     string

	Capability  Capability
	PollingOnly bool

	MaxSocketAttempts int
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration

	MaxSendAttempts int
	// DrainPause is the wait between queued sends. Negative disables it.
	DrainPause      time.Duration
	ChunkSize       int
	FetchLimit      int

	Clock      clock.Clock
	Logger     *slog.Logger
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.MaxSocketAttempts <= 0 {
		c.MaxSocketAttempts = DefaultMaxSocketAttempts
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = DefaultReconnectInitial
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = DefaultMaxSendAttempts
	}
	if c.DrainPause == 0 {
		c.DrainPause = DefaultDrainPause
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// strategy combines the capability with the polling-only override.
func (c Config) strategy() Strategy {
	s := c.Capability.Strategy()
	if c.PollingOnly {
		s.Socket = false
	}
	return s
}
