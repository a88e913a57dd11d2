// Copyright 2026 The msgbus Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package msgbus

import "time"

// Config configures a Context. Values are copied into the Context at
// NewContext time; later changes to a Config value have no effect.
type Config struct {
	// ReconnectDelay is how long a client-mode Context waits after a failed
	// connect or an unexpected disconnect before retrying.
	ReconnectDelay time.Duration

	// DialTimeout bounds how long Connect waits for a TCP/Unix handshake to
	// complete before treating the attempt as a failure, subject to the same
	// ReconnectDelay backoff as any other connect failure.
	DialTimeout time.Duration

	// AcceptBacklog is advisory: Go's net package does not expose listen
	// backlog tuning directly, so this is currently informational only and
	// recorded for callers that want to log or report it.
	AcceptBacklog int

	// KeepaliveInterval, if non-zero, arms a periodic timer per connection
	// (accepted or dialed) that sends an empty keepalive Message on the
	// given id.
	KeepaliveInterval time.Duration

	// KeepaliveMsgID is the message id used for keepalive frames when
	// KeepaliveInterval is non-zero.
	KeepaliveMsgID uint32
}

var defaultConfig = Config{
	ReconnectDelay: 2 * time.Second,
	DialTimeout:    5 * time.Second,
	AcceptBacklog:  128,
}

// Option mutates a Config, in the same functional-options idiom the rest of
// this package uses.
type Option func(*Config)

// WithReconnectDelay overrides the client reconnect backoff.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Config) { c.ReconnectDelay = d }
}

// WithDialTimeout overrides how long Connect waits for a handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) { c.DialTimeout = d }
}

// WithAcceptBacklog records the intended listen backlog (informational).
func WithAcceptBacklog(n int) Option {
	return func(c *Config) { c.AcceptBacklog = n }
}

// WithKeepalive arms a periodic empty keepalive Message on every
// connection of the Context, sent every interval using msgID.
func WithKeepalive(interval time.Duration, msgID uint32) Option {
	return func(c *Config) {
		c.KeepaliveInterval = interval
		c.KeepaliveMsgID = msgID
	}
}
