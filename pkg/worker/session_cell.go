package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/scitix/netpulse/pkg/driver"
	"github.com/scitix/netpulse/pkg/metrics"
)

// SessionCell is the persisted-session slot of a pinned worker. It owns
// the single session, the mutex serializing every session mutation and
// the keepalive interval extracted from the connection args.
//
// The dispatcher loop and the keepalive monitor both go through the
// cell's mutex, so send, config and keepalive never interleave.
type SessionCell struct {
	drv      driver.Driver
	args     json.RawMessage
	argsSig  string
	interval time.Duration

	mu      sync.Mutex
	session driver.Session
}

// NewSessionCell creates an empty cell; the first job populates it
func NewSessionCell(drv driver.Driver, args json.RawMessage) (*SessionCell, error) {
	sig, err := drv.ArgsSignature(args)
	if err != nil {
		return nil, err
	}
	return &SessionCell{
		drv:      drv,
		args:     args,
		argsSig:  sig,
		interval: drv.KeepaliveInterval(args),
	}, nil
}

// KeepaliveInterval is the configured keepalive period; zero disables
// the monitor
func (c *SessionCell) KeepaliveInterval() time.Duration {
	return c.interval
}

// Lock acquires the session mutex
func (c *SessionCell) Lock() { c.mu.Lock() }

// Unlock releases the session mutex
func (c *SessionCell) Unlock() { c.mu.Unlock() }

// Acquire returns the persisted session, opening it lazily. The caller
// must hold the mutex. A dead persisted session is torn down and
// replaced with a fresh one.
func (c *SessionCell) Acquire(ctx context.Context) (driver.Session, error) {
	if c.session != nil {
		if c.session.IsAlive() {
			return c.session, nil
		}
		_ = c.session.Close()
		c.session = nil
	}

	sess, err := c.drv.Connect(ctx, c.args)
	if err != nil {
		return nil, err
	}
	metrics.SessionsOpened.WithLabelValues(c.drv.Name()).Inc()
	if c.drv.Reusable() {
		c.session = sess
	}
	return sess, nil
}

// Current returns the persisted session without connecting, nil when
// the cell is still empty. The caller must hold the mutex.
func (c *SessionCell) Current() driver.Session {
	return c.session
}

// Close tears down the persisted session, best effort. The caller must
// hold the mutex.
func (c *SessionCell) Close() {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
}
