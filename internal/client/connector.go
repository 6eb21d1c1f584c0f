package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxRetries = 5
	DefaultBackoff    = time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

type Status struct {
	State   State
	Message string
	IsHost  bool
	RoomID  string
}

type (
	DialFunc  func(ctx context.Context) (Transport, error)
	ServeFunc func(ctx context.Context, t Transport) error
)

// Connector keeps one transport up: it redials after a fixed backoff and
// gives up with StateError after MaxRetries consecutive failed dials.
type Connector struct {
	MaxRetries int
	Backoff    time.Duration

	clock    clock.Clock
	onStatus func(Status)

	mu     sync.Mutex
	status Status
}

func NewConnector(clk clock.Clock, onStatus func(Status)) *Connector {
	if clk == nil {
		clk = clock.New()
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	return &Connector{
		MaxRetries: DefaultMaxRetries,
		Backoff:    DefaultBackoff,
		clock:      clk,
		onStatus:   onStatus,
	}
}

func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetRoom records the joined room and role for status reports.
func (c *Connector) SetRoom(roomID string, isHost bool) {
	c.update(func(s *Status) {
		s.RoomID = roomID
		s.IsHost = isHost
	})
}

func (c *Connector) setState(st State, msg string) {
	c.update(func(s *Status) {
		s.State = st
		s.Message = msg
		if st != StateConnected {
			s.IsHost = false
		}
	})
}

func (c *Connector) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	s := c.status
	c.mu.Unlock()
	log.Info().Str("module", "client").Str("state", s.State.String()).Str("room", s.RoomID).Bool("host", s.IsHost).Msg(s.Message)
	c.onStatus(s)
}

// Run dials and serves until ctx ends or the retries run out.
func (c *Connector) Run(ctx context.Context, dial DialFunc, serve ServeFunc) error {
	failures := 0
	for {
		c.setState(StateConnecting, "connecting")
		t, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected, "stopped")
				return ctx.Err()
			}
			failures++
			if failures > c.MaxRetries {
				c.setState(StateError, fmt.Sprintf("giving up after %d attempts: %v", failures, err))
				return fmt.Errorf("connect: %w", err)
			}
			if err := c.backoff(ctx, fmt.Sprintf("dial failed (%d/%d): %v", failures, c.MaxRetries, err)); err != nil {
				return err
			}
			continue
		}

		failures = 0
		c.setState(StateConnected, "connected")
		err = serve(ctx, t)
		_ = t.Close()
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "stopped")
			return ctx.Err()
		}
		reason := "connection closed"
		if err != nil {
			reason = err.Error()
		}
		if err := c.backoff(ctx, reason); err != nil {
			return err
		}
	}
}

// backoff reports Disconnected and waits. The timer exists before the
// report goes out.
func (c *Connector) backoff(ctx context.Context, reason string) error {
	timer := c.clock.Timer(c.Backoff)
	defer timer.Stop()
	c.setState(StateDisconnected, reason)
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		c.setState(StateDisconnected, "stopped")
		return ctx.Err()
	}
}
