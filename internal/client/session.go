package client

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/watchparty/internal/protocol"
)

const outboundBuffer = 64

var ErrNotConnected = errors.New("not connected")

// Session runs the protocol for one participant over whatever transport
// the Connector hands it. The player and room choice survive reconnects.
type Session struct {
	RoomID   string
	WantHost bool
	Username string

	player Player
	clock  clock.Clock
	opts   Options

	// OnRoom fires on roomInfo and hostChanged.
	OnRoom func(roomID string, isHost bool)
	OnChat func(protocol.ChatMessage)

	mu   sync.Mutex
	self string
	rec  *Reconciler
	out  chan []byte
}

func NewSession(roomID string, wantHost bool, p Player, clk clock.Clock, opts Options) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		RoomID:   roomID,
		WantHost: wantHost,
		player:   p,
		clock:    clk,
		opts:     opts,
	}
}

// Self is the participant id from the last welcome.
func (s *Session) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Serve runs one connection until the transport fails or ctx ends.
func (s *Session) Serve(ctx context.Context, t Transport) error {
	out := make(chan []byte, outboundBuffer)
	rec := NewReconciler(s.player, s.clock, s.opts, func(m protocol.Sync) {
		s.enqueue(out, m)
	})
	s.mu.Lock()
	s.rec, s.out = rec, out
	s.mu.Unlock()
	defer func() {
		rec.Stop()
		s.mu.Lock()
		if s.out == out {
			s.rec, s.out = nil, nil
		}
		s.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case b := <-out:
				if err := t.Send(ctx, b); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		for {
			data, err := t.Recv(ctx)
			if err != nil {
				return err
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("bad frame")
				continue
			}
			s.handle(rec, out, msg)
		}
	})
	return g.Wait()
}

func (s *Session) handle(rec *Reconciler, out chan []byte, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Welcome:
		s.mu.Lock()
		s.self = m.UserID
		s.mu.Unlock()
		rec.SetSelf(m.UserID)
		s.enqueue(out, protocol.Join{RoomID: s.RoomID, IsHost: s.WantHost})
	case *protocol.RoomInfo:
		rec.SetHost(m.IsHost)
		if m.IsHost {
			rec.Publish(false)
		} else {
			rec.ApplyState(m.CurrentState)
		}
		s.roomChanged(m.RoomID, m.IsHost)
	case *protocol.UserJoined:
		log.Info().Str("module", "client").Str("user", m.UserID).Msg("user joined")
		rec.Publish(false)
	case *protocol.SyncRequest:
		rec.Publish(false)
	case *protocol.HostChanged:
		isHost := m.NewHostID == s.Self()
		rec.SetHost(isHost)
		if isHost {
			rec.Publish(false)
		}
		s.roomChanged(s.RoomID, isHost)
	case *protocol.Sync:
		rec.Apply(*m)
	case *protocol.UserLeft:
		log.Info().Str("module", "client").Str("user", m.UserID).Bool("was_host", m.WasHost).Msg("user left")
	case *protocol.Left:
		rec.SetHost(false)
	case *protocol.ChatMessage:
		if s.OnChat != nil {
			s.OnChat(*m)
		}
	case *protocol.Error:
		log.Warn().Str("module", "client").Str("code", string(m.Code)).Msg(m.Message)
	}
}

func (s *Session) roomChanged(roomID string, isHost bool) {
	if s.OnRoom != nil {
		s.OnRoom(roomID, isHost)
	}
}

func (s *Session) enqueue(out chan []byte, msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "client").Msg("encode")
		return
	}
	select {
	case out <- b:
	default:
		log.Warn().Str("module", "client").Str("type", string(msg.Kind())).Msg("outbound queue full, dropping")
	}
}

func (s *Session) current() (*Reconciler, chan []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil, nil, ErrNotConnected
	}
	return s.rec, s.out, nil
}

func (s *Session) send(msg protocol.Message) error {
	_, out, err := s.current()
	if err != nil {
		return err
	}
	s.enqueue(out, msg)
	return nil
}

// Seek moves the local player; a non-host pushes it as a forced update.
func (s *Session) Seek(pos float64) error {
	rec, _, err := s.current()
	if err != nil {
		return err
	}
	s.player.Seek(pos)
	rec.Publish(!rec.IsHost())
	return nil
}

func (s *Session) Play() error {
	rec, _, err := s.current()
	if err != nil {
		return err
	}
	s.player.Play()
	rec.Publish(false)
	return nil
}

func (s *Session) Pause() error {
	rec, _, err := s.current()
	if err != nil {
		return err
	}
	s.player.Pause()
	rec.Publish(false)
	return nil
}

func (s *Session) RequestSync() error { return s.send(protocol.RequestSync{}) }

func (s *Session) TransferHost(target string) error {
	return s.send(protocol.TransferHost{TargetID: target})
}

func (s *Session) Chat(text string) error {
	return s.send(protocol.ChatMessage{Message: text, Username: s.Username})
}

func (s *Session) Leave() error {
	rec, out, err := s.current()
	if err != nil {
		return err
	}
	rec.SetHost(false)
	s.enqueue(out, protocol.Leave{})
	return nil
}
