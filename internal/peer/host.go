package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/app/orch"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
)

const linkSendBuffer = 64

type hostPeer struct {
	link   Link
	cancel context.CancelFunc
}

// Host answers guests' offers and serves every connected guest from an
// in-process coordinator. Its relay id doubles as the room code.
type Host struct {
	ID      string
	Timeout time.Duration

	orch     *orch.Orchestrator
	signaler Signaler
	newLink  LinkFactory
	clock    clock.Clock

	mu    sync.Mutex
	peers map[string]*hostPeer
}

func NewHost(id string, o *orch.Orchestrator, sig Signaler, newLink LinkFactory) *Host {
	return &Host{
		ID:       id,
		Timeout:  DefaultTimeout,
		orch:     o,
		signaler: sig,
		newLink:  newLink,
		clock:    o.Clock(),
		peers:    make(map[string]*hostPeer),
	}
}

// HandleJoinRequest answers an offer from a guest. A restart offer is
// applied to the guest's existing link; any other offer replaces it.
func (h *Host) HandleJoinRequest(ctx context.Context, from string, offer json.RawMessage, iceRestart bool) error {
	h.mu.Lock()
	existing := h.peers[from]
	if iceRestart && existing != nil {
		h.mu.Unlock()
		answer, err := existing.link.AcceptOffer(offer)
		if err != nil {
			return err
		}
		return h.signaler.Send(ctx, protocol.RelayAnswer{TargetID: from, Answer: answer})
	}
	if existing != nil {
		delete(h.peers, from)
	}
	h.mu.Unlock()
	if existing != nil {
		log.Info().Str("module", "peer").Str("guest", from).Msg("replacing link")
		existing.cancel()
		_ = existing.link.Close()
	}

	link, err := h.newLink(from, func(c json.RawMessage) {
		if err := h.signaler.Send(ctx, protocol.RelayICECandidate{TargetID: from, Candidate: c}); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("guest", from).Msg("send candidate")
		}
	})
	if err != nil {
		return err
	}
	answer, err := link.AcceptOffer(offer)
	if err != nil {
		_ = link.Close()
		return err
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &hostPeer{link: link, cancel: cancel}
	h.mu.Lock()
	h.peers[from] = p
	h.mu.Unlock()

	timer := h.clock.Timer(h.Timeout)
	if err := h.signaler.Send(ctx, protocol.RelayAnswer{TargetID: from, Answer: answer}); err != nil {
		timer.Stop()
		h.forget(from, p)
		return err
	}
	go h.servePeer(pctx, from, p, timer)
	return nil
}

func (h *Host) HandleCandidate(from string, candidate json.RawMessage) error {
	h.mu.Lock()
	p := h.peers[from]
	h.mu.Unlock()
	if p == nil {
		return ErrLinkClosed
	}
	return p.link.AddICECandidate(candidate)
}

// Peers returns the number of guests with a live or pending link.
func (h *Host) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Host) servePeer(ctx context.Context, from string, p *hostPeer, timer *clock.Timer) {
	defer h.forget(from, p)

	err := awaitConnected(ctx, p.link, timer.C, false)
	timer.Stop()
	if err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("guest", from).Msg("guest never connected")
		return
	}

	conn := newLinkConn(p.link)
	member := domain.NewMember(domain.NewParticipantID(), h.clock.Now())
	pid := h.orch.Connect(conn, member, p.cancel)
	log.Info().Str("module", "peer").Str("guest", from).Str("pid", string(pid)).Msg("guest connected")
	go conn.writeLoop(ctx)

	defer func() {
		h.orch.Disconnect(pid)
		conn.Close()
	}()
	for {
		data, err := p.link.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Info().Err(err).Str("module", "peer").Str("pid", string(pid)).Msg("guest link ended")
			}
			return
		}
		h.orch.HandleFrame(pid, data)
	}
}

func (h *Host) forget(from string, p *hostPeer) {
	p.cancel()
	h.mu.Lock()
	if h.peers[from] == p {
		delete(h.peers, from)
	}
	h.mu.Unlock()
	_ = p.link.Close()
}

// Close drops every guest link.
func (h *Host) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*hostPeer)
	h.mu.Unlock()
	for _, p := range peers {
		p.cancel()
		_ = p.link.Close()
	}
}

// linkConn adapts a Link to core.SignalConnection with a bounded queue
// drained by writeLoop.
type linkConn struct {
	link Link
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newLinkConn(link Link) *linkConn {
	return &linkConn{link: link, send: make(chan core.Frame, linkSendBuffer)}
}

func (c *linkConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *linkConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *linkConn) writeLoop(ctx context.Context) {
	defer c.link.Close()
	for f := range c.send {
		if err := c.link.Send(ctx, f); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("link write")
			return
		}
	}
}
