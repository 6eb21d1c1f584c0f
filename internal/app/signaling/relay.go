// Package signaling forwards connection-negotiation payloads between two
// endpoints until their direct channel is up. It never looks inside them.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
)

const DefaultExchangeTTL = 30 * time.Second

var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Sender delivers a message to a named endpoint without blocking.
// It returns ErrUnknownEndpoint when nobody is bound to that id.
type Sender interface {
	Send(to domain.ParticipantID, msg protocol.Message) error
}

type Relay struct {
	clock clock.Clock
	ttl   time.Duration
	send  Sender

	mu        sync.Mutex
	exchanges map[pairKey]*Exchange
}

func NewRelay(send Sender, clk clock.Clock, ttl time.Duration) *Relay {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultExchangeTTL
	}
	return &Relay{
		clock:     clk,
		ttl:       ttl,
		send:      send,
		exchanges: make(map[pairKey]*Exchange),
	}
}

// RelayOffer delivers joinRequest to the host endpoint only. A fresh offer
// for a pair that is still negotiating replaces the earlier attempt.
func (r *Relay) RelayOffer(from, toHost domain.ParticipantID, offer json.RawMessage, iceRestart bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{initiator: from, responder: toHost}
	ex, ok := r.exchanges[key]
	switch {
	case ok && iceRestart:
		// Same pair, new credentials: the responder must answer again
		// before its new candidates may flow.
		ex.described[backward] = false
		ex.Answer = nil
		ex.CreatedAt = r.clock.Now()
	default:
		if ok {
			log.Info().Str("module", "signaling").Str("from", string(from)).Str("to", string(toHost)).Msg("replacing pending exchange")
		}
		ex = newExchange(from, toHost, r.clock.Now())
		r.exchanges[key] = ex
	}
	ex.Offer = offer

	err := r.send.Send(toHost, protocol.JoinRequest{PeerID: string(from), Offer: offer, ICERestart: iceRestart})
	if err != nil {
		delete(r.exchanges, key)
		return fmt.Errorf("relay offer to %s: %w", toHost, err)
	}
	ex.described[forward] = true
	r.flush(ex, forward)
	return nil
}

// RelayAnswer delivers receiveAnswer from the host to the named peer.
func (r *Relay) RelayAnswer(fromHost, toPeer domain.ParticipantID, answer json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.send.Send(toPeer, protocol.ReceiveAnswer{PeerID: string(fromHost), Answer: answer}); err != nil {
		return fmt.Errorf("relay answer to %s: %w", toPeer, err)
	}
	ex, ok := r.exchanges[pairKey{initiator: toPeer, responder: fromHost}]
	if !ok {
		log.Debug().Str("module", "signaling").Str("from", string(fromHost)).Str("to", string(toPeer)).Msg("answer without exchange")
		return nil
	}
	ex.Answer = answer
	ex.described[backward] = true
	r.flush(ex, backward)
	return nil
}

// RelayICECandidate delivers receiveICE to the named endpoint, or holds it
// until the description for its direction has gone out.
func (r *Relay) RelayICECandidate(from, to domain.ParticipantID, candidate json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ex, dir := r.lookup(from, to); ex != nil && !ex.described[dir] {
		ex.pending[dir] = append(ex.pending[dir], candidate)
		return nil
	}
	if err := r.send.Send(to, protocol.ReceiveICE{PeerID: string(from), Candidate: candidate}); err != nil {
		return fmt.Errorf("relay candidate to %s: %w", to, err)
	}
	return nil
}

// PeerConnected drops the bookkeeping for the pair in either orientation.
func (r *Relay) PeerConnected(a, b domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ab := r.exchanges[pairKey{a, b}]
	_, ba := r.exchanges[pairKey{b, a}]
	delete(r.exchanges, pairKey{a, b})
	delete(r.exchanges, pairKey{b, a})
	return ab || ba
}

// Forget drops every exchange an endpoint takes part in.
func (r *Relay) Forget(id domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, ex := range r.exchanges {
		if ex.involves(id) {
			delete(r.exchanges, k)
			n++
		}
	}
	return n
}

// Sweep drops exchanges that did not complete within the negotiation bound.
func (r *Relay) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, ex := range r.exchanges {
		if now.Sub(ex.CreatedAt) >= r.ttl {
			delete(r.exchanges, k)
			n++
		}
	}
	if n > 0 {
		log.Info().Str("module", "signaling").Int("expired", n).Msg("swept stale exchanges")
	}
	return n
}

// Run sweeps periodically until ctx is done.
func (r *Relay) Run(ctx context.Context, every time.Duration) {
	t := r.clock.Ticker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(r.clock.Now())
		}
	}
}

// Exchange returns a copy of the bookkeeping for (initiator, responder).
func (r *Relay) Exchange(initiator, responder domain.ParticipantID) (Exchange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.exchanges[pairKey{initiator, responder}]
	if !ok {
		return Exchange{}, false
	}
	return *ex, true
}

func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exchanges)
}

func (r *Relay) lookup(from, to domain.ParticipantID) (*Exchange, direction) {
	if ex, ok := r.exchanges[pairKey{from, to}]; ok {
		return ex, forward
	}
	if ex, ok := r.exchanges[pairKey{to, from}]; ok {
		return ex, backward
	}
	return nil, forward
}

func (r *Relay) flush(ex *Exchange, d direction) {
	queued := ex.pending[d]
	ex.pending[d] = nil
	from, to := ex.route(d)
	for _, c := range queued {
		if err := r.send.Send(to, protocol.ReceiveICE{PeerID: string(from), Candidate: c}); err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("to", string(to)).Msg("flush candidate")
			return
		}
	}
}
