package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/protocol"
)

var ErrLinkClosed = errors.New("link closed")

// Negotiator is the guest side: it offers, waits for the host's answer and
// keeps the resulting link alive with ICE restarts.
type Negotiator struct {
	HostID      string
	Timeout     time.Duration
	MaxAttempts int

	signaler Signaler
	newLink  LinkFactory
	clock    clock.Clock

	mu   sync.Mutex
	link Link
}

func NewNegotiator(hostID string, sig Signaler, newLink LinkFactory, clk clock.Clock) *Negotiator {
	if clk == nil {
		clk = clock.New()
	}
	return &Negotiator{
		HostID:      hostID,
		Timeout:     DefaultTimeout,
		MaxAttempts: 3,
		signaler:    sig,
		newLink:     newLink,
		clock:       clk,
	}
}

// Connect runs negotiation attempts until one link reaches Connected.
// Every attempt starts from a new link and a new offer.
func (n *Negotiator) Connect(ctx context.Context) (Link, error) {
	for attempt := 1; attempt <= n.MaxAttempts; attempt++ {
		link, err := n.attempt(ctx)
		if err == nil {
			log.Info().Str("module", "peer").Str("host", n.HostID).Int("attempt", attempt).Msg("link connected")
			return link, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("module", "peer").Str("host", n.HostID).Int("attempt", attempt).Msg("negotiation attempt failed")
	}
	return nil, protocol.Errorf(protocol.CodeNegotiationTimeout, "no link to %s after %d attempts", n.HostID, n.MaxAttempts)
}

func (n *Negotiator) attempt(ctx context.Context) (Link, error) {
	link, err := n.newLink(n.HostID, func(c json.RawMessage) {
		if err := n.signaler.Send(ctx, protocol.RelayICECandidate{TargetID: n.HostID, Candidate: c}); err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("send candidate")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("new link: %w", err)
	}
	n.replace(link)

	offer, err := link.CreateOffer(false)
	if err != nil {
		n.drop(link)
		return nil, err
	}
	timer := n.clock.Timer(n.Timeout)
	defer timer.Stop()
	if err := n.signaler.Send(ctx, protocol.RelayOffer{TargetID: n.HostID, Offer: offer}); err != nil {
		n.drop(link)
		return nil, fmt.Errorf("send offer: %w", err)
	}
	if err := awaitConnected(ctx, link, timer.C, false); err != nil {
		n.drop(link)
		return nil, err
	}
	if err := n.signaler.Send(ctx, protocol.PeerConnected{TargetID: n.HostID}); err != nil {
		log.Warn().Err(err).Str("module", "peer").Msg("send peerConnected")
	}
	return link, nil
}

// Supervise watches a connected link. Failed triggers an ICE restart; a
// restart that does not recover within Timeout closes the link.
func (n *Negotiator) Supervise(ctx context.Context, link Link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-link.States():
			switch s {
			case LinkFailed:
				if err := n.restart(ctx, link); err != nil {
					n.drop(link)
					return err
				}
			case LinkClosed:
				n.drop(link)
				return ErrLinkClosed
			}
		}
	}
}

func (n *Negotiator) restart(ctx context.Context, link Link) error {
	log.Info().Str("module", "peer").Str("host", n.HostID).Msg("ICE restart")
	offer, err := link.CreateOffer(true)
	if err != nil {
		return err
	}
	timer := n.clock.Timer(n.Timeout)
	defer timer.Stop()
	if err := n.signaler.Send(ctx, protocol.RelayOffer{TargetID: n.HostID, Offer: offer, ICERestart: true}); err != nil {
		return fmt.Errorf("send restart offer: %w", err)
	}
	if err := awaitConnected(ctx, link, timer.C, true); err != nil {
		return err
	}
	log.Info().Str("module", "peer").Str("host", n.HostID).Msg("link recovered")
	return nil
}

// Dial connects and supervises the link in the background until ctx ends.
func (n *Negotiator) Dial(ctx context.Context) (Link, error) {
	link, err := n.Connect(ctx)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := n.Supervise(ctx, link); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "peer").Str("host", n.HostID).Msg("link lost")
		}
	}()
	return link, nil
}

func (n *Negotiator) HandleAnswer(from string, answer json.RawMessage) error {
	link := n.current(from)
	if link == nil {
		return ErrLinkClosed
	}
	return link.ApplyAnswer(answer)
}

func (n *Negotiator) HandleCandidate(from string, candidate json.RawMessage) error {
	link := n.current(from)
	if link == nil {
		return ErrLinkClosed
	}
	return link.AddICECandidate(candidate)
}

func (n *Negotiator) current(from string) Link {
	if from != n.HostID {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.link
}

// replace installs link as current and closes the previous attempt.
func (n *Negotiator) replace(link Link) {
	n.mu.Lock()
	old := n.link
	n.link = link
	n.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (n *Negotiator) drop(link Link) {
	n.mu.Lock()
	if n.link == link {
		n.link = nil
	}
	n.mu.Unlock()
	_ = link.Close()
}

// awaitConnected blocks until link reports Connected. During a restart
// Failed and Disconnected are expected on the way back and are ignored.
func awaitConnected(ctx context.Context, link Link, timeout <-chan time.Time, restarting bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return protocol.Errorf(protocol.CodeNegotiationTimeout, "no connection within deadline")
		case s := <-link.States():
			switch s {
			case LinkConnected:
				return nil
			case LinkClosed:
				return ErrLinkClosed
			case LinkFailed:
				if !restarting {
					return fmt.Errorf("link %s", s)
				}
			}
		}
	}
}
