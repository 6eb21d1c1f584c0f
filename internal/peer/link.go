// Package peer runs the protocol over direct data channels: a host node
// that answers offers and hosts the coordinator in-process, and a guest
// negotiator that keeps one channel to the host alive.
package peer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/watchparty/internal/protocol"
)

// DefaultTimeout bounds one negotiation attempt and one ICE restart.
const DefaultTimeout = 30 * time.Second

type LinkState int

const (
	LinkNew LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Link is one negotiated data channel to a remote endpoint.
type Link interface {
	CreateOffer(iceRestart bool) (json.RawMessage, error)
	ApplyAnswer(answer json.RawMessage) error
	AcceptOffer(offer json.RawMessage) (json.RawMessage, error)
	AddICECandidate(candidate json.RawMessage) error
	States() <-chan LinkState
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// LinkFactory builds a link towards remote; onICE is called for every
// local candidate.
type LinkFactory func(remote string, onICE func(json.RawMessage)) (Link, error)

// Signaler carries negotiation messages through the relay server.
type Signaler interface {
	Send(ctx context.Context, msg protocol.Message) error
}
