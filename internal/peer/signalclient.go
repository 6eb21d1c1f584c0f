package peer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/dkeye/watchparty/internal/protocol"
)

// SignalClient is a relay-server connection used only for negotiation.
type SignalClient struct {
	ID   string
	conn *websocket.Conn
}

// DialSignal connects to the relay and waits for the welcome that carries
// this endpoint's id.
func DialSignal(ctx context.Context, url string) (*SignalClient, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "no welcome")
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "bad welcome")
		return nil, err
	}
	w, ok := msg.(*protocol.Welcome)
	if !ok {
		_ = conn.Close(websocket.StatusProtocolError, "expected welcome")
		return nil, fmt.Errorf("expected welcome, got %s", msg.Kind())
	}
	log.Info().Str("module", "peer").Str("id", w.UserID).Msg("relay connected")
	return &SignalClient{ID: w.UserID, conn: conn}, nil
}

func (c *SignalClient) Send(ctx context.Context, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// Run reads relay messages until ctx ends or the connection drops.
func (c *SignalClient) Run(ctx context.Context, handle func(protocol.Message)) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "peer").Msg("relay frame")
			continue
		}
		if e, ok := msg.(*protocol.Error); ok {
			log.Warn().Str("module", "peer").Str("code", string(e.Code)).Msg(e.Message)
			continue
		}
		handle(msg)
	}
}

func (c *SignalClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// HandleGuest routes relay messages to a guest's negotiator.
func HandleGuest(n *Negotiator) func(protocol.Message) {
	return func(msg protocol.Message) {
		var err error
		switch m := msg.(type) {
		case *protocol.ReceiveAnswer:
			err = n.HandleAnswer(m.PeerID, m.Answer)
		case *protocol.ReceiveICE:
			err = n.HandleCandidate(m.PeerID, m.Candidate)
		default:
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("type", string(msg.Kind())).Msg("guest signaling")
		}
	}
}

// HandleHost routes relay messages to a host node.
func HandleHost(ctx context.Context, h *Host) func(protocol.Message) {
	return func(msg protocol.Message) {
		var err error
		switch m := msg.(type) {
		case *protocol.JoinRequest:
			err = h.HandleJoinRequest(ctx, m.PeerID, m.Offer, m.ICERestart)
		case *protocol.ReceiveICE:
			err = h.HandleCandidate(m.PeerID, m.Candidate)
		default:
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("type", string(msg.Kind())).Msg("host signaling")
		}
	}
}
