package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/peer"
)

// ChannelLabel names the data channel that carries protocol frames.
const ChannelLabel = "sync"

var ErrChannelClosed = errors.New("data channel closed")

var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: DefaultICEServers}},
	}
}

// WebRTCConfig falls back to the public STUN server when iceURLs is empty.
func WebRTCConfig(iceURLs []string) webrtc.Configuration {
	if len(iceURLs) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceURLs}},
	}
}

// Link is a PeerConnection with one ordered "sync" data channel.
// The offerer creates the channel; the answerer waits for it.
type Link struct {
	pc     *webrtc.PeerConnection
	remote string

	states chan peer.LinkState
	recv   chan []byte
	opened chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	pending    []webrtc.ICECandidateInit
	closeOnce  sync.Once
	doneOnce   sync.Once
	openedOnce sync.Once
}

// NewLink builds a link towards remote. onICE receives each local candidate
// already encoded as an ICECandidateInit JSON object.
func NewLink(cfg webrtc.Configuration, remote string, offerer bool, onICE func(json.RawMessage)) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &Link{
		pc:     pc,
		remote: remote,
		states: make(chan peer.LinkState, 16),
		recv:   make(chan []byte, 64),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || onICE == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Msg("marshal candidate")
			return
		}
		onICE(b)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("remote", remote).Str("peer_connection_state", s.String()).Msg("Peer state")
		l.pushState(mapState(s))
	})

	if offerer {
		ordered := true
		dc, err := pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		l.bindChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != ChannelLabel {
				log.Warn().Str("module", "webrtc").Str("label", dc.Label()).Msg("unexpected data channel")
				return
			}
			l.bindChannel(dc)
		})
	}
	return l, nil
}

func mapState(s webrtc.PeerConnectionState) peer.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return peer.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return peer.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return peer.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return peer.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return peer.LinkClosed
	default:
		return peer.LinkNew
	}
}

func (l *Link) pushState(s peer.LinkState) {
	select {
	case l.states <- s:
	default:
		log.Warn().Str("module", "webrtc").Str("remote", l.remote).Msg("state listener is behind, dropping state")
	}
}

func (l *Link) bindChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "webrtc").Str("remote", l.remote).Msg("data channel open")
		l.openedOnce.Do(func() { close(l.opened) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case l.recv <- msg.Data:
		case <-l.done:
		}
	})
	dc.OnClose(func() {
		log.Info().Str("module", "webrtc").Str("remote", l.remote).Msg("data channel closed")
		l.markDone()
	})
}

func (l *Link) States() <-chan peer.LinkState { return l.states }

func (l *Link) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (l *Link) ApplyAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return l.flushCandidates()
}

func (l *Link) AcceptOffer(raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	if err := l.flushCandidates(); err != nil {
		return nil, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

// AddICECandidate holds candidates that arrive before the remote description.
func (l *Link) AddICECandidate(raw json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	l.mu.Lock()
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, ci)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(ci)
}

func (l *Link) flushCandidates() error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, ci := range pending {
		if err := l.pc.AddICECandidate(ci); err != nil {
			return fmt.Errorf("add queued candidate: %w", err)
		}
	}
	return nil
}

// Send waits for the channel to open, then writes one text frame.
func (l *Link) Send(ctx context.Context, data []byte) error {
	select {
	case <-l.opened:
	case <-l.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	return dc.SendText(string(data))
}

func (l *Link) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-l.recv:
		return data, nil
	case <-l.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

func (l *Link) Close() error {
	var err error
	l.markDone()
	l.closeOnce.Do(func() {
		if err = l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("remote", l.remote).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("remote", l.remote).Msg("closed")
		}
	})
	return err
}
