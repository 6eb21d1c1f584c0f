package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/app/orch"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/protocol"
)

type fakeLink struct {
	remote string
	states chan LinkState
	inbox  chan []byte
	outbox chan []byte
	done   chan struct{}

	mu       sync.Mutex
	offers   []bool
	answers  []json.RawMessage
	accepted []json.RawMessage
	cands    []json.RawMessage
	closed   bool
}

func newFakeLink(remote string) *fakeLink {
	return &fakeLink{
		remote: remote,
		states: make(chan LinkState, 8),
		inbox:  make(chan []byte, 16),
		outbox: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (l *fakeLink) CreateOffer(iceRestart bool) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers = append(l.offers, iceRestart)
	return json.RawMessage(`{"type":"offer","sdp":"x"}`), nil
}

func (l *fakeLink) ApplyAnswer(a json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers = append(l.answers, a)
	return nil
}

func (l *fakeLink) AcceptOffer(o json.RawMessage) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepted = append(l.accepted, o)
	return json.RawMessage(`{"type":"answer","sdp":"y"}`), nil
}

func (l *fakeLink) AddICECandidate(c json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cands = append(l.cands, c)
	return nil
}

func (l *fakeLink) States() <-chan LinkState { return l.states }

func (l *fakeLink) Send(ctx context.Context, data []byte) error {
	select {
	case l.outbox <- data:
		return nil
	case <-l.done:
		return ErrLinkClosed
	}
}

func (l *fakeLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case d := <-l.inbox:
		return d, nil
	case <-l.done:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) offerFlags() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.offers...)
}

type fakeSignaler struct {
	sent chan protocol.Message
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{sent: make(chan protocol.Message, 64)}
}

func (s *fakeSignaler) Send(_ context.Context, msg protocol.Message) error {
	s.sent <- msg
	return nil
}

func (s *fakeSignaler) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-s.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no signaling message")
		return nil
	}
}

type linkFactory struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *linkFactory) New(remote string, _ func(json.RawMessage)) (Link, error) {
	l := newFakeLink(remote)
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *linkFactory) get(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[i]
}

func (f *linkFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

type connectResult struct {
	link Link
	err  error
}

func TestNegotiatorConnects(t *testing.T) {
	clk := clock.NewMock()
	sig := newFakeSignaler()
	links := &linkFactory{}
	n := NewNegotiator("HOST", sig, links.New, clk)

	res := make(chan connectResult, 1)
	go func() {
		l, err := n.Connect(context.Background())
		res <- connectResult{l, err}
	}()

	offer := sig.next(t).(protocol.RelayOffer)
	assert.Equal(t, "HOST", offer.TargetID)
	assert.False(t, offer.ICERestart)

	require.NoError(t, n.HandleAnswer("HOST", json.RawMessage(`{"sdp":"a"}`)))
	require.NoError(t, n.HandleCandidate("HOST", json.RawMessage(`{"candidate":"c"}`)))
	assert.ErrorIs(t, n.HandleAnswer("SOMEONE", json.RawMessage(`{}`)), ErrLinkClosed)

	l := links.get(0)
	l.states <- LinkConnecting
	l.states <- LinkConnected

	r := <-res
	require.NoError(t, r.err)
	assert.Same(t, l, r.link)
	assert.Len(t, l.answers, 1)
	assert.Len(t, l.cands, 1)
	assert.Equal(t, protocol.PeerConnected{TargetID: "HOST"}, sig.next(t))
}

func TestNegotiatorTimeoutStartsFreshOffer(t *testing.T) {
	clk := clock.NewMock()
	sig := newFakeSignaler()
	links := &linkFactory{}
	n := NewNegotiator("HOST", sig, links.New, clk)
	n.MaxAttempts = 2

	res := make(chan connectResult, 1)
	go func() {
		l, err := n.Connect(context.Background())
		res <- connectResult{l, err}
	}()

	sig.next(t)
	clk.Add(DefaultTimeout)

	second := sig.next(t).(protocol.RelayOffer)
	assert.False(t, second.ICERestart)
	assert.Equal(t, 2, links.count())
	assert.True(t, links.get(0).isClosed())

	clk.Add(DefaultTimeout)
	r := <-res
	assert.Nil(t, r.link)
	assert.True(t, errors.Is(r.err, protocol.ErrNegotiationTimeout))
	assert.True(t, links.get(1).isClosed())
}

func TestNegotiatorFailedAttemptRetriesAtOnce(t *testing.T) {
	clk := clock.NewMock()
	sig := newFakeSignaler()
	links := &linkFactory{}
	n := NewNegotiator("HOST", sig, links.New, clk)

	res := make(chan connectResult, 1)
	go func() {
		l, err := n.Connect(context.Background())
		res <- connectResult{l, err}
	}()

	sig.next(t)
	links.get(0).states <- LinkFailed
	sig.next(t)
	links.get(1).states <- LinkConnected

	r := <-res
	require.NoError(t, r.err)
	assert.Same(t, links.get(1), r.link)
}

func TestSuperviseRestartsICE(t *testing.T) {
	clk := clock.NewMock()
	sig := newFakeSignaler()
	n := NewNegotiator("HOST", sig, nil, clk)
	l := newFakeLink("HOST")
	n.replace(l)

	done := make(chan error, 1)
	go func() { done <- n.Supervise(context.Background(), l) }()

	l.states <- LinkFailed
	restart := sig.next(t).(protocol.RelayOffer)
	assert.True(t, restart.ICERestart)
	assert.Equal(t, []bool{true}, l.offerFlags())

	l.states <- LinkConnected
	l.states <- LinkFailed
	sig.next(t)
	assert.Equal(t, []bool{true, true}, l.offerFlags())

	clk.Add(DefaultTimeout)
	err := <-done
	assert.True(t, errors.Is(err, protocol.ErrNegotiationTimeout))
	assert.True(t, l.isClosed())
}

func TestSuperviseReturnsOnClose(t *testing.T) {
	n := NewNegotiator("HOST", newFakeSignaler(), nil, clock.NewMock())
	l := newFakeLink("HOST")
	l.states <- LinkClosed
	assert.ErrorIs(t, n.Supervise(context.Background(), l), ErrLinkClosed)
}

func newTestHost(t *testing.T) (*Host, *orch.Orchestrator, *fakeSignaler, *linkFactory, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	o := orch.New(core.NewRegistry(clk), app.NewRegistry(), app.SimplePolicy{}, clk, 0)
	sig := newFakeSignaler()
	links := &linkFactory{}
	h := NewHost("HOSTCODE", o, sig, links.New)
	t.Cleanup(h.Close)
	return h, o, sig, links, clk
}

func recvFrame(t *testing.T, ch <-chan []byte) protocol.Message {
	t.Helper()
	select {
	case data := <-ch:
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return nil
	}
}

func pipeRecv(t *testing.T, p *Pipe) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := p.Recv(ctx)
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestHostServesGuestOverLink(t *testing.T) {
	h, o, sig, links, _ := newTestHost(t)
	ctx := context.Background()

	local := h.DialLocal()
	hostWelcome := pipeRecv(t, local).(*protocol.Welcome)
	require.NoError(t, local.Send(ctx, protocol.MustEncode(protocol.Join{RoomID: h.ID, IsHost: true})))
	info := pipeRecv(t, local).(*protocol.RoomInfo)
	assert.True(t, info.IsHost)

	require.NoError(t, h.HandleJoinRequest(ctx, "guest-1", json.RawMessage(`{"sdp":"o"}`), false))
	answer := sig.next(t).(protocol.RelayAnswer)
	assert.Equal(t, "guest-1", answer.TargetID)
	require.NoError(t, h.HandleCandidate("guest-1", json.RawMessage(`{"candidate":"c"}`)))

	guest := links.get(0)
	guest.states <- LinkConnected
	guestWelcome := recvFrame(t, guest.outbox).(*protocol.Welcome)
	require.Eventually(t, func() bool { return o.Endpoints.Count() == 2 }, 2*time.Second, 5*time.Millisecond)

	guest.inbox <- protocol.MustEncode(protocol.Join{RoomID: h.ID})
	ginfo := recvFrame(t, guest.outbox).(*protocol.RoomInfo)
	assert.Equal(t, hostWelcome.UserID, ginfo.HostID)
	assert.Equal(t, &protocol.UserJoined{UserID: guestWelcome.UserID}, pipeRecv(t, local))

	require.NoError(t, local.Send(ctx, protocol.MustEncode(protocol.Sync{Position: 42, Playing: true})))
	s := recvFrame(t, guest.outbox).(*protocol.Sync)
	assert.Equal(t, 42.0, s.Position)
	assert.True(t, s.IsHost)

	// restart answers on the same link
	require.NoError(t, h.HandleJoinRequest(ctx, "guest-1", json.RawMessage(`{"sdp":"r"}`), true))
	sig.next(t)
	assert.Equal(t, 1, links.count())
	assert.Len(t, guest.accepted, 2)

	require.NoError(t, guest.Close())
	assert.Equal(t, &protocol.UserLeft{UserID: guestWelcome.UserID}, pipeRecv(t, local))
	require.Eventually(t, func() bool { return h.Peers() == 0 && o.Endpoints.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHostDropsGuestThatNeverConnects(t *testing.T) {
	h, _, sig, links, clk := newTestHost(t)

	require.NoError(t, h.HandleJoinRequest(context.Background(), "guest-1", json.RawMessage(`{}`), false))
	sig.next(t)
	assert.Equal(t, 1, h.Peers())

	clk.Add(DefaultTimeout)
	require.Eventually(t, func() bool { return h.Peers() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, links.get(0).isClosed())
}

func TestHostFreshOfferReplacesLink(t *testing.T) {
	h, _, sig, links, _ := newTestHost(t)
	ctx := context.Background()

	require.NoError(t, h.HandleJoinRequest(ctx, "guest-1", json.RawMessage(`{}`), false))
	sig.next(t)
	require.NoError(t, h.HandleJoinRequest(ctx, "guest-1", json.RawMessage(`{}`), false))
	sig.next(t)

	assert.Equal(t, 2, links.count())
	assert.True(t, links.get(0).isClosed())
	assert.False(t, links.get(1).isClosed())
	assert.Equal(t, 1, h.Peers())
}

func TestPipeClose(t *testing.T) {
	h, o, _, _, _ := newTestHost(t)
	p := h.DialLocal()
	assert.IsType(t, &protocol.Welcome{}, pipeRecv(t, p))
	assert.Equal(t, 1, o.Endpoints.Count())
	require.NoError(t, p.Close())
	assert.Equal(t, 0, o.Endpoints.Count())
	_, err := p.Recv(context.Background())
	assert.ErrorIs(t, err, core.ErrConnClosed)
}
