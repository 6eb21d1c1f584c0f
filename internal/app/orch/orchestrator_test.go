package orch

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) setFull(v bool) {
	c.mu.Lock()
	c.full = v
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drain returns every message received since the last drain.
func (c *fakeConn) drain(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	frames := c.frames
	c.frames = nil
	c.mu.Unlock()
	out := make([]protocol.Message, 0, len(frames))
	for _, f := range frames {
		m, err := protocol.Decode(f)
		require.NoError(t, err, string(f))
		out = append(out, m)
	}
	return out
}

type harness struct {
	t     *testing.T
	clock *clock.Mock
	orch  *Orchestrator
	conns map[domain.ParticipantID]*fakeConn
}

func newHarness(t *testing.T) *harness {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	o := New(core.NewRegistry(clk), app.NewRegistry(), app.SimplePolicy{}, clk, 0)
	return &harness{t: t, clock: clk, orch: o, conns: map[domain.ParticipantID]*fakeConn{}}
}

func (h *harness) connect(id domain.ParticipantID) *fakeConn {
	c := &fakeConn{}
	h.orch.Connect(c, domain.NewMember(id, h.clock.Now()), nil)
	h.conns[id] = c
	msgs := c.drain(h.t)
	require.Len(h.t, msgs, 1)
	require.Equal(h.t, &protocol.Welcome{UserID: string(id)}, msgs[0])
	return c
}

func (h *harness) send(id domain.ParticipantID, raw string) {
	h.orch.HandleFrame(id, []byte(raw))
}

func (h *harness) drainAll() {
	for _, c := range h.conns {
		c.drain(h.t)
	}
}

func lastError(t *testing.T, msgs []protocol.Message) *protocol.Error {
	t.Helper()
	require.NotEmpty(t, msgs)
	e, ok := msgs[len(msgs)-1].(*protocol.Error)
	require.True(t, ok, "expected error, got %T", msgs[len(msgs)-1])
	return e
}

// hostAndPeer builds room ABCD with host "h" and peer "p".
func hostAndPeer(t *testing.T) (*harness, *fakeConn, *fakeConn) {
	h := newHarness(t)
	hc := h.connect("h")
	pc := h.connect("p")
	h.send("h", `{"type":"join","roomId":"ABCD","isHost":true}`)
	h.send("p", `{"type":"join","roomId":"abcd","isHost":false}`)
	return h, hc, pc
}

func TestScenarioJoin(t *testing.T) {
	h, hc, pc := hostAndPeer(t)

	hostMsgs := hc.drain(t)
	require.Len(t, hostMsgs, 2)
	info := hostMsgs[0].(*protocol.RoomInfo)
	assert.True(t, info.IsHost)
	assert.Equal(t, &protocol.UserJoined{UserID: "p", IsHost: false}, hostMsgs[1])

	peerMsgs := pc.drain(t)
	require.Len(t, peerMsgs, 1)
	info = peerMsgs[0].(*protocol.RoomInfo)
	assert.Equal(t, "ABCD", info.RoomID)
	assert.Equal(t, "h", info.HostID)
	assert.False(t, info.IsHost)
	assert.Equal(t, []string{"h", "p"}, info.Participants)

	snap, ok := h.orch.Rooms.Snapshot("ABCD")
	require.True(t, ok)
	assert.Len(t, snap.Participants, len(info.Participants))
}

func TestScenarioHostSyncBroadcast(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()

	h.send("h", `{"type":"sync","position":120.5,"playing":true}`)

	assert.Empty(t, hc.drain(t), "sync must not echo to sender")
	msgs := pc.drain(t)
	require.Len(t, msgs, 1)
	s := msgs[0].(*protocol.Sync)
	assert.Equal(t, 120.5, s.Position)
	assert.True(t, s.Playing)
	assert.Equal(t, "h", s.Origin)
	assert.True(t, s.IsHost)
	assert.Equal(t, h.clock.Now().UnixMilli(), s.UpdatedAt)

	snap, _ := h.orch.Rooms.Snapshot("ABCD")
	assert.Equal(t, 120.5, snap.State.Position)
	assert.Equal(t, domain.ParticipantID("h"), snap.State.Origin)
}

func TestScenarioHostDisconnectMigrates(t *testing.T) {
	h, _, pc := hostAndPeer(t)
	h.drainAll()

	h.orch.Disconnect("h")

	msgs := pc.drain(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, &protocol.HostChanged{PreviousHostID: "h", NewHostID: "p"}, msgs[0])
	assert.Equal(t, &protocol.UserLeft{UserID: "h", WasHost: true}, msgs[1])

	snap, _ := h.orch.Rooms.Snapshot("ABCD")
	assert.Equal(t, domain.ParticipantID("p"), snap.HostID)

	// Second disconnect is a no-op.
	h.orch.Disconnect("h")
	assert.Empty(t, pc.drain(t))
}

func TestScenarioSoleParticipantDestroysRoom(t *testing.T) {
	h := newHarness(t)
	c := h.connect("solo")
	h.send("solo", `{"type":"join","roomId":"ROOM","isHost":true}`)
	h.send("solo", `{"type":"sync","position":50,"playing":true}`)
	c.drain(t)

	h.orch.Disconnect("solo")
	_, ok := h.orch.Rooms.Snapshot("ROOM")
	assert.False(t, ok)

	n := h.connect("next")
	h.send("next", `{"type":"join","roomId":"ROOM"}`)
	info := n.drain(t)[0].(*protocol.RoomInfo)
	assert.Equal(t, "next", info.HostID)
	assert.Zero(t, info.CurrentState.Position)
	assert.False(t, info.CurrentState.Playing)
	assert.Equal(t, []string{"next"}, info.Participants)
}

func TestScenarioNonHostSyncRejected(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.send("h", `{"type":"sync","position":10,"playing":true}`)
	h.drainAll()
	before, _ := h.orch.Rooms.Snapshot("ABCD")

	h.send("p", `{"type":"sync","position":99,"playing":false}`)

	e := lastError(t, pc.drain(t))
	assert.Equal(t, protocol.CodePermissionDenied, e.Code)
	assert.Empty(t, hc.drain(t))
	after, _ := h.orch.Rooms.Snapshot("ABCD")
	assert.Equal(t, before.State, after.State)
}

func TestForcedSyncFromPeer(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()

	h.send("p", `{"type":"sync","position":30,"playing":false,"force":true}`)

	assert.Empty(t, pc.drain(t))
	msgs := hc.drain(t)
	require.Len(t, msgs, 1)
	s := msgs[0].(*protocol.Sync)
	assert.True(t, s.Force)
	assert.False(t, s.IsHost)
	assert.Equal(t, "p", s.Origin)
}

func TestStaleSyncIsDropped(t *testing.T) {
	h, _, pc := hostAndPeer(t)
	h.send("h", `{"type":"sync","position":10,"playing":true}`)
	h.drainAll()

	h.clock.Set(h.clock.Now().Add(-time.Second))
	h.send("h", `{"type":"sync","position":3,"playing":true}`)

	assert.Empty(t, pc.drain(t))
	snap, _ := h.orch.Rooms.Snapshot("ABCD")
	assert.Equal(t, 10.0, snap.State.Position)
}

func TestSyncValidation(t *testing.T) {
	h := newHarness(t)
	c := h.connect("x")

	h.send("x", `{"type":"sync","position":1,"playing":true}`)
	assert.Equal(t, protocol.CodeNotInRoom, lastError(t, c.drain(t)).Code)

	h.send("x", `{"type":"sync","position":-1}`)
	assert.Equal(t, protocol.CodeValidation, lastError(t, c.drain(t)).Code)

	h.send("x", `not json`)
	assert.Equal(t, protocol.CodeValidation, lastError(t, c.drain(t)).Code)

	h.send("x", `{"type":"roomInfo"}`)
	assert.Equal(t, protocol.CodeValidation, lastError(t, c.drain(t)).Code)
}

func TestRequestSync(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()

	h.send("p", `{"type":"requestSync"}`)
	assert.Empty(t, pc.drain(t))
	assert.Equal(t, []protocol.Message{&protocol.SyncRequest{RequesterID: "p"}}, hc.drain(t))

	h.send("h", `{"type":"requestSync"}`)
	assert.Equal(t, protocol.CodeNoHostAvailable, lastError(t, hc.drain(t)).Code)
}

func TestTransferHost(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()

	h.send("p", `{"type":"transferHost","targetId":"p"}`)
	assert.Equal(t, protocol.CodePermissionDenied, lastError(t, pc.drain(t)).Code)

	h.send("h", `{"type":"transferHost","targetId":"ghost"}`)
	assert.Equal(t, protocol.CodeTargetNotInRoom, lastError(t, hc.drain(t)).Code)

	h.send("h", `{"type":"transferHost","targetId":"p"}`)
	want := &protocol.HostChanged{PreviousHostID: "h", NewHostID: "p"}
	assert.Equal(t, []protocol.Message{want}, hc.drain(t))
	assert.Equal(t, []protocol.Message{want}, pc.drain(t))

	// The former host is now an ordinary participant.
	h.send("h", `{"type":"sync","position":1,"playing":true}`)
	assert.Equal(t, protocol.CodePermissionDenied, lastError(t, hc.drain(t)).Code)
}

func TestTransferHostToSelfIsNoop(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()
	h.send("h", `{"type":"transferHost","targetId":"h"}`)
	assert.Empty(t, hc.drain(t))
	assert.Empty(t, pc.drain(t))
}

func TestLeaveKeepsConnection(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()

	h.send("p", `{"type":"leave"}`)
	assert.Equal(t, []protocol.Message{&protocol.Left{}}, pc.drain(t))
	assert.Equal(t, []protocol.Message{&protocol.UserLeft{UserID: "p"}}, hc.drain(t))

	h.send("p", `{"type":"ping"}`)
	assert.Equal(t, []protocol.Message{&protocol.Pong{}}, pc.drain(t))

	h.send("p", `{"type":"leave"}`)
	assert.Equal(t, protocol.CodeNotInRoom, lastError(t, pc.drain(t)).Code)
}

func TestJoinOtherRoomLeavesFirst(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()

	h.send("p", `{"type":"join","roomId":"OTHER"}`)
	assert.Equal(t, []protocol.Message{&protocol.UserLeft{UserID: "p"}}, hc.drain(t))
	info := pc.drain(t)[0].(*protocol.RoomInfo)
	assert.Equal(t, "OTHER", info.RoomID)
	assert.True(t, info.IsHost)
}

func TestChatIncludesSender(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()

	h.send("p", `{"type":"chatMessage","message":"  hi all "}`)
	want := &protocol.ChatMessage{
		UserID:    "p",
		Username:  "User p",
		Message:   "hi all",
		Timestamp: h.clock.Now().UnixMilli(),
	}
	assert.Equal(t, []protocol.Message{want}, pc.drain(t))
	assert.Equal(t, []protocol.Message{want}, hc.drain(t))
}

func TestChatUsernameSticks(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()

	h.send("p", `{"type":"chatMessage","message":"hi","username":"ana"}`)
	assert.Equal(t, "ana", pc.drain(t)[0].(*protocol.ChatMessage).Username)
	hc.drain(t)

	h.send("p", `{"type":"chatMessage","message":"again"}`)
	assert.Equal(t, "ana", hc.drain(t)[0].(*protocol.ChatMessage).Username)
	ep, _ := h.orch.Endpoints.Get("p")
	assert.Equal(t, "ana", ep.Member.Username)
}

func TestSlowConsumerIsKicked(t *testing.T) {
	h, hc, pc := hostAndPeer(t)
	h.drainAll()
	pc.setFull(true)

	h.send("h", `{"type":"sync","position":5,"playing":true}`)

	assert.True(t, pc.isClosed())
	_, bound := h.orch.Endpoints.Get("p")
	assert.False(t, bound)
	assert.Equal(t, []protocol.Message{&protocol.UserLeft{UserID: "p"}}, hc.drain(t))
	snap, _ := h.orch.Rooms.Snapshot("ABCD")
	assert.Equal(t, []domain.ParticipantID{"h"}, snap.Participants)
}

func TestSignalingThroughOrchestrator(t *testing.T) {
	h := newHarness(t)
	hc := h.connect("host")
	gc := h.connect("guest")

	h.send("guest", `{"type":"relayOffer","targetId":"host","offer":{"sdp":"o"}}`)
	msgs := hc.drain(t)
	require.Len(t, msgs, 1)
	jr := msgs[0].(*protocol.JoinRequest)
	assert.Equal(t, "guest", jr.PeerID)
	assert.JSONEq(t, `{"sdp":"o"}`, string(jr.Offer))

	h.send("host", `{"type":"relayICECandidate","targetId":"guest","candidate":{"c":1}}`)
	assert.Empty(t, gc.drain(t), "candidate held until the answer is relayed")

	h.send("host", `{"type":"relayAnswer","targetId":"guest","answer":{"sdp":"a"}}`)
	msgs = gc.drain(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TypeReceiveAnswer, msgs[0].Kind())
	assert.Equal(t, "host", msgs[1].(*protocol.ReceiveICE).PeerID)

	h.send("guest", `{"type":"peerConnected","targetId":"host"}`)
	assert.Zero(t, h.orch.Signaling.Len())

	h.send("guest", `{"type":"relayOffer","targetId":"nobody","offer":{}}`)
	assert.Equal(t, protocol.CodeValidation, lastError(t, gc.drain(t)).Code)
}

func TestDisconnectForgetsExchanges(t *testing.T) {
	h := newHarness(t)
	h.connect("host")
	h.connect("guest")
	h.send("guest", `{"type":"relayOffer","targetId":"host","offer":{}}`)
	require.Equal(t, 1, h.orch.Signaling.Len())

	h.orch.Disconnect("guest")
	assert.Zero(t, h.orch.Signaling.Len())
}
