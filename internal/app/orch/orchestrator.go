// Package orch applies protocol messages to the session registry and routes
// the resulting broadcasts. Broadcasts are queued while the room is still
// locked, so every member sees a room's events in mutation order.
package orch

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/app/signaling"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
)

type Orchestrator struct {
	Rooms     *core.Registry
	Endpoints *app.Registry
	Signaling *signaling.Relay
	Policy    app.Policy

	clock clock.Clock
}

func New(rooms *core.Registry, endpoints *app.Registry, policy app.Policy, clk clock.Clock, exchangeTTL time.Duration) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	o := &Orchestrator{
		Rooms:     rooms,
		Endpoints: endpoints,
		Policy:    policy,
		clock:     clk,
	}
	o.Signaling = signaling.NewRelay(o, clk, exchangeTTL)
	return o
}

func (o *Orchestrator) Clock() clock.Clock { return o.clock }

// Connect registers a live connection and greets it with its participant id.
func (o *Orchestrator) Connect(conn core.SignalConnection, member *domain.Member, cancel context.CancelFunc) domain.ParticipantID {
	pid := member.ID
	o.Endpoints.Bind(pid, conn, member, cancel)
	gaugeConnections.Inc()
	o.sendDirect(pid, protocol.Welcome{UserID: string(pid)})
	return pid
}

// Disconnect tears down everything bound to pid. Safe to call more than once.
func (o *Orchestrator) Disconnect(pid domain.ParticipantID) {
	o.Endpoints.Cancel(pid)
	ep, ok := o.Endpoints.Unbind(pid)
	if !ok {
		return
	}
	gaugeConnections.Dec()
	if f, ok := o.Policy.(interface{ Forget(domain.ParticipantID) }); ok {
		f.Forget(pid)
	}
	if n := o.Signaling.Forget(pid); n > 0 {
		log.Info().Str("module", "orch").Str("pid", string(pid)).Int("exchanges", n).Msg("dropped pending exchanges")
	}
	if ep.RoomID != "" {
		if err := o.leaveRoom(pid, ep.RoomID); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
			log.Warn().Err(err).Str("module", "orch").Str("pid", string(pid)).Msg("disconnect leave")
		}
	}
	log.Info().Str("module", "orch").Str("pid", string(pid)).Msg("disconnected")
}

// Kick closes a participant's connection and runs the disconnect path.
func (o *Orchestrator) Kick(pid domain.ParticipantID) {
	conn, ok := o.Endpoints.Conn(pid)
	o.Disconnect(pid)
	if ok {
		conn.Close()
	}
}

// HandleFrame decodes one inbound frame and dispatches it. Rejections go
// back to the sender only.
func (o *Orchestrator) HandleFrame(pid domain.ParticipantID, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		metricMessages.WithLabelValues("invalid").Inc()
		o.Reject(pid, err)
		return
	}
	metricMessages.WithLabelValues(string(msg.Kind())).Inc()
	if err := o.Dispatch(pid, msg); err != nil {
		o.Reject(pid, err)
	}
}

func (o *Orchestrator) Dispatch(pid domain.ParticipantID, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Join:
		return o.Join(pid, domain.RoomID(m.RoomID), m.IsHost)
	case *protocol.Leave:
		if err := o.Leave(pid); err != nil {
			return err
		}
		o.sendDirect(pid, protocol.Left{})
		return nil
	case *protocol.Sync:
		return o.Sync(pid, *m)
	case *protocol.RequestSync:
		return o.RequestSync(pid)
	case *protocol.TransferHost:
		return o.TransferHost(pid, domain.ParticipantID(m.TargetID))
	case *protocol.ChatMessage:
		return o.Chat(pid, *m)
	case *protocol.Ping:
		o.sendDirect(pid, protocol.Pong{})
		return nil
	case *protocol.RelayOffer:
		return o.RelayOffer(pid, *m)
	case *protocol.RelayAnswer:
		return o.RelayAnswer(pid, *m)
	case *protocol.RelayICECandidate:
		return o.RelayICECandidate(pid, *m)
	case *protocol.PeerConnected:
		o.Signaling.PeerConnected(pid, domain.ParticipantID(m.TargetID))
		return nil
	default:
		return protocol.Errorf(protocol.CodeValidation, "unexpected message type %q", msg.Kind())
	}
}

func (o *Orchestrator) Reject(pid domain.ParticipantID, err error) {
	pe := protocol.AsError(err)
	metricRejections.WithLabelValues(string(pe.Code)).Inc()
	log.Debug().Str("module", "orch").Str("pid", string(pid)).Str("code", string(pe.Code)).Msg(pe.Message)
	o.sendDirect(pid, pe)
}

// Send implements signaling.Sender.
func (o *Orchestrator) Send(to domain.ParticipantID, msg protocol.Message) error {
	conn, ok := o.Endpoints.Conn(to)
	if !ok {
		return signaling.ErrUnknownEndpoint
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.TrySend(frame)
}

// ReportStatus logs connection and room counts every interval.
func (o *Orchestrator) ReportStatus(ctx context.Context, every time.Duration) {
	t := o.clock.Ticker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rooms, participants := o.refreshGauges()
			log.Info().
				Str("module", "orch").
				Int("clients", o.Endpoints.Count()).
				Int("rooms", rooms).
				Int("participants", participants).
				Int("exchanges", o.Signaling.Len()).
				Msg("status")
		}
	}
}

func (o *Orchestrator) refreshGauges() (rooms, participants int) {
	rooms, participants = o.Rooms.Stats()
	gaugeRooms.Set(float64(rooms))
	gaugeParticipants.Set(float64(participants))
	return rooms, participants
}

// sendDirect queues msg to one participant outside any room lock.
func (o *Orchestrator) sendDirect(pid domain.ParticipantID, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode")
		return
	}
	var out outbox
	out.send(o.Endpoints, pid, frame)
	room, _ := o.Endpoints.RoomOf(pid)
	o.settle(room, &out)
}

// outbox collects recipients that could not take a frame while a room was locked.
type outbox struct {
	slow []domain.ParticipantID
}

func (b *outbox) send(eps *app.Registry, to domain.ParticipantID, frame core.Frame) {
	conn, ok := eps.Conn(to)
	if !ok {
		return
	}
	if err := conn.TrySend(frame); errors.Is(err, core.ErrBackpressure) {
		b.slow = append(b.slow, to)
	}
}

func (b *outbox) broadcast(eps *app.Registry, to []domain.ParticipantID, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(msg.Kind())).Msg("encode")
		return
	}
	for _, pid := range to {
		b.send(eps, pid, frame)
	}
}

// settle applies the backpressure policy once the room lock is released.
func (o *Orchestrator) settle(room domain.RoomID, b *outbox) {
	if o.Policy == nil || len(b.slow) == 0 {
		return
	}
	seen := make(map[domain.ParticipantID]bool, len(b.slow))
	for _, pid := range b.slow {
		if seen[pid] {
			continue
		}
		seen[pid] = true
		switch o.Policy.OnBackPressure(room, pid) {
		case app.KickMember:
			metricBackpressure.WithLabelValues("kick").Inc()
			log.Warn().Str("module", "orch").Str("pid", string(pid)).Msg("kicking slow consumer")
			o.Kick(pid)
		case app.MarkSlow:
			metricBackpressure.WithLabelValues("mark").Inc()
			log.Warn().Str("module", "orch").Str("pid", string(pid)).Msg("slow consumer")
		case app.DropFrame, app.NoAction:
			metricBackpressure.WithLabelValues("drop").Inc()
		}
	}
}
