package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
)

var errGone = protocol.Errorf(protocol.CodeTransport, "connection closed")

func roomInfo(snap core.Snapshot, pid domain.ParticipantID) protocol.RoomInfo {
	return protocol.RoomInfo{
		RoomID:       string(snap.RoomID),
		HostID:       string(snap.HostID),
		IsHost:       snap.HostID == pid,
		Participants: toStrings(snap.Participants),
		CurrentState: protocol.StateOf(snap.State),
	}
}

func toStrings(ids []domain.ParticipantID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// Join puts pid into room, leaving its previous room first.
func (o *Orchestrator) Join(pid domain.ParticipantID, room domain.RoomID, requestHost bool) error {
	if cur, ok := o.Endpoints.RoomOf(pid); ok && cur != room {
		log.Info().Str("module", "orch").Str("pid", string(pid)).Str("from_room", string(cur)).Msg("leaving previous room")
		if err := o.Leave(pid); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("pid", string(pid)).Msg("leave previous room")
		}
	}

	var out outbox
	err := o.Rooms.Apply(room, true, func(tx *core.Tx) error {
		s := tx.Session()
		rejoin := s.Has(pid)
		// Binding the room under its lock orders this against a concurrent Disconnect.
		if !o.Endpoints.SetRoom(pid, room) {
			return errGone
		}
		tx.Join(pid, requestHost)
		snap := tx.Snapshot()

		out.broadcast(o.Endpoints, []domain.ParticipantID{pid}, roomInfo(snap, pid))
		if !rejoin {
			out.broadcast(o.Endpoints, s.Others(pid), protocol.UserJoined{
				UserID: string(pid),
				IsHost: snap.HostID == pid,
			})
		}
		log.Info().Str("module", "orch").Str("pid", string(pid)).Str("room", string(room)).Bool("host", snap.HostID == pid).Msg("joined")
		return nil
	})
	o.settle(room, &out)
	o.refreshGauges()
	return err
}

// Leave removes pid from its current room; the connection stays up.
func (o *Orchestrator) Leave(pid domain.ParticipantID) error {
	room, ok := o.Endpoints.RoomOf(pid)
	if !ok {
		return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
	}
	err := o.leaveRoom(pid, room)
	o.Endpoints.ClearRoom(pid)
	return err
}

func (o *Orchestrator) leaveRoom(pid domain.ParticipantID, room domain.RoomID) error {
	var out outbox
	err := o.Rooms.Apply(room, false, func(tx *core.Tx) error {
		res, err := tx.Leave(pid)
		if err != nil {
			return err
		}
		log.Info().Str("module", "orch").Str("pid", string(pid)).Str("room", string(room)).Bool("was_host", res.WasHost).Msg("left")
		if res.Destroyed {
			return nil
		}
		if res.NewHost != "" {
			metricHostMigrations.Inc()
			out.broadcast(o.Endpoints, res.Remaining, protocol.HostChanged{
				PreviousHostID: string(pid),
				NewHostID:      string(res.NewHost),
			})
		}
		out.broadcast(o.Endpoints, res.Remaining, protocol.UserLeft{
			UserID:  string(pid),
			WasHost: res.WasHost,
		})
		return nil
	})
	o.settle(room, &out)
	o.refreshGauges()
	return err
}

// TransferHost hands the host role to target. Only the host may do it.
func (o *Orchestrator) TransferHost(pid, target domain.ParticipantID) error {
	room, ok := o.Endpoints.RoomOf(pid)
	if !ok {
		return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
	}
	var out outbox
	err := o.Rooms.Apply(room, false, func(tx *core.Tx) error {
		s := tx.Session()
		switch {
		case !s.Has(pid):
			return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
		case !s.IsHost(pid):
			return protocol.Errorf(protocol.CodePermissionDenied, "only the host can transfer host")
		case !s.Has(target):
			return protocol.Errorf(protocol.CodeTargetNotInRoom, "%s is not in the room", target)
		case target == pid:
			return nil
		}
		if err := tx.SetHost(target); err != nil {
			return err
		}
		out.broadcast(o.Endpoints, s.Participants(), protocol.HostChanged{
			PreviousHostID: string(pid),
			NewHostID:      string(target),
		})
		log.Info().Str("module", "orch").Str("room", string(room)).Str("from", string(pid)).Str("to", string(target)).Msg("host transferred")
		return nil
	})
	o.settle(room, &out)
	return err
}

// RequestSync asks the host to publish its state.
func (o *Orchestrator) RequestSync(pid domain.ParticipantID) error {
	room, ok := o.Endpoints.RoomOf(pid)
	if !ok {
		return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
	}
	var out outbox
	err := o.Rooms.Apply(room, false, func(tx *core.Tx) error {
		s := tx.Session()
		if !s.Has(pid) {
			return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
		}
		host := s.HostID()
		if host == "" || host == pid {
			return protocol.Errorf(protocol.CodeNoHostAvailable, "no other host in the room")
		}
		out.broadcast(o.Endpoints, []domain.ParticipantID{host}, protocol.SyncRequest{RequesterID: string(pid)})
		return nil
	})
	o.settle(room, &out)
	return err
}

// Chat fans a message out to the whole room, sender included.
func (o *Orchestrator) Chat(pid domain.ParticipantID, m protocol.ChatMessage) error {
	ep, ok := o.Endpoints.Get(pid)
	if !ok || ep.RoomID == "" {
		return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
	}
	name := ep.Member.DisplayName()
	if m.Username != "" && m.Username != ep.Member.Username {
		if err := o.Endpoints.UpdateUsername(pid, m.Username); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("pid", string(pid)).Msg("username rejected")
		} else {
			name = m.Username
		}
	}
	var out outbox
	err := o.Rooms.Apply(ep.RoomID, false, func(tx *core.Tx) error {
		s := tx.Session()
		if !s.Has(pid) {
			return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
		}
		out.broadcast(o.Endpoints, s.Participants(), protocol.ChatMessage{
			UserID:    string(pid),
			Username:  name,
			Message:   m.Message,
			Timestamp: o.clock.Now().UnixMilli(),
		})
		return nil
	})
	o.settle(ep.RoomID, &out)
	return err
}
