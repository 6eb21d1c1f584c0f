package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/dkeye/watchparty/internal/protocol"
)

// Sync stores a new authoritative state and fans it out to everyone but the
// sender. Only the host may write unless the update is forced.
func (o *Orchestrator) Sync(pid domain.ParticipantID, m protocol.Sync) error {
	room, ok := o.Endpoints.RoomOf(pid)
	if !ok {
		return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
	}
	if err := domain.ValidatePosition(m.Position); err != nil {
		return err
	}

	var out outbox
	err := o.Rooms.Apply(room, false, func(tx *core.Tx) error {
		s := tx.Session()
		if !s.Has(pid) {
			return protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
		}
		isHost := s.IsHost(pid)
		if !isHost && !m.Force {
			return protocol.Errorf(protocol.CodePermissionDenied, "only the host can sync without force")
		}
		st := domain.PlaybackState{
			Position:  m.Position,
			Playing:   m.Playing,
			UpdatedAt: o.clock.Now(),
			Origin:    pid,
		}
		if !tx.UpdateState(st) {
			log.Debug().Str("module", "orch").Str("pid", string(pid)).Str("room", string(room)).Msg("stale sync dropped")
			return nil
		}
		out.broadcast(o.Endpoints, s.Others(pid), protocol.Sync{
			Position:  st.Position,
			Playing:   st.Playing,
			Force:     m.Force,
			Origin:    string(pid),
			IsHost:    isHost,
			UpdatedAt: st.UpdatedAt.UnixMilli(),
		})
		return nil
	})
	o.settle(room, &out)
	return err
}
