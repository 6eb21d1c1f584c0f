package core

import (
	"slices"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
)

// Session is the record of one room. Its fields are only reachable
// through a Tx, i.e. under the room's lock.
type Session struct {
	id           domain.RoomID
	participants map[domain.ParticipantID]struct{}
	hostID       domain.ParticipantID
	state        domain.PlaybackState
	createdAt    time.Time
}

func newSession(id domain.RoomID, now time.Time) *Session {
	return &Session{
		id:           id,
		participants: make(map[domain.ParticipantID]struct{}),
		state:        domain.PlaybackState{UpdatedAt: now},
		createdAt:    now,
	}
}

func (s *Session) ID() domain.RoomID                  { return s.id }
func (s *Session) HostID() domain.ParticipantID       { return s.hostID }
func (s *Session) State() domain.PlaybackState        { return s.state }
func (s *Session) Len() int                           { return len(s.participants) }
func (s *Session) IsHost(p domain.ParticipantID) bool { return p != "" && s.hostID == p }

func (s *Session) Has(p domain.ParticipantID) bool {
	_, ok := s.participants[p]
	return ok
}

// Participants returns member ids in ascending order.
func (s *Session) Participants() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(s.participants))
	for p := range s.participants {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Others returns every member except p, ascending.
func (s *Session) Others(p domain.ParticipantID) []domain.ParticipantID {
	return slices.DeleteFunc(s.Participants(), func(id domain.ParticipantID) bool { return id == p })
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		RoomID:       s.id,
		HostID:       s.hostID,
		Participants: s.Participants(),
		State:        s.state,
		CreatedAt:    s.createdAt,
	}
}

// Snapshot is a read-only copy of a session, safe to use after the lock is released.
type Snapshot struct {
	RoomID       domain.RoomID
	HostID       domain.ParticipantID
	Participants []domain.ParticipantID
	State        domain.PlaybackState
	CreatedAt    time.Time
}

type RoomSummary struct {
	ID               domain.RoomID        `json:"id"`
	HostID           domain.ParticipantID `json:"host_id"`
	ParticipantCount int                  `json:"participant_count"`
	CreatedAt        time.Time            `json:"created_at"`
}
