package core

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/domain"
)

// roomSlot is the unit of exclusive access for one room id.
// A slot is dead once its session became empty and it left the map.
type roomSlot struct {
	mu      sync.Mutex
	session *Session
	dead    bool
}

// Registry owns room id -> session. Rooms are locked individually;
// the map lock is only held to find, insert or drop a slot.
type Registry struct {
	clock clock.Clock

	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomSlot
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock: clk,
		rooms: make(map[domain.RoomID]*roomSlot),
	}
}

func (r *Registry) getOrCreate(id domain.RoomID, create bool) *roomSlot {
	r.mu.RLock()
	slot, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok || !create {
		return slot
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok = r.rooms[id]; ok {
		return slot
	}
	slot = &roomSlot{}
	r.rooms[id] = slot
	return slot
}

func (r *Registry) drop(id domain.RoomID, slot *roomSlot) {
	r.mu.Lock()
	if r.rooms[id] == slot {
		delete(r.rooms, id)
	}
	r.mu.Unlock()
}

// Apply runs fn with exclusive access to the room. Anything fn does
// (including enqueueing broadcasts) is ordered with respect to every
// other Apply on the same room. A room left without participants is
// destroyed before Apply returns.
func (r *Registry) Apply(id domain.RoomID, create bool, fn func(tx *Tx) error) error {
	for {
		slot := r.getOrCreate(id, create)
		if slot == nil {
			return domain.ErrRoomNotFound
		}
		slot.mu.Lock()
		if slot.dead {
			// Lost a race with the last leave; the id maps to a fresh slot now.
			slot.mu.Unlock()
			continue
		}
		if slot.session == nil && !create {
			slot.mu.Unlock()
			return domain.ErrRoomNotFound
		}
		if slot.session == nil {
			slot.session = newSession(id, r.clock.Now())
			log.Info().Str("module", "core.registry").Str("room", string(id)).Msg("room created")
		}

		err := fn(&Tx{s: slot.session})

		if slot.session.Len() == 0 {
			slot.dead = true
			slot.session = nil
			r.drop(id, slot)
			log.Info().Str("module", "core.registry").Str("room", string(id)).Msg("room removed (empty)")
		}
		slot.mu.Unlock()
		return err
	}
}

// Join adds participant to the room, creating the room on first join.
func (r *Registry) Join(id domain.RoomID, p domain.ParticipantID, requestedHost bool) (Snapshot, error) {
	var snap Snapshot
	err := r.Apply(id, true, func(tx *Tx) error {
		tx.Join(p, requestedHost)
		snap = tx.Snapshot()
		return nil
	})
	return snap, err
}

func (r *Registry) Leave(id domain.RoomID, p domain.ParticipantID) (LeaveResult, error) {
	var res LeaveResult
	err := r.Apply(id, false, func(tx *Tx) error {
		var err error
		res, err = tx.Leave(p)
		return err
	})
	return res, err
}

func (r *Registry) SetHost(id domain.RoomID, p domain.ParticipantID) error {
	return r.Apply(id, false, func(tx *Tx) error {
		return tx.SetHost(p)
	})
}

func (r *Registry) Snapshot(id domain.RoomID) (Snapshot, bool) {
	var snap Snapshot
	err := r.Apply(id, false, func(tx *Tx) error {
		snap = tx.Snapshot()
		return nil
	})
	return snap, err == nil
}

func (r *Registry) List() []RoomSummary {
	r.mu.RLock()
	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]RoomSummary, 0, len(ids))
	for _, id := range ids {
		if snap, ok := r.Snapshot(id); ok {
			out = append(out, RoomSummary{
				ID:               snap.RoomID,
				HostID:           snap.HostID,
				ParticipantCount: len(snap.Participants),
				CreatedAt:        snap.CreatedAt,
			})
		}
	}
	return out
}

// Stats counts live rooms and their participants.
func (r *Registry) Stats() (rooms, participants int) {
	for _, s := range r.List() {
		rooms++
		participants += s.ParticipantCount
	}
	return rooms, participants
}

// Tx is the only way to mutate a session. It is valid only inside Apply.
type Tx struct {
	s *Session
}

func (tx *Tx) Session() *Session  { return tx.s }
func (tx *Tx) Snapshot() Snapshot { return tx.s.Snapshot() }

// Join registers p. The joiner becomes host if it asked for it and the
// room has none, or if it ends up alone in a hostless room.
func (tx *Tx) Join(p domain.ParticipantID, requestedHost bool) (isHost bool) {
	s := tx.s
	s.participants[p] = struct{}{}
	if requestedHost && s.hostID == "" {
		s.hostID = p
	}
	if s.hostID == "" && len(s.participants) == 1 {
		s.hostID = p
		log.Info().Str("module", "core.registry").Str("room", string(s.id)).Str("participant", string(p)).Msg("sole participant became host")
	}
	return s.hostID == p
}

type LeaveResult struct {
	WasHost bool
	// NewHost is set when host moved to a surviving participant.
	NewHost   domain.ParticipantID
	Remaining []domain.ParticipantID
	Destroyed bool
}

// Leave removes p; a departing host is replaced by the smallest remaining id.
func (tx *Tx) Leave(p domain.ParticipantID) (LeaveResult, error) {
	s := tx.s
	if !s.Has(p) {
		return LeaveResult{}, domain.ErrNotMember
	}
	delete(s.participants, p)
	res := LeaveResult{WasHost: s.hostID == p}
	res.Remaining = s.Participants()
	if len(res.Remaining) == 0 {
		s.hostID = ""
		res.Destroyed = true
		return res, nil
	}
	if res.WasHost {
		s.hostID = res.Remaining[0]
		res.NewHost = s.hostID
		log.Info().Str("module", "core.registry").Str("room", string(s.id)).Str("host", string(s.hostID)).Msg("host reassigned")
	}
	return res, nil
}

func (tx *Tx) SetHost(p domain.ParticipantID) error {
	if !tx.s.Has(p) {
		return domain.ErrNotMember
	}
	tx.s.hostID = p
	return nil
}

// UpdateState stores st unless it is older than the current state.
func (tx *Tx) UpdateState(st domain.PlaybackState) bool {
	if !st.Supersedes(tx.s.state) {
		return false
	}
	tx.s.state = st
	return true
}
