package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
)

type endpointEntry struct {
	RoomID domain.RoomID
	Conn   core.SignalConnection
	Member *domain.Member
	Cancel context.CancelFunc
}

// Endpoint is a copy of a registry entry, safe to read without the lock.
type Endpoint struct {
	ID     domain.ParticipantID
	RoomID domain.RoomID
	Conn   core.SignalConnection
	Member domain.Member
}

// Registry maps live participant ids to their connection and current room.
// Room membership itself lives in core.Registry; this is the routing table.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[domain.ParticipantID]*endpointEntry
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[domain.ParticipantID]*endpointEntry),
	}
}

func (r *Registry) Bind(
	pid domain.ParticipantID,
	conn core.SignalConnection,
	member *domain.Member,
	cancel context.CancelFunc,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[pid] = &endpointEntry{
		Conn:   conn,
		Member: member,
		Cancel: cancel,
	}
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Msg("bound endpoint")
}

// Unbind removes pid and returns what it was bound to. Only the first call wins.
func (r *Registry) Unbind(pid domain.ParticipantID) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[pid]
	if !ok {
		return Endpoint{}, false
	}
	delete(r.endpoints, pid)
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Msg("unbind endpoint")
	return e.snapshot(pid), true
}

func (r *Registry) Get(pid domain.ParticipantID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[pid]
	if !ok {
		return Endpoint{}, false
	}
	return e.snapshot(pid), true
}

func (r *Registry) Conn(pid domain.ParticipantID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.endpoints[pid]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) RoomOf(pid domain.ParticipantID) (domain.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[pid]
	if !ok || e.RoomID == "" {
		return "", false
	}
	return e.RoomID, true
}

func (r *Registry) SetRoom(pid domain.ParticipantID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[pid]
	if !ok {
		return false
	}
	e.RoomID = room
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) ClearRoom(pid domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.endpoints[pid]; ok {
		e.RoomID = ""
	}
}

func (r *Registry) UpdateUsername(pid domain.ParticipantID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[pid]
	if !ok || e.Member == nil {
		return domain.ErrNotMember
	}
	if err := e.Member.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Str("username", name).Msg("updated username")
	return nil
}

func (r *Registry) Cancel(pid domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.endpoints[pid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("pid", string(pid)).Msg("canceled endpoint")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

func (e *endpointEntry) snapshot(pid domain.ParticipantID) Endpoint {
	out := Endpoint{ID: pid, RoomID: e.RoomID, Conn: e.Conn}
	if e.Member != nil {
		out.Member = *e.Member
	}
	return out
}
