package app

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/watchparty/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a participant whose outbound queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, member domain.ParticipantID) BackpressureAction
}

// SimplePolicy kicks on the first full queue.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room domain.RoomID, member domain.ParticipantID) BackpressureAction {
	return KickMember
}

// StrikePolicy drops frames for a participant until it has hit a full
// queue Strikes times within Window, then kicks it.
type StrikePolicy struct {
	Strikes int
	Window  time.Duration

	clock clock.Clock

	mu   sync.Mutex
	hits map[domain.ParticipantID][]time.Time
}

func NewStrikePolicy(strikes int, window time.Duration, clk clock.Clock) *StrikePolicy {
	if clk == nil {
		clk = clock.New()
	}
	return &StrikePolicy{
		Strikes: strikes,
		Window:  window,
		clock:   clk,
		hits:    make(map[domain.ParticipantID][]time.Time),
	}
}

func (p *StrikePolicy) OnBackPressure(_ domain.RoomID, member domain.ParticipantID) BackpressureAction {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	cutoff := now.Add(-p.Window)
	hits := p.hits[member][:0]
	for _, t := range p.hits[member] {
		if t.After(cutoff) {
			hits = append(hits, t)
		}
	}
	hits = append(hits, now)
	if len(hits) >= p.Strikes {
		delete(p.hits, member)
		return KickMember
	}
	p.hits[member] = hits
	if len(hits) == 1 {
		return DropFrame
	}
	return MarkSlow
}

// Forget drops the history of a participant that went away.
func (p *StrikePolicy) Forget(member domain.ParticipantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hits, member)
}
