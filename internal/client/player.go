package client

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Player is the local media element.
type Player interface {
	Position() float64
	Playing() bool
	Seek(pos float64)
	Play()
	Pause()
}

// SimPlayer advances its position with the clock while playing.
type SimPlayer struct {
	clock clock.Clock

	mu      sync.Mutex
	base    float64
	since   time.Time
	playing bool
}

func NewSimPlayer(clk clock.Clock) *SimPlayer {
	if clk == nil {
		clk = clock.New()
	}
	return &SimPlayer{clock: clk, since: clk.Now()}
}

func (p *SimPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position()
}

func (p *SimPlayer) position() float64 {
	if !p.playing {
		return p.base
	}
	return p.base + p.clock.Since(p.since).Seconds()
}

func (p *SimPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *SimPlayer) Seek(pos float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = pos
	p.since = p.clock.Now()
}

func (p *SimPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return
	}
	p.since = p.clock.Now()
	p.playing = true
}

func (p *SimPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	p.base = p.position()
	p.playing = false
}
