// Package client keeps a local player in step with a watch party: it
// applies the host's broadcasts, publishes the host's own state and
// reconnects when the transport drops.
package client

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/protocol"
)

const (
	DefaultDriftThreshold = 2.0
	DefaultThrottle       = time.Second
	DefaultHeartbeat      = 5 * time.Second
)

type Options struct {
	DriftThreshold float64
	Throttle       time.Duration
	Heartbeat      time.Duration
}

func (o Options) withDefaults() Options {
	if o.DriftThreshold <= 0 {
		o.DriftThreshold = DefaultDriftThreshold
	}
	if o.Throttle <= 0 {
		o.Throttle = DefaultThrottle
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	return o
}

// Reconciler applies remote state to the player and emits local state.
type Reconciler struct {
	player Player
	emit   func(protocol.Sync)
	clock  clock.Clock
	opts   Options

	mu           sync.Mutex
	self         string
	isHost       bool
	lastApplied  int64
	lastEmit     time.Time
	emitted      bool
	trailing     *clock.Timer
	pendingForce bool
	beatStop     chan struct{}
}

func NewReconciler(p Player, clk clock.Clock, opts Options, emit func(protocol.Sync)) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{
		player: p,
		emit:   emit,
		clock:  clk,
		opts:   opts.withDefaults(),
	}
}

func (r *Reconciler) SetSelf(id string) {
	r.mu.Lock()
	r.self = id
	r.mu.Unlock()
}

func (r *Reconciler) IsHost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isHost
}

// Apply reconciles the player with a sync broadcast and reports whether
// the broadcast was taken into account.
func (r *Reconciler) Apply(m protocol.Sync) bool {
	r.mu.Lock()
	switch {
	case m.Origin != "" && m.Origin == r.self:
		r.mu.Unlock()
		return false
	case !m.IsHost && !m.Force:
		r.mu.Unlock()
		return false
	case m.UpdatedAt < r.lastApplied:
		r.mu.Unlock()
		log.Debug().Str("module", "client").Int64("updated_at", m.UpdatedAt).Msg("stale sync ignored")
		return false
	}
	r.lastApplied = m.UpdatedAt
	r.mu.Unlock()

	if drift := math.Abs(r.player.Position() - m.Position); drift > r.opts.DriftThreshold {
		log.Debug().Str("module", "client").Float64("drift", drift).Float64("position", m.Position).Msg("seek")
		r.player.Seek(m.Position)
	}
	if m.Playing != r.player.Playing() {
		if m.Playing {
			r.player.Play()
		} else {
			r.player.Pause()
		}
	}
	return true
}

// ApplyState reconciles with the room's stored state on join. A room
// nobody has synced yet carries no origin and is left alone.
func (r *Reconciler) ApplyState(st protocol.State) bool {
	if st.UpdatedAt == 0 || st.Origin == "" {
		return false
	}
	return r.Apply(protocol.Sync{
		Position:  st.Position,
		Playing:   st.Playing,
		Origin:    st.Origin,
		IsHost:    true,
		UpdatedAt: st.UpdatedAt,
	})
}

// Publish emits the local state, at most once per throttle window. An
// event inside the window becomes one trailing emission at its end.
// Non-hosts only publish forced updates.
func (r *Reconciler) Publish(force bool) {
	r.mu.Lock()
	if !r.isHost && !force {
		r.mu.Unlock()
		return
	}
	r.pendingForce = r.pendingForce || force

	now := r.clock.Now()
	if !r.emitted || now.Sub(r.lastEmit) >= r.opts.Throttle {
		r.stopTrailing()
		f := r.take(now)
		r.mu.Unlock()
		r.send(f)
		return
	}
	if r.trailing == nil {
		r.trailing = r.clock.AfterFunc(r.opts.Throttle-now.Sub(r.lastEmit), r.flush)
	}
	r.mu.Unlock()
}

func (r *Reconciler) flush() {
	r.mu.Lock()
	r.trailing = nil
	now := r.clock.Now()
	if (!r.isHost && !r.pendingForce) || now.Sub(r.lastEmit) < r.opts.Throttle {
		r.mu.Unlock()
		return
	}
	f := r.take(now)
	r.mu.Unlock()
	r.send(f)
}

// stopTrailing; caller holds mu.
func (r *Reconciler) stopTrailing() {
	if r.trailing != nil {
		r.trailing.Stop()
		r.trailing = nil
	}
}

// take marks an emission at now; caller holds mu.
func (r *Reconciler) take(now time.Time) bool {
	r.lastEmit = now
	r.emitted = true
	f := r.pendingForce
	r.pendingForce = false
	return f
}

func (r *Reconciler) send(force bool) {
	r.emit(protocol.Sync{
		Position: r.player.Position(),
		Playing:  r.player.Playing(),
		Force:    force,
	})
}

// SetHost starts or stops the heartbeat.
func (r *Reconciler) SetHost(host bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if host == r.isHost {
		return
	}
	r.isHost = host
	if !host {
		r.stopBeat()
		return
	}
	ticker := r.clock.Ticker(r.opts.Heartbeat)
	stop := make(chan struct{})
	r.beatStop = stop
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.send(false)
			}
		}
	}()
}

// stopBeat; caller holds mu.
func (r *Reconciler) stopBeat() {
	if r.beatStop != nil {
		close(r.beatStop)
		r.beatStop = nil
	}
}

// Stop drops host duties and any pending trailing emission.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isHost = false
	r.stopBeat()
	r.stopTrailing()
	r.pendingForce = false
	r.lastApplied = 0
}
