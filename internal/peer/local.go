package peer

import (
	"context"
	"sync"

	"github.com/dkeye/watchparty/internal/app/orch"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
)

const pipeBuffer = 256

// Pipe is the host's own client attached to the in-process coordinator.
type Pipe struct {
	pid   domain.ParticipantID
	orch  *orch.Orchestrator
	inbox chan core.Frame
	done  chan struct{}
	once  sync.Once
}

// pipeConn is the coordinator's end of a Pipe.
type pipeConn struct{ p *Pipe }

func (c pipeConn) TrySend(f core.Frame) error {
	select {
	case <-c.p.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.p.inbox <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c pipeConn) Close() { c.p.shut() }

// DialLocal attaches a new participant to the coordinator without any
// network hop. The welcome frame is already queued when it returns.
func (h *Host) DialLocal() *Pipe {
	p := &Pipe{
		pid:   domain.NewParticipantID(),
		orch:  h.orch,
		inbox: make(chan core.Frame, pipeBuffer),
		done:  make(chan struct{}),
	}
	h.orch.Connect(pipeConn{p}, domain.NewMember(p.pid, h.clock.Now()), p.shut)
	return p
}

func (p *Pipe) ID() domain.ParticipantID { return p.pid }

func (p *Pipe) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return core.ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p.orch.HandleFrame(p.pid, data)
	return nil
}

func (p *Pipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.inbox:
		return f, nil
	case <-p.done:
		return nil, core.ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipe) Close() error {
	p.shut()
	p.orch.Disconnect(p.pid)
	return nil
}

func (p *Pipe) shut() {
	p.once.Do(func() { close(p.done) })
}
