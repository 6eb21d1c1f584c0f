package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/app/orch"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
)

// SessionUsernameKey is where the HTTP profile stores the display name.
const SessionUsernameKey = "username"

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	SendBuffer   int
	RateMessages int
	RateInterval time.Duration
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	opts    Options
	limiter *RateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	return &SignalWSController{
		Orch:    o,
		opts:    opts,
		limiter: NewRateLimiter(opts.RateMessages, opts.RateInterval, o.Clock()),
	}
}

type WsSignalConn struct {
	pid  domain.ParticipantID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	pid := domain.NewParticipantID()
	member := domain.NewMember(pid, ctl.Orch.Clock().Now())
	if name, ok := sessions.Default(c).Get(SessionUsernameKey).(string); ok && name != "" {
		if err := member.SetUsername(name); err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("ignoring stored username")
		}
	}
	log.Info().Str("module", "signal").Str("pid", string(pid)).Str("client", c.GetString("client_token")).Msg("new WS connection")

	conn := &WsSignalConn{
		pid:  pid,
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(conn, member, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, pid, conn)
}
