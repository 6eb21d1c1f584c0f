package http

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/watchparty/internal/adapters/signal"
	"github.com/dkeye/watchparty/internal/app/orch"
	"github.com/dkeye/watchparty/internal/config"
	"github.com/dkeye/watchparty/internal/domain"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "PUT", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
	}))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("WatchPartySessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{orch: o, port: cfg.Port}
	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		SendBuffer:   cfg.SendBuffer,
		RateMessages: cfg.RateLimit.Messages,
		RateInterval: cfg.RateLimit.Interval,
	})

	r.GET("/", h.banner)
	r.GET("/healthz", h.health)
	r.GET("/ip", h.ip)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id", h.getRoom)
	api.GET("/profile", h.getProfile)
	api.PUT("/profile", h.putProfile)

	log.Info().Str("module", "adapters.http").Int("port", cfg.Port).Msg("router setup")
	return r
}

type handlers struct {
	orch *orch.Orchestrator
	port int
}

func (h *handlers) banner(c *gin.Context) {
	c.String(http.StatusOK, "Watch party sync server is running")
}

func (h *handlers) health(c *gin.Context) {
	rooms, participants := h.orch.Rooms.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"rooms":        rooms,
		"participants": participants,
		"connections":  h.orch.Endpoints.Count(),
	})
}

// ip lists non-internal IPv4 addresses so LAN guests know where to connect.
func (h *handlers) ip(c *gin.Context) {
	ifaces, err := net.Interfaces()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := map[string][]string{}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			out[iface.Name] = append(out[iface.Name], ipnet.IP.String())
		}
	}
	c.JSON(http.StatusOK, gin.H{"addresses": out, "port": h.port})
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.Rooms.List()})
}

func (h *handlers) getRoom(c *gin.Context) {
	id, err := domain.NormalizeRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, ok := h.orch.Rooms.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrRoomNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           snap.RoomID,
		"host_id":      snap.HostID,
		"participants": snap.Participants,
		"created_at":   snap.CreatedAt,
		"state": gin.H{
			"position":   snap.State.Position,
			"playing":    snap.State.Playing,
			"updated_at": snap.State.UpdatedAt,
			"origin":     snap.State.Origin,
		},
	})
}

func (h *handlers) getProfile(c *gin.Context) {
	name, _ := sessions.Default(c).Get(signal.SessionUsernameKey).(string)
	c.JSON(http.StatusOK, gin.H{"username": name})
}

func (h *handlers) putProfile(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if err := domain.ValidateUsername(body.Username); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(signal.SessionUsernameKey, body.Username)
	if err := s.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": body.Username})
}
