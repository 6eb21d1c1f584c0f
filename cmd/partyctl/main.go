package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/watchparty/internal/adapters/rtc"
	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/app/orch"
	"github.com/dkeye/watchparty/internal/client"
	"github.com/dkeye/watchparty/internal/config"
	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/peer"
	"github.com/dkeye/watchparty/internal/protocol"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("partyctl", pflag.ExitOnError)
	fs.String("mode", "relay", "relay | host | guest")
	fs.String("server", "ws://localhost:3000/ws", "relay server WebSocket URL")
	fs.String("room", "", "room code (relay mode)")
	fs.Bool("host", false, "ask to host the room (relay mode)")
	fs.String("join", "", "host id to connect to (guest mode)")
	fs.String("name", "", "chat display name")
	fs.String("log-level", "info", "log level")
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("PARTYCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		log.Fatal().Err(err).Msg("bind flags")
	}
	if lvl, err := zerolog.ParseLevel(v.GetString("log-level")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	opts := client.Options{
		DriftThreshold: cfg.Sync.DriftThreshold,
		Throttle:       cfg.Sync.Throttle,
		Heartbeat:      cfg.Sync.Heartbeat,
	}

	clk := clock.New()
	player := client.NewSimPlayer(clk)
	conn := client.NewConnector(clk, func(s client.Status) {
		if s.State == client.StateError {
			fmt.Fprintf(os.Stderr, "error: %s\n", s.Message)
		}
	})

	var (
		sess *client.Session
		dial client.DialFunc
	)
	server := v.GetString("server")
	switch mode := v.GetString("mode"); mode {
	case "relay":
		sess = client.NewSession(v.GetString("room"), v.GetBool("host"), player, clk, opts)
		dial = func(ctx context.Context) (client.Transport, error) {
			t, err := client.DialWS(ctx, server)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
	case "host":
		sig, err := peer.DialSignal(ctx, server)
		if err != nil {
			log.Fatal().Err(err).Msg("relay unavailable")
		}
		defer sig.Close()
		o := orch.New(core.NewRegistry(clk), app.NewRegistry(), app.SimplePolicy{}, clk, cfg.Signaling.ExchangeTTL)
		go o.ReportStatus(ctx, cfg.StatusInterval)
		h := peer.NewHost(sig.ID, o, sig, linkFactory(cfg.ICEServers, false))
		defer h.Close()
		go runSignaling(ctx, sig, peer.HandleHost(ctx, h))

		fmt.Printf("room code: %s\n", sig.ID)
		sess = client.NewSession(sig.ID, true, player, clk, opts)
		dial = func(context.Context) (client.Transport, error) { return h.DialLocal(), nil }
	case "guest":
		hostID := v.GetString("join")
		if hostID == "" {
			log.Fatal().Msg("--join is required in guest mode")
		}
		sig, err := peer.DialSignal(ctx, server)
		if err != nil {
			log.Fatal().Err(err).Msg("relay unavailable")
		}
		defer sig.Close()
		n := peer.NewNegotiator(hostID, sig, linkFactory(cfg.ICEServers, true), clk)
		go runSignaling(ctx, sig, peer.HandleGuest(n))

		sess = client.NewSession(hostID, false, player, clk, opts)
		dial = func(ctx context.Context) (client.Transport, error) {
			l, err := n.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return l, nil
		}
	default:
		log.Fatal().Str("mode", mode).Msg("unknown mode")
	}

	sess.Username = v.GetString("name")
	sess.OnRoom = conn.SetRoom
	sess.OnChat = func(m protocol.ChatMessage) {
		fmt.Printf("[%s] %s\n", m.Username, m.Message)
	}

	go readCommands(ctx, sess, player, conn)
	if err := conn.Run(ctx, dial, sess.Serve); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("session ended")
		os.Exit(1)
	}
}

func linkFactory(iceServers []string, offerer bool) peer.LinkFactory {
	cfg := rtc.WebRTCConfig(iceServers)
	return func(remote string, onICE func(json.RawMessage)) (peer.Link, error) {
		l, err := rtc.NewLink(cfg, remote, offerer, onICE)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

func runSignaling(ctx context.Context, sig *peer.SignalClient, handle func(protocol.Message)) {
	if err := sig.Run(ctx, handle); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("relay connection lost")
	}
}

// readCommands drives the simulated player from stdin.
func readCommands(ctx context.Context, sess *client.Session, player *client.SimPlayer, conn *client.Connector) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		var err error
		switch cmd {
		case "":
			continue
		case "play":
			err = sess.Play()
		case "pause":
			err = sess.Pause()
		case "seek":
			var pos float64
			if pos, err = strconv.ParseFloat(arg, 64); err == nil {
				err = sess.Seek(pos)
			}
		case "sync":
			err = sess.RequestSync()
		case "transfer":
			err = sess.TransferHost(arg)
		case "chat":
			err = sess.Chat(arg)
		case "leave":
			err = sess.Leave()
		case "status":
			s := conn.Status()
			fmt.Printf("%s room=%s host=%t id=%s position=%.2f playing=%t\n",
				s.State, s.RoomID, s.IsHost, sess.Self(), player.Position(), player.Playing())
		default:
			fmt.Println("commands: play | pause | seek <sec> | sync | transfer <id> | chat <text> | leave | status")
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		}
	}
}
