package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/parley/internal/adapter/codec"
	"github.com/Wyydra/parley/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/parley/internal/adapter/driven/media/loopback"
	"github.com/Wyydra/parley/internal/adapter/driven/media/pion"
	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/Wyydra/parley/internal/core/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagRoom     string
	flagEngine   string
	flagCodec    string
	flagAutoCall bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and negotiate with everyone in it",
	Long: `Join a room and negotiate a WebRTC session with every other member.

Examples:
  parley-peer join --room ABCD-EFGH-JKLM
  parley-peer join --room lobby --engine loopback --codec msgpack`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRoom == "" {
			return errors.New("--room is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return join(ctx)
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&flagRoom, "room", "", "room to join")
	f.StringVar(&flagEngine, "engine", "pion", "media engine: pion or loopback")
	f.StringVar(&flagCodec, "codec", "json", "frame codec: json or msgpack")
	f.BoolVar(&flagAutoCall, "auto-call", true, "start negotiation with peers we initiate for")
}

func join(ctx context.Context) error {
	engines, err := newEngines(ctx)
	if err != nil {
		return err
	}

	url, err := wsURL(flagServer)
	if err != nil {
		return err
	}
	subprotocol, err := subprotocolFor(flagCodec)
	if err != nil {
		return err
	}

	conn, err := ws.Dial(ctx, url, subprotocol)
	if err != nil {
		return err
	}
	defer conn.Close()

	calls := service.NewCallService(service.CallOptions{
		Signaler: conn,
		Engines:  engines,
		AutoCall: flagAutoCall,
	})
	defer calls.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- calls.Run(ctx, conn.Incoming()) }()

	if err := calls.JoinRoom(ctx, domain.RoomID(flagRoom)); err != nil {
		return err
	}
	log.Info().Str("room_id", flagRoom).Str("engine", flagEngine).Msg("Joined room, waiting for peers")

	for {
		select {
		case ev, ok := <-calls.Events():
			if !ok {
				return nil
			}
			logEvent(ev)

		case err := <-runErr:
			if ctx.Err() != nil {
				leave(calls)
				return nil
			}
			if err != nil {
				return err
			}
			if cerr := conn.Err(); cerr != nil {
				return cerr
			}
			return errors.New("relay closed the connection")

		case <-ctx.Done():
			leave(calls)
			return nil
		}
	}
}

func leave(calls *service.CallService) {
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()
	if err := calls.LeaveRoom(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to leave room cleanly")
		return
	}
	log.Info().Msg("Left room")
}

func newEngines(ctx context.Context) (port.MediaEngineFactory, error) {
	switch flagEngine {
	case "loopback":
		return loopback.NewFactory(), nil
	case "pion":
		ice, err := fetchICE(ctx, flagServer)
		if err != nil {
			return nil, fmt.Errorf("fetch ice servers: %w", err)
		}
		log.Debug().Str("ice_mode", ice.Mode).Int("servers", len(ice.Servers)).Msg("Using relay ICE servers")
		f, err := pion.NewFactory(ice, log.Logger)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", flagEngine)
	}
}

func subprotocolFor(name string) (string, error) {
	switch name {
	case "json", "":
		return codec.JSONSubprotocol, nil
	case "msgpack":
		return codec.MsgpackSubprotocol, nil
	default:
		return "", fmt.Errorf("unknown codec %q", name)
	}
}

func logEvent(ev domain.PeerEvent) {
	l := log.With().Str("peer_id", ev.PeerID().String()).Logger()
	switch e := ev.(type) {
	case domain.StateChanged:
		l.Info().Str("from", e.From.String()).Str("to", e.To.String()).Str("role", e.Role.String()).Msg("Negotiation state changed")
	case domain.ConnectionStatus:
		l.Info().Str("state", string(e.State)).Bool("ice", e.ICE).Msg("Connection status")
	case domain.NegotiationFailed:
		l.Error().Err(e.Err).Msg("Negotiation failed")
	case domain.SessionClosed:
		l.Info().Str("reason", string(e.Reason)).Msg("Session closed")
	case domain.RosterUpdated:
		log.Info().Int("users", len(e.Users)).Msg("Roster updated")
	case domain.RelayError:
		log.Warn().Str("error", e.Message).Msg("Relay reported an error")
	}
}
