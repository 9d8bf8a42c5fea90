package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/parley/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/parley/internal/adapter/driven/persistence/redisstore"
	handler "github.com/Wyydra/parley/internal/adapter/driving/http"
	"github.com/Wyydra/parley/internal/config"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/Wyydra/parley/internal/core/service"
	"github.com/Wyydra/parley/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var opts config.Options

var rootCmd = &cobra.Command{
	Use:   "parley-server",
	Short: "WebRTC signaling relay",
	Long: `parley-server relays WebRTC signaling between peers grouped into rooms.
Clients connect over WebSocket at /ws. Every flag can also be set from the
environment; flags win over environment variables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.Addr, "addr", "", "listen address (ADDR, default :8080)")
	f.StringVar(&opts.LogLevel, "log-level", "", "trace, debug, info, warn or error (LOG_LEVEL)")
	f.StringVar(&opts.LogFormat, "log-format", "", "console or json (LOG_FORMAT)")
	f.StringVar(&opts.AllowedOrigins, "allowed-origins", "", "comma separated WebSocket origins (ALLOWED_ORIGINS)")
	f.IntVar(&opts.SendQueueSize, "send-queue", 0, "per-client outbound queue length (SEND_QUEUE_SIZE)")
	f.Int64Var(&opts.MaxMessageBytes, "max-message-bytes", 0, "largest inbound frame (MAX_MESSAGE_BYTES)")
	f.Float64Var(&opts.MessagesPerSecond, "rate", 0, "inbound messages per second per client (MESSAGES_PER_SECOND)")
	f.IntVar(&opts.MessageBurst, "burst", 0, "inbound message burst per client (MESSAGE_BURST)")
	f.StringVar(&opts.RedisAddr, "redis-addr", "", "mirror room presence into redis (REDIS_ADDR)")
	f.StringVar(&opts.RedisPrefix, "redis-prefix", "", "redis key prefix (REDIS_PREFIX)")
	f.StringVar(&opts.ICEMode, "ice-mode", "", "stun-turn, stun-only or turn-only (ICE_MODE)")
	f.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown limit (SHUTDOWN_TIMEOUT)")
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}

	l, err := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log.Logger = l

	m := metrics.New()

	presence, closePresence, err := newPresence(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePresence()

	relay := service.NewRelay(service.RelayOptions{
		Presence: presence,
		Metrics:  m,
	})
	h := handler.NewHandler(relay, presence, m, cfg)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: h.NewRouter(),
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.Addr).Str("ice_mode", cfg.ICE.Mode).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		l.Error().Err(err).Msg("Failed to start server")
		return err
	}
	l.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown, so the
	// relay closes them itself.
	relay.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	l.Info().Msg("Server exited")
	return nil
}

// newPresence picks the redis mirror when configured and the in-memory one
// otherwise. Stale redis state from a previous run is cleared.
func newPresence(ctx context.Context, cfg *config.Config) (port.PresenceStore, func(), error) {
	if cfg.RedisAddr == "" {
		return memory.NewPresenceStore(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}

	store := redisstore.NewPresenceStore(rdb, cfg.RedisPrefix)
	if err := store.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to reset redis presence")
	}
	log.Info().Str("redis_addr", cfg.RedisAddr).Str("prefix", cfg.RedisPrefix).Msg("Mirroring presence to redis")

	return store, func() { rdb.Close() }, nil
}
