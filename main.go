package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"google.golang.org/grpc"

	"wormy/broker/internal/auth"
	"wormy/broker/internal/config"
	"wormy/broker/internal/events"
	grpcstream "wormy/broker/internal/grpc"
	httpapi "wormy/broker/internal/http"
	"wormy/broker/internal/logging"
	"wormy/broker/internal/match"
	"wormy/broker/internal/replay"
	"wormy/broker/internal/server"
	"wormy/broker/internal/timesync"
	"wormy/broker/internal/transport"
)

const (
	shutdownTimeout      = 5 * time.Second
	replaySweepInterval  = 10 * time.Minute
	timeSyncPushInterval = time.Second
	authLeeway           = 2 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("broker stopped", logging.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, ServerName: "wormy-broker"}); err != nil {
			logger.Warn("sentry disabled", logging.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	session, err := match.NewSession(match.WithSessionCapacity(match.Capacity{MaxClients: cfg.MaxClients}))
	if err != nil {
		return fmt.Errorf("match session: %w", err)
	}
	stream := events.NewStream(events.Config{})
	writer, cleaner, err := openReplay(cfg, session.ID(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warn("replay close failed", logging.Error(err))
		}
	}()

	authority, err := server.New(server.Options{
		Game:    cfg.Game,
		Logger:  logger,
		Session: session,
		Events:  stream,
		Replay:  writer,
	})
	if err != nil {
		return fmt.Errorf("authority: %w", err)
	}

	//1.- Websocket endpoint with optional HMAC tokens; the subject names the player.
	var authenticator transport.Authenticator = transport.AllowAll{}
	if cfg.AuthSecret != "" {
		signer, err := auth.NewSigner(cfg.AuthSecret, "", authLeeway)
		if err != nil {
			return fmt.Errorf("websocket auth: %w", err)
		}
		authenticator = signer
		logger.Info("websocket token authentication enabled")
	}
	ws := transport.NewServer(authority, transport.Config{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		PingInterval:    cfg.PingInterval,
		MaxClients:      cfg.MaxClients,
		Authenticator:   authenticator,
		Logger:          logger,
	})

	//2.- Operational endpoints share the mux with the websocket.
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger.Named("http"),
		Readiness:   authority,
		Stats:       authority.Stats,
		Status:      func() any { return authority.Status() },
		Drops:       authority.Drops,
		ReplayStats: cleaner.Stats,
		Replay:      authority,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.ReplayDumpWindow, cfg.ReplayDumpBurst, nil),
	})
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	handlers.Register(mux)
	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer, grpcListener, err := openGRPC(cfg, stream, authority, logger)
	if err != nil {
		return err
	}

	errs := make(chan error, 3)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { errs <- authority.Run(runCtx) }()
	go cleaner.Run(runCtx, replaySweepInterval)
	go func() {
		var err error
		if tlsEnabled {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http: %w", err)
		}
	}()
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errs <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}
	httpURL, wsURL := listenerURLs(cfg.Address, tlsEnabled)
	logger.Info("broker listening",
		logging.String("url", httpURL),
		logging.String("websocket", wsURL),
		logging.String("match_id", session.ID()),
		logging.Duration("interval", cfg.Game.EffectiveInterval()))

	//3.- Run until a signal or the first component failure, then unwind in order.
	var failure error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case failure = <-errs:
	}
	cancel()
	shutdownCtx, release := context.WithTimeout(context.Background(), shutdownTimeout)
	defer release()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if errors.Is(failure, context.Canceled) {
		failure = nil
	}
	return failure
}

// openReplay starts recording when a replay directory is configured. Both
// return values are nil-safe when recording is off.
func openReplay(cfg *config.Config, matchID string, logger *logging.Logger) (*replay.Writer, *replay.Cleaner, error) {
	if cfg.ReplayDir == "" {
		return nil, nil, nil
	}
	meta := replay.Metadata{
		MatchID:      matchID,
		Seed:         cfg.Game.Seed,
		MoveInterval: cfg.Game.MoveInterval,
		Depth:        cfg.Game.ServerBuffer,
		PlayAt:       cfg.Game.PlayAt,
	}
	writer, _, err := replay.NewWriter(cfg.ReplayDir, meta, time.Now, logger.Named("replay"))
	if err != nil {
		return nil, nil, fmt.Errorf("replay writer: %w", err)
	}
	cleaner := replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{MaxBundles: cfg.ReplayRetain}, logger.Named("replay"))
	cleaner.Protect(writer.Directory())
	logger.Info("replay recording enabled", logging.String("dir", writer.Directory()))
	return writer, cleaner, nil
}

// openGRPC binds the spectator and clock streams when a gRPC address is set.
func openGRPC(cfg *config.Config, stream *events.Stream, authority *server.Authority, logger *logging.Logger) (*grpc.Server, net.Listener, error) {
	if cfg.GRPCAddress == "" {
		return nil, nil, nil
	}
	opts, err := grpcstream.ServerOptions(cfg.GRPCSharedSecret, cfg.TLSCertPath, cfg.TLSKeyPath, logger.Named("grpc"))
	if err != nil {
		return nil, nil, fmt.Errorf("grpc security: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("grpc listen: %w", err)
	}
	srv := grpc.NewServer(opts...)
	grpcstream.Register(srv, grpcstream.NewService(stream, grpcstream.WithLogger(logger)))
	timesync.Register(srv, timesync.NewService(authority, timeSyncPushInterval, logger))
	logger.Info("grpc listening", logging.String("address", listener.Addr().String()))
	return srv, listener, nil
}
