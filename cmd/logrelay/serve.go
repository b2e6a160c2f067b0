package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/events"
	"github.com/dgnsrekt/logrelay/internal/ratelimit"
	"github.com/dgnsrekt/logrelay/internal/relay"
	"github.com/dgnsrekt/logrelay/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay: a websocket endpoint at /ws that authenticates clients,
meters their frames and fans batches out to friends and group members.

Examples:
  # Listen on the configured address
  logrelay serve

  # Override the listen address
  logrelay serve --addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.ListenAddr = addr
			}
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.listen_addr)")

	return cmd
}

func runServe(ctx context.Context) error {
	sc := cfg.Server

	logger.Info("configuration loaded",
		zap.String("addr", sc.ListenAddr),
		zap.Int("httpRateLimit", sc.HTTPRateLimit),
		zap.Duration("httpRateWindow", sc.HTTPRateWindow),
		zap.Int("messageRateLimit", sc.MessageRateLimit),
		zap.Duration("messageRateWindow", sc.MessageRateWindow),
		zap.Duration("keepalive", sc.KeepaliveInterval),
		zap.Strings("trustedProxies", sc.TrustedProxies),
	)

	if sc.JWTSecret == "" {
		logger.Warn("jwt secret not set, register credentials are not verified")
	}

	codec, err := events.NewCodec()
	if err != nil {
		return err
	}
	defer codec.Close()

	httpLimiter, err := ratelimit.NewHTTP(sc.HTTPRateLimit, sc.HTTPRateWindow)
	if err != nil {
		return fmt.Errorf("http rate limiter: %w", err)
	}
	msgLimiter, err := ratelimit.NewMessage(sc.MessageRateLimit, sc.MessageRateWindow)
	if err != nil {
		return fmt.Errorf("message rate limiter: %w", err)
	}

	proxies, err := server.ParseTrustedProxies(sc.TrustedProxies)
	if err != nil {
		return err
	}

	// Context for the hub; cancelled after the HTTP server stops accepting.
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()

	hub := relay.NewHub(logger.Named("hub"))
	go hub.Run(hubCtx)

	rl := relay.New(hub, codec, relay.Options{
		Verifier:          relay.NewVerifier(sc.JWTSecret),
		Messages:          msgLimiter,
		KeepaliveInterval: sc.KeepaliveInterval,
		MaxMessageSize:    sc.MaxMessageSize,
		Logger:            logger.Named("relay"),
	})

	httpServer := &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           server.NewRouter(rl, httpLimiter, proxies, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	cancelHub()

	logger.Info("server stopped")
	return nil
}
