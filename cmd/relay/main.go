// Command relay runs the UDP session-relay server: it loads
// configuration, binds the transport socket, and drives the relay's
// single event loop until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NodeTunnel/relay-server/internal/auth"
	"github.com/NodeTunnel/relay-server/internal/config"
	"github.com/NodeTunnel/relay-server/internal/health"
	"github.com/NodeTunnel/relay-server/internal/logs"
	"github.com/NodeTunnel/relay-server/internal/metrics"
	"github.com/NodeTunnel/relay-server/internal/registry"
	"github.com/NodeTunnel/relay-server/internal/relay"
	"github.com/NodeTunnel/relay-server/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "relay: config:", err)
		os.Exit(1)
	}

	logger := logs.New(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	m := metrics.New()

	socket, err := transport.NewSocket(cfg.UDPBindAddress, cfg.MaxResendAttempts, m, logger)
	if err != nil {
		logger.Error("relay: failed to bind UDP socket", logs.F("err", err.Error()))
		os.Exit(1)
	}
	defer socket.Close()

	checker := auth.NewChecker(cfg.Whitelist, cfg.RemoteWhitelistEndpoint, cfg.RemoteWhitelistToken, logger)
	hook := registry.NewHook(cfg.RegistryURL, logger)
	server := relay.NewServer(cfg.RelayID, cfg.AllowedVersions, socket, checker, hook, logger, m)

	healthServer := health.NewServer(m, cfg.MetricsRoute)
	go func() {
		if err := healthServer.Start(cfg.HTTPBindAddress); err != nil && err != http.ErrServerClosed {
			logger.Error("relay: health server stopped", logs.F("err", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("relay: listening",
		logs.F("udp_addr", socket.LocalAddr().String()),
		logs.F("http_addr", cfg.HTTPBindAddress))

	runLoop(ctx, server, socket, logger, cfg)

	logger.Info("relay: shutting down")
	server.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = healthServer.Shutdown(shutdownCtx)
}

// runLoop is the relay's single event-loop goroutine: it alternates
// between draining readable datagrams, completing asynchronous auth
// checks, and driving the periodic resend/cleanup tick, until ctx is
// canceled.
func runLoop(ctx context.Context, server *relay.Server, socket *transport.Socket, logger logs.Logger, cfg config.Config) {
	ticker := time.NewTicker(cfg.ResendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case outcome := <-server.AuthResults():
			server.CompleteAuthenticate(outcome)

		case now := <-ticker.C:
			for _, ev := range socket.PollEvents(now) {
				server.HandleEvent(ev)
			}
			for _, ev := range socket.Tick(now, cfg.AckTimeout, cfg.SessionTimeout) {
				server.HandleEvent(ev)
			}
		}
	}
}
