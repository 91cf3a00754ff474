// Command econnd is a demo daemon exercising the full econn stack end
// to end over a real transport binding: it loads configuration, wires
// up logging and the connection registry, chooses a transport binding
// (in-process or SIP MESSAGE), and exposes a small JSON control API for
// driving start/answer/end from the command line or a test harness. It
// is a thin process wiring that stitches the library packages
// together and nothing more.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sebas/econn/internal/banner"
	"github.com/sebas/econn/internal/econn/api"
	"github.com/sebas/econn/internal/econn/conn"
	"github.com/sebas/econn/internal/econn/config"
	"github.com/sebas/econn/internal/econn/events"
	"github.com/sebas/econn/internal/econn/manager"
	"github.com/sebas/econn/internal/econn/message"
	"github.com/sebas/econn/internal/econn/transport/sipmsg"
	"github.com/sebas/econn/internal/logger"
)

func main() {
	cfg := config.LoadDaemon()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("ECONND", []banner.ConfigLine{
		{Label: "Control API", Value: cfg.APIAddr},
		{Label: "Transport", Value: cfg.Transport},
		{Label: "Setup Timeout", Value: cfg.Conn.TimeoutSetup.String()},
		{Label: "Term Timeout", Value: cfg.Conn.TimeoutTerm.String()},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	router := newDispatchRouter()

	publisher := events.NewLoggingPublisher(slog.Default())
	registry := manager.NewRegistry(manager.DefaultIdleTTL, slog.Default(), publisher)
	defer registry.Close()

	transportFactory, cleanup, err := buildTransportFactory(cfg, router)
	if err != nil {
		slog.Error("econnd: failed to set up transport", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	apiServer := api.NewServer(cfg.APIAddr, registry, transportFactory, cfg.Conn)
	apiServer.OnCreated(func(c *conn.Connection) {
		router.register(c.UserIDSelf(), c.ClientIDSelf(), c)
	})
	if err := apiServer.Start(); err != nil {
		slog.Error("econnd: failed to start control API", "error", err)
		os.Exit(1)
	}
	defer func() { _ = apiServer.Stop() }()

	run(registry)
}

func run(registry *manager.Registry) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("econnd: received signal, shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := registry.EndAll(shutdownCtx); err != nil {
		slog.Warn("econnd: shutdown: not every connection ended cleanly", "error", err)
	}
}

// dispatchRouter maps a local (userID, clientID) identity to the
// connection that should receive inbound traffic for it. Both
// transport bindings below share it: the in-process one because many
// connections live in one process with no network to route through,
// the SIP one because a single shared Listener fans every inbound
// MESSAGE out by its To header's identity.
type dispatchRouter struct {
	mu    sync.RWMutex
	byKey map[string]*conn.Connection
}

func newDispatchRouter() *dispatchRouter {
	return &dispatchRouter{byKey: make(map[string]*conn.Connection)}
}

func routerKey(userID, clientID string) string {
	return userID + "!" + clientID
}

func (r *dispatchRouter) register(userID, clientID string, c *conn.Connection) {
	r.mu.Lock()
	r.byKey[routerKey(userID, clientID)] = c
	r.mu.Unlock()
}

func (r *dispatchRouter) lookup(userID, clientID string) (*conn.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byKey[routerKey(userID, clientID)]
	return c, ok
}

// deliver decodes wire and dispatches it to the local connection
// registered for (localUserID, localClientID), logging and dropping
// anything that does not resolve — the inbound validation rules
// already drop misrouted messages inside Connection.Dispatch, this is
// the daemon-level equivalent for "no such local connection at all".
func (r *dispatchRouter) deliver(ctx context.Context, senderUserID, senderClientID, localUserID, localClientID, wire string) {
	c, ok := r.lookup(localUserID, localClientID)
	if !ok {
		slog.Warn("econnd: dropping inbound message for unknown local connection", "user", localUserID, "client", localClientID)
		return
	}
	msg, err := message.Decode(time.Now(), time.Now(), []byte(wire))
	if err != nil {
		slog.Warn("econnd: dropping undecodable inbound message", "error", err)
		return
	}
	if err := c.Dispatch(ctx, senderUserID, senderClientID, msg); err != nil {
		slog.Warn("econnd: dispatch failed", "error", err)
	}
}

// buildTransportFactory returns the api.TransportFactory matching
// cfg.Transport, plus an optional cleanup to run on shutdown.
func buildTransportFactory(cfg *config.DaemonConfig, router *dispatchRouter) (api.TransportFactory, func(), error) {
	switch cfg.Transport {
	case "memory":
		factory := func(localUserID, localClientID, remoteUserID, remoteClientID, _ string, _ int) (conn.Transport, error) {
			if remoteUserID == "" || remoteClientID == "" {
				return nil, fmt.Errorf("econnd: memory transport requires remote_user_id/remote_client_id")
			}
			return memoryEndpoint{router: router, selfUser: localUserID, selfClient: localClientID, peerUser: remoteUserID, peerClient: remoteClientID}, nil
		}
		return factory, nil, nil

	case "sip":
		listener, err := sipmsg.NewListener(cfg.SIPBindAddr, cfg.SIPPort)
		if err != nil {
			return nil, nil, fmt.Errorf("econnd: create sip listener: %w", err)
		}
		listener.OnMessage(router.deliver)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := listener.ListenAndServe(ctx, "udp"); err != nil {
				slog.Error("econnd: sip listener stopped", "error", err)
			}
		}()

		factory := func(localUserID, localClientID, remoteUserID, remoteClientID, remoteHost string, remotePort int) (conn.Transport, error) {
			if remoteHost == "" || remotePort == 0 {
				return nil, fmt.Errorf("econnd: sip transport requires remote_host/remote_port")
			}
			if remoteUserID == "" || remoteClientID == "" {
				return nil, fmt.Errorf("econnd: sip transport requires remote_user_id/remote_client_id")
			}
			return sipmsg.NewEndpoint(listener, localUserID, localClientID, remoteUserID, remoteClientID, remoteHost, remotePort), nil
		}
		cleanup := func() {
			cancel()
			_ = listener.Close()
		}
		return factory, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("econnd: unknown transport %q (want memory or sip)", cfg.Transport)
	}
}

// memoryEndpoint is a conn.Transport that hands off to another
// connection registered in the same process's dispatchRouter. Sending
// is decoupled onto its own goroutine, matching the contract every
// Transport here follows: never call back into the target connection
// from the sender's own call stack.
type memoryEndpoint struct {
	router               *dispatchRouter
	selfUser, selfClient string
	peerUser, peerClient string
}

func (e memoryEndpoint) Send(ctx context.Context, wire string) error {
	go e.router.deliver(context.Background(), e.selfUser, e.selfClient, e.peerUser, e.peerClient, wire)
	return nil
}
