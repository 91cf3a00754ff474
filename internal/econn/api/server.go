// Package api exposes a small JSON control surface over a connection
// registry: create/start a connection, answer one, and end one, over
// plain net/http with no framework in front of it.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sebas/econn/internal/econn/config"
	"github.com/sebas/econn/internal/econn/conn"
	"github.com/sebas/econn/internal/econn/manager"
	"github.com/sebas/econn/internal/econn/props"
	"github.com/sebas/econn/internal/econn/timersvc"
)

// TransportFactory builds the Transport a new connection should use
// to reach one remote peer, given the local and remote identity and
// how to reach the remote side. The daemon supplies this so the API
// stays agnostic to which transport binding (memory, sipmsg, ...) is
// configured; remoteHost/remotePort are ignored by bindings, like
// memory, that have no network address of their own.
type TransportFactory func(localUserID, localClientID, remoteUserID, remoteClientID, remoteHost string, remotePort int) (conn.Transport, error)

// Server is a headless HTTP API over a manager.Registry.
type Server struct {
	addr       string
	registry   *manager.Registry
	transports TransportFactory
	cfg        config.Config
	httpServer *http.Server
	startTime  time.Time
	onCreated  func(*conn.Connection)
}

// OnCreated registers fn to run on every connection this server
// creates, right after the registry assigns it, before Start is
// called. Transport bindings that must route inbound traffic back to
// the right local connection (a same-process switch, a shared SIP
// listener) use this to register themselves; nil is a no-op.
func (s *Server) OnCreated(fn func(*conn.Connection)) {
	s.onCreated = fn
}

// NewServer creates an API server bound to addr, creating connections
// through registry using transports to build each one's Transport.
func NewServer(addr string, registry *manager.Registry, transports TransportFactory, cfg config.Config) *Server {
	s := &Server{
		addr:       addr,
		registry:   registry,
		transports: transports,
		cfg:        cfg,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/connections", s.handleConnections)
	mux.HandleFunc("/api/v1/connections/", s.handleConnectionByID)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins listening for HTTP requests in the background.
func (s *Server) Start() error {
	slog.Info("econn: starting control API", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("econn: control API server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":      "ok",
		"uptime":      int64(time.Since(s.startTime).Seconds()),
		"connections": s.registry.Count(),
	})
}

// startRequest is the body of POST /api/v1/connections.
type startRequest struct {
	UserID         string     `json:"user_id"`
	ClientID       string     `json:"client_id"`
	RemoteUserID   string     `json:"remote_user_id"`
	RemoteClientID string     `json:"remote_client_id"`
	RemoteHost     string     `json:"remote_host"`
	RemotePort     int        `json:"remote_port"`
	SDP            string     `json:"sdp"`
	Props          props.Dict `json:"props"`
	// Listen, when true, creates the connection in IDLE without
	// sending SETUP, for an operator expecting an inbound call from
	// (RemoteUserID, RemoteClientID) rather than placing one.
	Listen bool `json:"listen"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		type summary struct {
			ID    string `json:"id"`
			State string `json:"state"`
		}
		list := s.registry.List()
		out := make([]summary, 0, len(list))
		for _, c := range list {
			out = append(out, summary{ID: c.ID(), State: c.GetState().String()})
		}
		s.writeJSON(w, out)

	case http.MethodPost:
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.ClientID == "" {
			http.Error(w, "user_id and client_id are required", http.StatusBadRequest)
			return
		}

		tp, err := s.transports(req.UserID, req.ClientID, req.RemoteUserID, req.RemoteClientID, req.RemoteHost, req.RemotePort)
		if err != nil {
			http.Error(w, "transport unavailable: "+err.Error(), http.StatusBadGateway)
			return
		}

		c, err := s.registry.New(req.UserID, req.ClientID, s.cfg, tp, nil, timersvc.NewService())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.onCreated != nil {
			s.onCreated(c)
		}
		if !req.Listen {
			if err := c.Start(r.Context(), req.SDP, req.Props); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
		}
		s.writeJSON(w, map[string]string{"id": c.ID(), "state": c.GetState().String()})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// actionRequest is the body of POST /api/v1/connections/{id}/answer.
type actionRequest struct {
	SDP   string     `json:"sdp"`
	Props props.Dict `json:"props"`
}

func (s *Server) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/connections/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" || action == "" {
		http.Error(w, "expected /api/v1/connections/{id}/{action}", http.StatusBadRequest)
		return
	}

	c, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}

	var err error
	switch action {
	case "answer":
		var req actionRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		err = c.Answer(r.Context(), req.SDP, req.Props)
	case "end":
		err = c.End(r.Context())
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]string{"id": c.ID(), "state": c.GetState().String()})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("econn: failed to encode JSON response", "error", err)
	}
}
