// Package server is the local spawn proxy an application under development
// calls instead of the control plane.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devsession/internal/remote"
)

// DefaultAddr is the well-known local address of the spawn proxy.
const DefaultAddr = "127.0.0.1:7070"

// SpawnPath is the only route the proxy serves.
const SpawnPath = "/user/:account/service/:service/spawn"

// Spawner performs a spawn on behalf of the proxy.
type Spawner interface {
	Spawn(ctx context.Context, req remote.SpawnRequest) (remote.SpawnResult, error)
}

// Identity is the account and service the session is bound to.
type Identity struct {
	Account string
	Service string
}

// Router validates spawn requests against an Identity and forwards them.
type Router struct {
	spawner  Spawner
	identity Identity
	logger   *slog.Logger
}

func NewRouter(spawner Spawner, identity Identity, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{spawner: spawner, identity: identity, logger: logger.With("component", "proxy")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.HandleMethodNotAllowed = false
	g.NoRoute(notFound)
	g.NoMethod(notFound)
	g.POST(SpawnPath, r.handleSpawn)
	return g
}

func (r *Router) handleSpawn(c *gin.Context) {
	account, service := c.Param("account"), c.Param("service")
	if account != r.identity.Account || service != r.identity.Service {
		r.logger.Warn("spawn rejected: identity mismatch", "account", account, "service", service)
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "account or service does not match this session"})
		return
	}

	req := parseSpawnRequest(c.Request.Body)
	req.Service = r.identity.Service

	res, err := r.spawner.Spawn(c.Request.Context(), req)
	if err != nil {
		r.logger.Warn("spawn failed", "error", err)
		writeText(c, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// parseSpawnRequest decodes body leniently: anything that is not a JSON
// object of the expected shape yields an empty request.
func parseSpawnRequest(body io.Reader) remote.SpawnRequest {
	var req remote.SpawnRequest
	if body == nil {
		return req
	}
	b, err := io.ReadAll(body)
	if err != nil || len(b) == 0 {
		return req
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return remote.SpawnRequest{}
	}
	return req
}

// Server runs the proxy for the lifetime of a session.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// NewServer binds addr and prepares the proxy. Serving starts with Start.
func NewServer(addr string, r *Router) (*Server, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           r.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Start serves until Shutdown and returns nil on a clean stop.
func (s *Server) Start() error {
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Close releases the listener without draining. It is safe before Start and
// after Shutdown.
func (s *Server) Close() error {
	err := s.srv.Close()
	if lerr := s.ln.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
		err = lerr
	}
	return err
}
