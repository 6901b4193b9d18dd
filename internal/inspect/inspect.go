// Package inspect serves read-only session state and Prometheus metrics.
package inspect

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loykin/devsession/internal/backend"
	"github.com/loykin/devsession/internal/metrics"
)

// DefaultAddr is where the inspect endpoint listens when enabled.
const DefaultAddr = "127.0.0.1:9090"

// State exposes what the endpoint reports.
type State interface {
	All() []backend.Backend
}

type backendsResp struct {
	Session  string            `json:"session,omitempty"`
	Image    string            `json:"image"`
	Backends []backend.Backend `json:"backends"`
}

// Server is an echo instance bound to one session.
type Server struct {
	e    *echo.Echo
	addr string
}

// New builds the endpoint. image returns the current image id.
func New(addr, session string, state State, image func() string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})
	e.GET("/backends", func(c echo.Context) error {
		resp := backendsResp{Session: session, Backends: state.All()}
		if image != nil {
			resp.Image = image()
		}
		return c.JSON(http.StatusOK, resp)
	})
	return &Server{e: e, addr: addr}
}

func (s *Server) Handler() http.Handler { return s.e }

// Start serves until Shutdown and returns nil on a clean stop.
func (s *Server) Start() error {
	if err := s.e.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
