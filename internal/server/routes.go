package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/chatrelay/internal/middleware"
)

// RegisterRoutes sets up the routes for the server.
func (s *Server) RegisterRoutes() {
	s.E.GET(s.Cfg.WSPath, s.wsHandler.Serve, middleware.ConnectLimiter(s.Cfg.ConnectRateLimit))
	s.E.GET("/healthz", s.healthHandler)
	s.E.GET("/presence", s.presenceHandler)
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.Hub.Sessions(),
	})
}

// presenceHandler lists the identities active within the presence window.
func (s *Server) presenceHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Registry.Snapshot())
}
