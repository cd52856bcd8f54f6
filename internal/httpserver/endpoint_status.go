package httpserver

import (
	"net/http"

	"github.com/tokligence/chatrelay/internal/health"
	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/version"
)

type statusEndpoint struct {
	server *Server
}

func newStatusEndpoint(server *Server) protocol.Endpoint {
	return &statusEndpoint{server: server}
}

func (e *statusEndpoint) Name() string { return "status" }

func (e *statusEndpoint) Routes() []protocol.EndpointRoute {
	routes := []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.handleHealth)},
	}
	if e.server.metrics != nil {
		routes = append(routes, protocol.EndpointRoute{Method: http.MethodGet, Path: "/metrics", Handler: e.server.metrics})
	}
	return routes
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy), "version": version.Info()})
		return
	}
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}
