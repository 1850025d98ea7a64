package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tkarna/visor/internal/adapter/gateway/ws"
	"github.com/tkarna/visor/internal/service"
)

type Server struct {
	mux      *http.ServeMux
	handlers *IngestHandlers
	gateway  *ws.Gateway
}

func NewServer(coord *service.Coordinator, flow *service.Workflow, dispatcher *service.Dispatcher, gateway *ws.Gateway) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		handlers: NewIngestHandlers(coord, flow, dispatcher),
		gateway:  gateway,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /jobs", s.handlers.CreateJob())
	s.mux.HandleFunc("GET /jobs/{id}", s.handlers.GetJob())
	s.mux.HandleFunc("DELETE /jobs/{id}", s.handlers.CancelJob())

	s.mux.Handle("GET /ws", s.gateway)

	s.mux.HandleFunc("GET /healthz", s.handlers.Health())
	s.mux.HandleFunc("GET /debug/stats", s.handlers.Stats())
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) Handler() http.Handler {
	return s.mux
}
