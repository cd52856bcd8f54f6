package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/chatrelay/internal/contract"
	"github.com/tokligence/chatrelay/internal/event"
	"github.com/tokligence/chatrelay/internal/health"
	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/relay"
	"github.com/tokligence/chatrelay/internal/store"
	"github.com/tokligence/chatrelay/internal/upstream"
)

// Relay runs one chat task against the provider.
type Relay interface {
	Run(ctx context.Context, task *relay.Task, sink relay.Sink) relay.State
}

// Canceller stops running chat tasks.
type Canceller interface {
	Cancel(taskID, userID string) error
}

// Uploader forwards documents to the provider.
type Uploader interface {
	UploadFile(ctx context.Context, up upstream.Upload) (upstream.UploadedFile, error)
}

// ContractStore reads and records contract extractions.
type ContractStore interface {
	List(ctx context.Context, userID, contractNumber string) ([]store.Contract, error)
	Save(ctx context.Context, userID, fileID string, info *event.ContractInfo, timeline []event.TimelineEntry) (contract.SaveResult, error)
}

// HealthChecker reports dependency health.
type HealthChecker interface {
	Check(ctx context.Context) health.HealthStatus
}

// Deps are the collaborators behind the HTTP surface. Relay and Tasks are
// required; the rest disable their endpoints when nil.
type Deps struct {
	Relay          Relay
	Tasks          Canceller
	Uploader       Uploader
	Contracts      ContractStore
	Health         HealthChecker
	Metrics        http.Handler
	UploadMaxBytes int64
}

// Server exposes the relay over HTTP.
type Server struct {
	relay          Relay
	tasks          Canceller
	uploader       Uploader
	contracts      ContractStore
	health         HealthChecker
	metrics        http.Handler
	uploadMaxBytes int64

	logger   *log.Logger
	logLevel string
}

// New constructs the server.
func New(deps Deps) (*Server, error) {
	if deps.Relay == nil || deps.Tasks == nil {
		return nil, errors.New("httpserver: relay and task registry required")
	}
	if deps.UploadMaxBytes <= 0 {
		deps.UploadMaxBytes = 15 << 20
	}
	return &Server{
		relay:          deps.Relay,
		tasks:          deps.Tasks,
		uploader:       deps.Uploader,
		contracts:      deps.Contracts,
		health:         deps.Health,
		metrics:        deps.Metrics,
		uploadMaxBytes: deps.UploadMaxBytes,
		logger:         log.New(io.Discard, "", 0),
	}, nil
}

// SetLogger configures server-level logger and verbosity ("debug", "info").
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	endpoints := []protocol.Endpoint{newChatEndpoint(s), newStatusEndpoint(s)}
	if s.uploader != nil {
		endpoints = append(endpoints, newFilesEndpoint(s))
	}
	if s.contracts != nil {
		endpoints = append(endpoints, newContractsEndpoint(s))
	}
	s.registerEndpoints(r, endpoints...)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		s.debugf("registering endpoint %s", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// envelope is the {code, message, data} body used by the stop and upload
// endpoints.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (s *Server) respondEnvelope(w http.ResponseWriter, status int, message string, data any) {
	s.respondJSON(w, status, envelope{Code: status, Message: message, Data: data})
}
