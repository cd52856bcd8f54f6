package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/chatrelay/internal/cancel"
	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/relay"
)

type chatEndpoint struct {
	server *Server
}

func newChatEndpoint(server *Server) protocol.Endpoint {
	return &chatEndpoint{server: server}
}

func (e *chatEndpoint) Name() string { return "chat" }

func (e *chatEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/chat", Handler: http.HandlerFunc(e.server.handleChat)},
		{Method: http.MethodPost, Path: "/chat/{taskId}/stop", Handler: http.HandlerFunc(e.server.handleStop)},
	}
}

type chatRequest struct {
	Query string `json:"query"`
	// Content is accepted as an alias of Query.
	Content        string         `json:"content"`
	UserID         string         `json:"userId"`
	ConversationID string         `json:"conversationId"`
	FileID         string         `json:"fileId"`
	Inputs         map[string]any `json:"inputs"`
}

// flushSink adapts a ResponseWriter to relay.Sink.
type flushSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (f flushSink) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f flushSink) Flush()                      { f.flusher.Flush() }

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		query = strings.TrimSpace(req.Content)
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	if query == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	task := relay.NewTask(req.UserID, query, req.ConversationID, req.FileID)
	task.Inputs = req.Inputs

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Task-Id", task.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.debugf("chat: task=%s user=%s conversation=%q file=%q", task.ID, task.UserID, task.ConversationID, task.UploadFileID)
	state := s.relay.Run(r.Context(), task, flushSink{w: w, flusher: flusher})
	s.logger.Printf("chat task=%s user=%s state=%s upstream_task=%s duration=%s",
		task.ID, task.UserID, state, task.UpstreamID(), time.Since(start).Round(time.Millisecond))
}

type stopRequest struct {
	UserID string `json:"userId"`
	User   string `json:"user"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskId"))
	var req stopRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	userID := strings.TrimSpace(firstNonEmpty(req.UserID, req.User))
	if userID == "" {
		s.respondEnvelope(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	err := s.tasks.Cancel(taskID, userID)
	switch {
	case err == nil:
		s.debugf("stop: task=%s user=%s", taskID, userID)
		s.respondEnvelope(w, http.StatusOK, "stopped", map[string]string{"taskId": taskID})
	case errors.Is(err, cancel.ErrNotFound):
		s.respondEnvelope(w, http.StatusNotFound, "task not found", nil)
	case errors.Is(err, cancel.ErrUserRequired):
		s.respondEnvelope(w, http.StatusBadRequest, "userId is required", nil)
	default:
		s.respondEnvelope(w, http.StatusInternalServerError, err.Error(), nil)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
