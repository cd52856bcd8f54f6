package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/upstream"
)

type filesEndpoint struct {
	server *Server
}

func newFilesEndpoint(server *Server) protocol.Endpoint {
	return &filesEndpoint{server: server}
}

func (e *filesEndpoint) Name() string { return "files" }

func (e *filesEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/files/upload", Handler: http.HandlerFunc(e.server.handleUpload)},
	}
}

// handleUpload buffers the multipart "file" part so the provider call can be
// retried, then forwards it with the caller's userId.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadMaxBytes+1<<20)
	if err := r.ParseMultipartForm(s.uploadMaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondEnvelope(w, http.StatusRequestEntityTooLarge, "file too large", nil)
			return
		}
		s.respondEnvelope(w, http.StatusBadRequest, "multipart form expected", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	userID := strings.TrimSpace(firstNonEmpty(r.FormValue("userId"), r.FormValue("user")))
	if userID == "" {
		s.respondEnvelope(w, http.StatusBadRequest, "userId is required", nil)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		s.respondEnvelope(w, http.StatusBadRequest, "file is required", nil)
		return
	}
	defer file.Close()
	if hdr.Size > s.uploadMaxBytes {
		s.respondEnvelope(w, http.StatusRequestEntityTooLarge, "file too large", nil)
		return
	}
	contentType := hdr.Header.Get("Content-Type")
	if !upstream.SupportedUpload(hdr.Filename, contentType) {
		s.respondEnvelope(w, http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported file type: %s", hdr.Filename), nil)
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		s.respondEnvelope(w, http.StatusBadRequest, "read upload failed", nil)
		return
	}

	uploaded, err := s.uploader.UploadFile(r.Context(), upstream.Upload{
		FileName:    hdr.Filename,
		ContentType: contentType,
		Data:        data,
		User:        userID,
	})
	if err != nil {
		status := http.StatusBadGateway
		if upstream.IsRejected(err) {
			status = http.StatusBadRequest
		}
		s.logger.Printf("upload %s for user=%s failed: %v", hdr.Filename, userID, err)
		s.respondEnvelope(w, status, err.Error(), nil)
		return
	}
	s.debugf("upload: user=%s file=%s id=%s size=%d", userID, hdr.Filename, uploaded.ID, uploaded.Size)
	s.respondEnvelope(w, http.StatusOK, "success", uploaded)
}
