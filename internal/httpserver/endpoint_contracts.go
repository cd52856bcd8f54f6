package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tokligence/chatrelay/internal/contract"
	"github.com/tokligence/chatrelay/internal/event"
	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/store"
)

const maxContractBody = 1 << 20

type contractsEndpoint struct {
	server *Server
}

func newContractsEndpoint(server *Server) protocol.Endpoint {
	return &contractsEndpoint{server: server}
}

func (e *contractsEndpoint) Name() string { return "contracts" }

func (e *contractsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/contracts", Handler: http.HandlerFunc(e.server.handleListContracts)},
		{Method: http.MethodPost, Path: "/contracts", Handler: http.HandlerFunc(e.server.handleAddContract)},
	}
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	contracts, err := s.contracts.List(r.Context(), userID, strings.TrimSpace(r.URL.Query().Get("contractNumber")))
	if err != nil {
		s.logger.Printf("list contracts for user=%s failed: %v", userID, err)
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if contracts == nil {
		contracts = []store.Contract{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"contracts": contracts})
}

type addContractRequest struct {
	FileID string           `json:"fileId"`
	UserID string           `json:"userId"`
	Data   event.Extraction `json:"data"`
}

// handleAddContract records an extraction submitted by a client, with the
// same once-per-file rule the workflow side effect follows. userId is
// optional; contracts saved without one are not returned by the listing.
func (s *Server) handleAddContract(w http.ResponseWriter, r *http.Request) {
	var req addContractRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxContractBody)).Decode(&req); err != nil {
		s.respondEnvelope(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	switch {
	case strings.TrimSpace(req.FileID) == "":
		s.respondEnvelope(w, http.StatusBadRequest, "fileId is required", nil)
		return
	case req.Data.Contract == nil:
		s.respondEnvelope(w, http.StatusBadRequest, "data.contract_info is required", nil)
		return
	}

	res, err := s.contracts.Save(r.Context(), userID, req.FileID, req.Data.Contract, req.Data.Timeline)
	switch {
	case errors.Is(err, contract.ErrFileIDRequired), errors.Is(err, contract.ErrEmptyContract):
		s.respondEnvelope(w, http.StatusBadRequest, err.Error(), nil)
	case err != nil:
		s.logger.Printf("add contract for file=%s user=%s failed: %v", req.FileID, userID, err)
		s.respondEnvelope(w, http.StatusInternalServerError, err.Error(), nil)
	default:
		s.respondEnvelope(w, http.StatusOK, "success", map[string]string{"fileId": strings.TrimSpace(req.FileID), "result": res.String()})
	}
}
