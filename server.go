package sagaway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Server exposes the start, callback, query, cancel, and stats endpoints
// over plain HTTP. The callback endpoint is the HTTP flavor of the gateway:
// collaborators without a bus connection POST step outcomes here.
type Server struct {
	orchestrator *Orchestrator
	gateway      *Gateway
	monitor      *Monitor
	logger       *zap.Logger
}

func NewServer(orchestrator *Orchestrator, store Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		orchestrator: orchestrator,
		gateway:      NewGateway(nil, orchestrator, logger),
		monitor:      NewMonitor(store),
		logger:       logger,
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sagas", s.handleStartSaga)
	mux.HandleFunc("POST /api/callbacks", s.handleCallback)
	mux.HandleFunc("GET /api/instances", s.handleQueryInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/history", s.handleGetHistory)
	mux.HandleFunc("POST /api/instances/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/stats", s.handleGetStats)

	return mux
}

type startSagaRequest struct {
	DefinitionID  string          `json:"definition_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

type startSagaResponse struct {
	InstanceID string `json:"instance_id"`
}

func (s *Server) handleStartSaga(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req startSagaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	instanceID, err := s.orchestrator.StartSaga(ctx, req.DefinitionID, req.CorrelationID, req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(startSagaResponse{InstanceID: instanceID})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var event CompletionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.gateway.Dispatch(ctx, event); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	instance, err := s.orchestrator.GetInstance(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(instance)
}

func (s *Server) handleQueryInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		http.Error(w, "correlation_id query parameter is required", http.StatusBadRequest)
		return
	}

	instances, err := s.orchestrator.store.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(instances)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	history, err := s.orchestrator.History(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(history)
}

type cancelRequestBody struct {
	RequestedBy string  `json:"requested_by"`
	Reason      *string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req cancelRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.orchestrator.Cancel(ctx, id, req.RequestedBy, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.monitor.Stats(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var validation *ValidationError

	switch {
	case errors.As(err, &validation):
		http.Error(w, validation.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrEntityNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Internal error: %v", err), http.StatusInternalServerError)
	}
}
