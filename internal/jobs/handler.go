package jobs

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

const maxRequestBytes = 1 << 20

// Handler exposes the job routes. When apiKey is non-empty every request must carry
// it in X-API-Key.
type Handler struct {
	svc    *Service
	apiKey string
	mux    *http.ServeMux
	logger *slog.Logger
}

func NewHandler(svc *Service, apiKey string, logger *slog.Logger) *Handler {
	h := &Handler{
		svc:    svc,
		apiKey: apiKey,
		mux:    http.NewServeMux(),
		logger: logger.With(slog.String("component", "jobs-http")),
	}
	h.mux.HandleFunc("POST /v1"+protocol.Endpoint, h.handleSubmit)
	h.mux.HandleFunc("POST "+protocol.Endpoint, h.handleSubmit)
	h.mux.HandleFunc("GET /v1/jobs/{id}", h.handleLookup)
	return h
}

// Handle mounts an extra route behind the same API key check.
func (h *Handler) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(h.apiKey)) != 1 {
		writeJSON(w, http.StatusUnauthorized, protocol.JobAccepted{Error: "unauthorized"})
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.JobAccepted{Error: err.Error()})
		return
	}
	jobID, err := h.svc.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, protocol.JobAccepted{JobID: jobID})
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, protocol.JobAccepted{Error: err.Error()})
	case errors.Is(err, ErrClosed), errors.Is(err, ErrDisabled):
		writeJSON(w, http.StatusServiceUnavailable, protocol.JobAccepted{Error: err.Error()})
	default:
		h.logger.Error("job submission failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, protocol.JobAccepted{Error: "internal error"})
	}
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Lookup(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, view)
	case errors.Is(err, eventstore.ErrNotFound):
		writeJSON(w, http.StatusNotFound, protocol.JobAccepted{Error: err.Error()})
	default:
		h.logger.Error("job lookup failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, protocol.JobAccepted{Error: "internal error"})
	}
}

// decodeRequest rejects unknown fields and trailing data.
func decodeRequest(r io.Reader) (protocol.JobRequest, error) {
	var req protocol.JobRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return req, fmt.Errorf("%w: unexpected data after request", ErrInvalidRequest)
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
