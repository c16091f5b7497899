package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/stepgate/internal/auth"
	"github.com/mattjoyce/stepgate/internal/protocol"
)

// headerRequestID carries the caller's optional correlation token.
const headerRequestID = "X-Request-Id"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	m := s.manifest.Build()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Version:       m.Version,
		Steps:         len(m.Steps),
	})
}

// handleManifest serves the manifest with its digest as a strong ETag.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	m := s.manifest.Build()
	if m.Digest != "" {
		etag := `"` + m.Digest + `"`
		w.Header().Set("ETag", etag)
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	respondJSON(w, http.StatusOK, m)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// handleRunStep runs the step named in the path. The body is the payload.
func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	payload, err := protocol.DecodePayload(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := &protocol.WorkRequest{
		StepID:    chi.URLParam(r, "stepID"),
		Payload:   payload,
		RequestID: r.Header.Get(headerRequestID),
	}
	s.dispatch(w, r, req)
}

// handleRun runs a full work request taken from the body.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "empty request body")
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(headerRequestID)
	}
	s.dispatch(w, r, req)
}

// dispatch runs req and writes its envelope. Every outcome is a 200: step
// failures are reported in the envelope, not the status line.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *protocol.WorkRequest) {
	md, _ := auth.MetadataFromContext(r.Context())
	env := s.dispatcher.Dispatch(r.Context(), req, md)

	w.Header().Set("Content-Type", "application/json")
	if env.RequestID != "" {
		w.Header().Set(headerRequestID, env.RequestID)
	}
	w.WriteHeader(http.StatusOK)
	if err := protocol.EncodeEnvelope(w, env); err != nil {
		s.logger.Error("failed to encode envelope", "step", req.StepID, "error", err)
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
