package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
	"github.com/sandboxbroker/sandboxd/internal/metrics"
	"github.com/sandboxbroker/sandboxd/internal/session"
)

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.InvalidInput, "malformed JSON body"))
		return
	}

	networkEnabled := s.defaultNetworkEnabled
	if req.NetworkEnabled != nil {
		networkEnabled = *req.NetworkEnabled
	}

	timer := metrics.NewTimer()
	sessionID, err := s.engine.StartSession(r.Context(), session.StartRequest{
		BaseImage:      req.BaseImage,
		ExtractPatch:   req.ExtractPatch,
		Ephemeral:      req.Ephemeral,
		NetworkEnabled: networkEnabled,
		Environment:    req.Environment,
		MemoryBytes:    req.MemoryBytes,
		CPUs:           req.CPUs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	timer.ObserveDuration(metrics.SessionStartDuration)
	metrics.SessionsStartedTotal.Inc()
	metrics.SessionsActive.Inc()

	writeJSON(w, http.StatusOK, startSessionResponse{SessionID: sessionID})
}

func (s *Server) handleRunSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req runSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.InvalidInput, "malformed JSON body"))
		return
	}

	var archive []byte
	if req.Archive != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Archive)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.InvalidInput, "archive is not valid base64", err))
			return
		}
		archive = decoded
		metrics.ArchiveBytesIn.Observe(float64(len(decoded)))
	}

	resp, err := s.engine.RunOnSession(r.Context(), sessionID, session.RunRequest{
		Commands: req.Commands,
		Workdir:  req.Workdir,
		Archive:  archive,
		FailFast: req.FailFast,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	dto := runSessionResponse{Results: make([]runResultDTO, 0, len(resp.Results))}
	for _, res := range resp.Results {
		dto.Results = append(dto.Results, runResultDTO{Command: res.Command, Output: res.Output, ExitCode: res.ExitCode})
	}
	if resp.Patch != nil {
		encoded := base64.StdEncoding.EncodeToString(resp.Patch)
		dto.Patch = &encoded
	}

	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.engine.CloseSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	metrics.SessionsActive.Dec()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.docker.Ping(r.Context()); err != nil {
		writeError(w, apierr.Wrap(apierr.EngineUnavailable, "engine ping failed", err))
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{Version: s.version})
}
