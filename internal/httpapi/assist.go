package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/lucafier/wrenchmate/internal/live"
)

type startSessionRequest struct {
	Mode string `json:"mode"`
}

type frameRequest struct {
	// Data is a base64 JPEG. When omitted the daemon snaps a frame from its
	// own video source instead.
	Data string `json:"data,omitempty"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	mode := live.Mode(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = live.ModeStream
	}
	if mode != live.ModeStream && mode != live.ModeStatic {
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be stream or static")
		return
	}

	s.mu.Lock()
	prev := s.current
	if prev != nil {
		// Connecting counts as active. Only idle and errored sessions
		// may be replaced.
		if st := prev.Snapshot().State; st != live.StateIdle && st != live.StateError {
			s.mu.Unlock()
			respondError(w, http.StatusConflict, "session_active", "a live session is already running")
			return
		}
	}
	sess := s.factory(s.transcript.append)
	s.current = sess
	s.mu.Unlock()

	// A replaced controller is single-use; stop it for good so a racing
	// Start on it cannot grab the microphone or a socket.
	if prev != nil {
		prev.Stop()
	}

	if err := sess.Start(mode); err != nil {
		switch {
		case errors.Is(err, live.ErrNoCredential):
			respondError(w, http.StatusServiceUnavailable, "not_configured", err.Error())
		case errors.Is(err, live.ErrConnection):
			respondError(w, http.StatusBadGateway, "connect_failed", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "start_failed", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleStopSession(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	respondJSON(w, http.StatusOK, s.sessionStatus())
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.sessionStatus())
}

func (s *Server) sessionStatus() live.Status {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return live.Status{State: live.StateIdle}
	}
	return sess.Snapshot()
}

func (s *Server) handleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		respondError(w, http.StatusConflict, "no_session", "no live session")
		return
	}

	var req frameRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if strings.TrimSpace(req.Data) == "" {
		if err := sess.SnapStaticImage(); err != nil {
			respondError(w, http.StatusConflict, "frame_unavailable", err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]any{"submitted": "snapshot"})
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_frame", "data must be base64")
		return
	}
	sess.SendStaticImage(payload)
	respondJSON(w, http.StatusAccepted, map[string]any{"submitted": "inline"})
}

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"lines": s.transcript.recent()})
}
