// Package api exposes the service over HTTP: the scheduler-triggered
// sync endpoint, the viewer snapshot refresh, and the identity
// verification flow.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emberhollow/voicesync/internal/config"
	"github.com/emberhollow/voicesync/internal/query"
	"github.com/emberhollow/voicesync/internal/repository"
	"github.com/emberhollow/voicesync/internal/snapshot"
	"github.com/emberhollow/voicesync/internal/verification"
)

// SyncSecretHeader carries the shared secret of the scheduled trigger.
const SyncSecretHeader = "X-Sync-Token"

// Syncer is the slice of the engine the handlers need.
type Syncer interface {
	RunAll(ctx context.Context) (*snapshot.Snapshot, error)
	Refresh(ctx context.Context) (*snapshot.Snapshot, error)
}

// Verifier is the slice of the verification service the handlers need.
type Verifier interface {
	Request(ctx context.Context, profileID, uniqueID, serverID string) (*verification.RequestResult, error)
	Confirm(ctx context.Context, profileID, uniqueID, token, serverID string) (*verification.ConfirmResult, error)
	Unlink(ctx context.Context, profileID, uniqueID, serverID string) (int, error)
}

type Server struct {
	cfg      *config.Config
	engine   Syncer
	verifier Verifier
	profiles repository.ProfileRepository
	path     string
}

func NewServer(cfg *config.Config, engine Syncer, verifier Verifier, profiles repository.ProfileRepository, snapshotPath string) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		verifier: verifier,
		profiles: profiles,
		path:     snapshotPath,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /snapshot", s.requireUser(s.handleSnapshot))
	mux.HandleFunc("POST /verification/request", s.requireUser(s.handleVerificationRequest))
	mux.HandleFunc("POST /verification/confirm", s.requireUser(s.handleVerificationConfirm))
	mux.HandleFunc("POST /verification/unlink", s.requireUser(s.handleVerificationUnlink))
	return mux
}

// handleSync is the scheduler entry point. The shared secret is checked
// before any network activity starts.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get(SyncSecretHeader)
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.SyncSharedSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if _, err := s.engine.RunAll(r.Context()); err != nil {
		slog.Error("scheduled sync failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "sync failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": s.path})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, _ *repository.Profile) {
	snap, err := s.engine.Refresh(r.Context())
	if err != nil {
		slog.Error("snapshot refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "snapshot unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type verificationBody struct {
	UniqueID string `json:"uniqueId"`
	Token    string `json:"token"`
	ServerID string `json:"serverId"`
}

func (s *Server) handleVerificationRequest(w http.ResponseWriter, r *http.Request, profile *repository.Profile) {
	var body verificationBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.verifier.Request(r.Context(), profile.ID, body.UniqueID, body.ServerID)
	if err != nil {
		writeVerificationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "sent",
		"serverId":       res.ServerID,
		"clientId":       res.ClientID,
		"uniqueId":       res.UniqueID,
		"tokenExpiresAt": res.TokenExpiresAt,
	})
}

func (s *Server) handleVerificationConfirm(w http.ResponseWriter, r *http.Request, profile *repository.Profile) {
	var body verificationBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.verifier.Confirm(r.Context(), profile.ID, body.UniqueID, body.Token, body.ServerID)
	if err != nil {
		writeVerificationError(w, err)
		return
	}
	payload := map[string]any{
		"status":         "confirmed",
		"serverId":       res.ServerID,
		"uniqueId":       res.UniqueID,
		"identities":     res.Identities,
		"groupsAssigned": res.GroupsAssigned,
	}
	if res.AssignmentSkippedReason != "" {
		payload["assignmentSkippedReason"] = res.AssignmentSkippedReason
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleVerificationUnlink(w http.ResponseWriter, r *http.Request, profile *repository.Profile) {
	var body verificationBody
	if !decodeBody(w, r, &body) {
		return
	}
	removed, err := s.verifier.Unlink(r.Context(), profile.ID, body.UniqueID, body.ServerID)
	if err != nil {
		writeVerificationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unlinked", "removed": removed})
}

type userHandler func(http.ResponseWriter, *http.Request, *repository.Profile)

// requireUser resolves the bearer token to a profile. Everything past
// this boundary is an authenticated end user.
func (s *Server) requireUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		profile, err := s.profiles.GetProfileBySessionToken(r.Context(), token)
		if err != nil {
			slog.Error("session lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if profile == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, profile)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// writeVerificationError maps service failures to a small set of
// stable codes. Raw protocol fault text never reaches the caller.
func writeVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, verification.ErrBadInput):
		writeError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, verification.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "invalid or expired token")
	case errors.Is(err, verification.ErrAlreadyLinked):
		writeError(w, http.StatusBadRequest, "identity already linked")
	case errors.Is(err, verification.ErrLinkedToOther):
		writeError(w, http.StatusBadRequest, "identity linked to another account")
	case errors.Is(err, verification.ErrBanned):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, verification.ErrClientNotOnline):
		writeError(w, http.StatusNotFound, "client not online")
	case errors.Is(err, query.ErrConnection), errors.Is(err, query.ErrAuth), errors.Is(err, query.ErrRouting):
		slog.Error("verification voice-server failure", "error", err)
		writeError(w, http.StatusBadGateway, "voice server unavailable")
	default:
		var qe *query.QueryError
		if errors.As(err, &qe) {
			slog.Error("verification protocol fault", "fault_id", qe.ID, "error", err)
			writeError(w, http.StatusBadGateway, "voice server error")
			return
		}
		slog.Error("verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
