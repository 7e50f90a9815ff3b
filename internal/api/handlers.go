package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/docfetch/internal/archive"
	"github.com/shehryarbajwa/docfetch/internal/ratelimit"
	"github.com/shehryarbajwa/docfetch/internal/session"
	"github.com/shehryarbajwa/docfetch/pkg/models"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	registry *session.Registry
	client   *http.Client
	locks    keyLocks
	limiter  *ratelimit.Limiter
	// internal reports in-progress downloads and hidden bookkeeping files,
	// left out of archives
	internal func(name string) bool
}

// NewHandler creates a new HTTP handler
func NewHandler(registry *session.Registry, partialSuffix string) *Handler {
	return &Handler{
		registry: registry,
		client:   &http.Client{Timeout: 15 * time.Second},
		internal: func(name string) bool {
			if strings.HasPrefix(name, ".") {
				return true
			}
			return partialSuffix != "" && strings.HasSuffix(name, partialSuffix)
		},
	}
}

func sessionKey(r *http.Request) models.SessionKey {
	vars := mux.Vars(r)
	return models.SessionKey{Lead: vars["lead"], App: vars["app"]}
}

// InitSession handles POST /v1/sessions/{lead}/{app}/init
func (h *Handler) InitSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	defer h.locks.lock(key)()

	sess, err := h.registry.Open(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.PhaseResponse{Phase: sess.Phase()})
}

// ChallengeSource handles GET /v1/sessions/{lead}/{app}/captcha-url
func (h *Handler) ChallengeSource(w http.ResponseWriter, r *http.Request) {
	challenge, ok := h.readChallenge(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, models.ChallengeSourceResponse{Src: challenge.Source})
}

// ChallengeImage handles GET /v1/sessions/{lead}/{app}/captcha-image
func (h *Handler) ChallengeImage(w http.ResponseWriter, r *http.Request) {
	challenge, ok := h.readChallenge(w, r)
	if !ok {
		return
	}

	if challenge.Kind == session.ChallengeInline {
		w.Header().Set("Content-Type", challenge.MediaType)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Write(challenge.Data)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, challenge.Source, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		writeError(w, fmt.Errorf("%w: fetch challenge image: %w", session.ErrDriverFailure, err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeError(w, fmt.Errorf("%w: challenge image returned %s", session.ErrDriverFailure, resp.Status))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	io.Copy(w, resp.Body)
}

func (h *Handler) readChallenge(w http.ResponseWriter, r *http.Request) (*session.Challenge, bool) {
	key := sessionKey(r)
	defer h.locks.lock(key)()

	sess, err := h.registry.Resolve(key)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	challenge, err := sess.ReadChallengeImage(r.Context())
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return challenge, true
}

// SubmitIdentifier handles POST /v1/sessions/{lead}/{app}/identifier
func (h *Handler) SubmitIdentifier(w http.ResponseWriter, r *http.Request) {
	var req models.IdentifierRequest
	if !decode(w, r, &req) {
		return
	}
	key := sessionKey(r)
	defer h.locks.lock(key)()

	sess, err := h.registry.Resolve(key)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.SubmitIdentifier(r.Context(), req.Identifier); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.PhaseResponse{Phase: sess.Phase()})
}

// SubmitChallenge handles POST /v1/sessions/{lead}/{app}/challenge
func (h *Handler) SubmitChallenge(w http.ResponseWriter, r *http.Request) {
	var req models.ChallengeRequest
	if !decode(w, r, &req) {
		return
	}
	key := sessionKey(r)
	defer h.locks.lock(key)()

	sess, err := h.registry.Resolve(key)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.SubmitChallenge(r.Context(), req.Challenge); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.PhaseResponse{Phase: sess.Phase()})
}

// SubmitCode handles POST /v1/sessions/{lead}/{app}/code and responds with
// the downloaded artifact.
func (h *Handler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	var req models.CodeRequest
	if !decode(w, r, &req) {
		return
	}
	key := sessionKey(r)
	defer h.locks.lock(key)()

	sess, err := h.registry.Resolve(key)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := sess.SubmitCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	serveAttachment(w, r, path)
}

// Unlock handles POST /v1/sessions/{lead}/{app}/unlock and responds with the
// decrypted artifact.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req models.UnlockRequest
	if !decode(w, r, &req) {
		return
	}
	key := sessionKey(r)
	defer h.locks.lock(key)()

	sess, err := h.registry.Resolve(key)
	if err != nil {
		writeError(w, err)
		return
	}
	path, err := sess.Unlock(r.Context(), req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	serveAttachment(w, r, path)
}

// Status handles GET /v1/sessions/{lead}/{app}/status. A key with no
// registered session reports the created phase without allocating one.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if err := session.ValidateKey(key); err != nil {
		writeError(w, err)
		return
	}
	sess, ok := h.registry.Lookup(key)
	if !ok {
		writeJSON(w, http.StatusOK, models.SessionStatus{Lead: key.Lead, App: key.App, Phase: models.PhaseCreated})
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// DestroySession handles DELETE /v1/sessions/{lead}/{app}
func (h *Handler) DestroySession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	defer h.locks.lock(key)()

	h.registry.Destroy(key)
	if h.limiter != nil {
		h.limiter.Prune()
	}
	writeJSON(w, http.StatusOK, models.ClosedResponse{Closed: true})
}

// Archive handles GET /v1/sessions/{lead}/{app}/archive
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if err := session.ValidateKey(key); err != nil {
		writeError(w, err)
		return
	}

	dir := filepath.Join(h.registry.Root(), session.DirName(key))
	if _, err := os.Stat(dir); err != nil {
		http.Error(w, "Session directory not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", session.DirName(key)+".tar.gz"))
	if err := archive.Write(w, dir, h.internal); err != nil {
		log.Printf("⚠️ archive for %s failed: %v", key, err)
	}
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.registry.List()),
	})
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return false
	}
	return true
}

func serveAttachment(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the session error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidPhase), errors.Is(err, session.ErrNoArtifact):
		status = http.StatusConflict
	case errors.Is(err, session.ErrWrongPassword):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrUnreadableDocument):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrPortalUnreachable),
		errors.Is(err, session.ErrChallengeControlUnavailable),
		errors.Is(err, session.ErrUnexpectedChallengeFormat):
		status = http.StatusBadGateway
	case errors.Is(err, session.ErrDownloadTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, session.ErrCapacity):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("❌ %v", err)
	}
	writeJSON(w, status, models.ErrorResponse{Error: err.Error(), Kind: session.Kind(err)})
}
