package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/shehryarbajwa/docfetch/pkg/models"
)

// Registry maps each session key to at most one live Session. It is safe
// for concurrent use; per-key command ordering is the caller's job.
type Registry struct {
	mu       sync.Mutex
	sessions map[models.SessionKey]*Session
	root     string
	opts     *Options
}

// NewRegistry creates a registry whose session directories live under root.
func NewRegistry(root string, opts Options) (*Registry, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create downloads root: %w", err)
	}
	if opts.Detector.Clock == nil {
		opts.Detector.Clock = realClock{}
	}
	return &Registry{
		sessions: make(map[models.SessionKey]*Session),
		root:     root,
		opts:     &opts,
	}, nil
}

// Root returns the downloads root.
func (r *Registry) Root() string { return r.root }

// Resolve returns the live session for key, creating a fresh one when there
// is none or the existing one is closed.
func (r *Registry) Resolve(key models.SessionKey) (*Session, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok && s.Phase() != models.PhaseClosed {
		return s, nil
	}

	dir := filepath.Join(r.root, DirName(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	s := newSession(key, dir, r.opts)
	r.sessions[key] = s
	log.Printf("✓ session[%s] created (%s)", key, s.id[:8])
	return s, nil
}

// Lookup returns the session for key without creating one.
func (r *Registry) Lookup(key models.SessionKey) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Open starts the workflow for key. A session that already left the created
// phase is torn down and replaced so the workflow restarts from the portal
// entry page.
func (r *Registry) Open(ctx context.Context, key models.SessionKey) (*Session, error) {
	s, err := r.Resolve(key)
	if err != nil {
		return nil, err
	}
	if s.Phase() != models.PhaseCreated {
		r.Destroy(key)
		if s, err = r.Resolve(key); err != nil {
			return nil, err
		}
	}
	return s, s.Open(ctx)
}

// Destroy closes the session for key, if any, and forgets it. Close errors
// are logged, never returned.
func (r *Registry) Destroy(key models.SessionKey) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		log.Printf("⚠️ session[%s] close failed: %v", key, err)
	}
}

// List returns a status snapshot of every known session ordered by key.
func (r *Registry) List() []models.SessionStatus {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]models.SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lead != out[j].Lead {
			return out[i].Lead < out[j].Lead
		}
		return out[i].App < out[j].App
	})
	return out
}

// CloseAll destroys every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	keys := make([]models.SessionKey, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.Destroy(k)
	}
}

// ValidateKey rejects keys with an empty component.
func ValidateKey(key models.SessionKey) error {
	if key.Lead == "" || key.App == "" {
		return fmt.Errorf("%w: lead and app are required", ErrInvalidKey)
	}
	return nil
}

// DirName maps a key to its directory name. The mapping is injective, so
// distinct keys never share a directory, and the result never contains a
// path separator. Uppercase letters are escaped too, so names stay distinct
// on case-insensitive filesystems.
func DirName(key models.SessionKey) string {
	return escapeComponent(key.Lead) + "_" + escapeComponent(key.App)
}

// UnlockedName is the file name of the decrypted artifact for key.
func UnlockedName(key models.SessionKey, ext string) string {
	return "unlocked_" + DirName(key) + ext
}

func escapeComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', '0' <= c && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}
