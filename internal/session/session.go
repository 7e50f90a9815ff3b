package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/docfetch/internal/document"
	"github.com/shehryarbajwa/docfetch/internal/portal"
	"github.com/shehryarbajwa/docfetch/pkg/models"
)

// Selectors locate the portal controls a session drives.
type Selectors struct {
	Identifier     portal.Locator
	Challenge      portal.Locator
	ChallengeImage portal.Locator
	RequestCode    portal.Locator
	Code           portal.Locator
	Verify         portal.Locator
}

// Decrypter writes a plaintext copy of the encrypted document at src to dst.
// It must leave src untouched, and dst untouched on failure.
type Decrypter interface {
	Decrypt(ctx context.Context, src, dst, password string) error
}

// Observer is told about every phase change and every failed step.
type Observer interface {
	Transition(key models.SessionKey, instance string, from, to models.Phase)
	StepFailed(key models.SessionKey, op string, err error)
}

// Options are shared by every session of a registry.
type Options struct {
	EntryURL         string
	Selectors        Selectors
	OpenTimeout      time.Duration
	ChallengeTimeout time.Duration
	CodeTimeout      time.Duration
	Detector         Detector
	Launcher         portal.Launcher
	Decrypter        Decrypter
	Observer         Observer
	// Slots caps live browsers across sessions; nil means no cap.
	Slots *semaphore.Weighted
}

// pointerOffset is where the synthetic click lands before verifying; the
// verify control ignores activation without prior pointer movement.
const pointerOffset = 5

// transitions lists the phases reachable from each phase.
var transitions = map[models.Phase][]models.Phase{
	models.PhaseCreated:            {models.PhaseAwaitingIdentifier, models.PhasePortalError},
	models.PhaseAwaitingIdentifier: {models.PhaseAwaitingChallenge},
	models.PhaseAwaitingChallenge:  {models.PhaseAwaitingCode},
	models.PhaseAwaitingCode:       {models.PhaseDownloading},
	models.PhaseDownloading:        {models.PhaseDownloaded, models.PhaseDownloadError},
}

// CanTransition reports whether a session may move from one phase to another.
// Every phase except closed may move to closed.
func CanTransition(from, to models.Phase) bool {
	if to == models.PhaseClosed {
		return from != models.PhaseClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one browser-driven workflow instance and its artifact.
//
// Steps are not serialised internally: the caller must issue at most one
// step at a time per session. Status, Phase and Close are safe to call
// concurrently with a running step.
type Session struct {
	key  models.SessionKey
	id   string
	dir  string
	opts *Options

	mu        sync.RWMutex
	phase     models.Phase
	artifact  string
	unlocked  string
	driver    portal.Driver
	holdsSlot bool
	createdAt time.Time
	updatedAt time.Time
}

func newSession(key models.SessionKey, dir string, opts *Options) *Session {
	now := time.Now()
	return &Session{
		key:       key,
		id:        uuid.New().String(),
		dir:       dir,
		opts:      opts,
		phase:     models.PhaseCreated,
		createdAt: now,
		updatedAt: now,
	}
}

// Key returns the session key.
func (s *Session) Key() models.SessionKey { return s.key }

// ID identifies this lifecycle; a recreated session under the same key gets
// a new one.
func (s *Session) ID() string { return s.id }

// Dir is the session's download directory.
func (s *Session) Dir() string { return s.dir }

// Phase returns the current phase.
func (s *Session) Phase() models.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Artifact returns the downloaded artifact path, or "" before download.
func (s *Session) Artifact() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifact
}

// DebugURL returns the DevTools websocket of the live browser, if any.
func (s *Session) DebugURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.driver == nil {
		return ""
	}
	return s.driver.DebugURL()
}

// Status returns a snapshot of the session.
func (s *Session) Status() models.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := models.SessionStatus{
		Lead:       s.key.Lead,
		App:        s.key.App,
		InstanceID: s.id,
		Phase:      s.phase,
		CreatedAt:  s.createdAt,
		UpdatedAt:  s.updatedAt,
	}
	if s.artifact != "" {
		artifact := s.artifact
		st.Artifact = &artifact
	}
	if s.unlocked != "" {
		unlocked := s.unlocked
		st.Unlocked = &unlocked
	}
	return st
}

// Open launches the browser if needed, loads the portal and waits for the
// identifier field.
func (s *Session) Open(ctx context.Context) error {
	const op = "open"
	ctx = context.WithoutCancel(ctx)

	driver, err := s.require(op, models.PhaseCreated)
	if err != nil {
		return err
	}
	if driver == nil {
		if driver, err = s.launch(ctx); err != nil {
			return s.fail(op, err)
		}
	}

	if err := driver.Navigate(ctx, s.opts.EntryURL); err != nil {
		s.advance(models.PhasePortalError)
		return s.fail(op, fmt.Errorf("%w: navigate: %w", ErrPortalUnreachable, err))
	}
	if err := driver.WaitPresent(ctx, s.opts.Selectors.Identifier, s.opts.OpenTimeout); err != nil {
		if errors.Is(err, portal.ErrTimeout) {
			s.advance(models.PhasePortalError)
			return s.fail(op, fmt.Errorf("%w: identifier field: %w", ErrPortalUnreachable, err))
		}
		return s.fail(op, driverErr("wait identifier field", err))
	}

	s.advance(models.PhaseAwaitingIdentifier)
	return nil
}

// SubmitIdentifier types the identifier into the portal form.
func (s *Session) SubmitIdentifier(ctx context.Context, value string) error {
	const op = "submit identifier"
	ctx = context.WithoutCancel(ctx)

	driver, err := s.require(op, models.PhaseAwaitingIdentifier)
	if err != nil {
		return err
	}
	if err := driver.Type(ctx, s.opts.Selectors.Identifier, value); err != nil {
		return s.fail(op, driverErr("type identifier", err))
	}

	s.advance(models.PhaseAwaitingChallenge)
	return nil
}

// SubmitChallenge types the challenge answer and asks the portal to send
// the one-time code.
func (s *Session) SubmitChallenge(ctx context.Context, value string) error {
	const op = "submit challenge"
	ctx = context.WithoutCancel(ctx)

	driver, err := s.require(op, models.PhaseAwaitingChallenge)
	if err != nil {
		return err
	}
	if err := driver.Type(ctx, s.opts.Selectors.Challenge, value); err != nil {
		return s.fail(op, driverErr("type challenge", err))
	}
	if err := driver.WaitActionable(ctx, s.opts.Selectors.RequestCode, s.opts.ChallengeTimeout); err != nil {
		if errors.Is(err, portal.ErrTimeout) {
			return s.fail(op, fmt.Errorf("%w: %w", ErrChallengeControlUnavailable, err))
		}
		return s.fail(op, driverErr("wait request-code control", err))
	}
	if err := driver.Click(ctx, s.opts.Selectors.RequestCode); err != nil {
		return s.fail(op, driverErr("click request-code control", err))
	}

	s.advance(models.PhaseAwaitingCode)
	return nil
}

// SubmitCode types the one-time code, triggers the download and blocks until
// the artifact appears or the download timeout expires. It returns the
// artifact path.
func (s *Session) SubmitCode(ctx context.Context, value string) (string, error) {
	const op = "submit code"
	ctx = context.WithoutCancel(ctx)

	driver, err := s.require(op, models.PhaseAwaitingCode)
	if err != nil {
		return "", err
	}
	sel := s.opts.Selectors

	if err := driver.WaitPresent(ctx, sel.Code, s.opts.CodeTimeout); err != nil {
		return "", s.fail(op, driverErr("wait code field", err))
	}
	if err := driver.Type(ctx, sel.Code, value); err != nil {
		return "", s.fail(op, driverErr("type code", err))
	}
	if err := driver.PointerClick(ctx, pointerOffset, pointerOffset); err != nil {
		return "", s.fail(op, driverErr("pointer click", err))
	}
	if err := driver.WaitActionable(ctx, sel.Verify, s.opts.CodeTimeout); err != nil {
		return "", s.fail(op, driverErr("wait verify control", err))
	}

	existing, err := s.opts.Detector.Snapshot(s.dir)
	if err != nil {
		return "", s.fail(op, err)
	}
	if err := driver.Click(ctx, sel.Verify); err != nil {
		return "", s.fail(op, driverErr("click verify control", err))
	}
	s.advance(models.PhaseDownloading)

	path, err := s.opts.Detector.Await(s.dir, existing)
	if err != nil {
		s.advance(models.PhaseDownloadError)
		return "", s.fail(op, err)
	}

	s.mu.Lock()
	s.artifact = path
	s.mu.Unlock()
	s.advance(models.PhaseDownloaded)
	return path, nil
}

// ReadChallengeImage reads and validates the challenge image source. It is
// allowed from the moment the challenge is shown until the browser closes,
// including after a failed download.
func (s *Session) ReadChallengeImage(ctx context.Context) (*Challenge, error) {
	const op = "read challenge image"
	ctx = context.WithoutCancel(ctx)

	driver, err := s.require(op,
		models.PhaseAwaitingChallenge,
		models.PhaseAwaitingCode,
		models.PhaseDownloading,
		models.PhaseDownloaded,
		models.PhaseDownloadError,
	)
	if err != nil {
		return nil, err
	}
	src, err := driver.Attribute(ctx, s.opts.Selectors.ChallengeImage, "src")
	if err != nil {
		return nil, s.fail(op, driverErr("read challenge image", err))
	}
	challenge, err := ParseChallenge(src)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return challenge, nil
}

// Unlock decrypts the artifact with password into a sibling file and returns
// its path. A wrong password changes nothing.
func (s *Session) Unlock(ctx context.Context, password string) (string, error) {
	const op = "unlock"

	if _, err := s.require(op, models.PhaseDownloaded); err != nil {
		return "", err
	}
	artifact := s.Artifact()
	if artifact == "" {
		return "", ErrNoArtifact
	}

	dst := filepath.Join(s.dir, UnlockedName(s.key, filepath.Ext(artifact)))
	if err := s.opts.Decrypter.Decrypt(ctx, artifact, dst, password); err != nil {
		switch {
		case errors.Is(err, document.ErrWrongPassword):
			err = fmt.Errorf("%w: %w", ErrWrongPassword, err)
		case errors.Is(err, document.ErrUnreadable):
			err = fmt.Errorf("%w: %w", ErrUnreadableDocument, err)
		}
		return "", s.fail(op, err)
	}

	s.mu.Lock()
	s.unlocked = dst
	s.updatedAt = time.Now()
	s.mu.Unlock()
	return dst, nil
}

// Close releases the browser and moves the session to closed. Calling it
// again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.phase == models.PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	from := s.phase
	driver := s.driver
	holdsSlot := s.holdsSlot
	s.driver = nil
	s.holdsSlot = false
	s.phase = models.PhaseClosed
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.notify(from, models.PhaseClosed)

	var err error
	if driver != nil {
		err = driver.Close()
	}
	if holdsSlot && s.opts.Slots != nil {
		s.opts.Slots.Release(1)
	}
	return err
}

func (s *Session) launch(ctx context.Context) (portal.Driver, error) {
	if s.opts.Slots != nil && !s.opts.Slots.TryAcquire(1) {
		return nil, ErrCapacity
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.releaseSlot()
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	driver, err := s.opts.Launcher.Launch(ctx, s.id, s.dir)
	if err != nil {
		s.releaseSlot()
		return nil, driverErr("launch browser", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == models.PhaseClosed {
		// closed while launching
		_ = driver.Close()
		if s.opts.Slots != nil {
			s.opts.Slots.Release(1)
		}
		return nil, &PhaseError{Op: "open", Phase: models.PhaseClosed}
	}
	s.driver = driver
	s.holdsSlot = s.opts.Slots != nil
	return driver, nil
}

func (s *Session) releaseSlot() {
	if s.opts.Slots != nil {
		s.opts.Slots.Release(1)
	}
}

// require checks the phase against the allowed set and returns the driver.
func (s *Session) require(op string, allowed ...models.Phase) (portal.Driver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range allowed {
		if s.phase == p {
			return s.driver, nil
		}
	}
	return nil, &PhaseError{Op: op, Phase: s.phase}
}

func (s *Session) advance(to models.Phase) {
	s.mu.Lock()
	from := s.phase
	if !CanTransition(from, to) {
		s.mu.Unlock()
		log.Printf("⚠️ session[%s] refused transition %s → %s", s.key, from, to)
		return
	}
	s.phase = to
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.notify(from, to)
}

func (s *Session) notify(from, to models.Phase) {
	log.Printf("session[%s] %s → %s", s.key, from, to)
	if s.opts.Observer != nil {
		s.opts.Observer.Transition(s.key, s.id, from, to)
	}
}

func (s *Session) fail(op string, err error) error {
	if s.opts.Observer != nil {
		s.opts.Observer.StepFailed(s.key, op, err)
	}
	return err
}

func driverErr(what string, err error) error {
	if errors.Is(err, ErrCapacity) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrDriverFailure, what, err)
}
