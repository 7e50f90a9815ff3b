package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shehryarbajwa/docfetch/internal/portal"
	"github.com/shehryarbajwa/docfetch/internal/testsupport"
	"github.com/shehryarbajwa/docfetch/pkg/models"
)

const challengePNG = "data:image/png;base64,iVBORw0KGgo="

var testSelectors = Selectors{
	Identifier:     portal.Locator{CSS: "#uid"},
	Challenge:      portal.Locator{CSS: "#captcha"},
	ChallengeImage: portal.Locator{CSS: "#captcha-img"},
	RequestCode:    portal.Locator{CSS: "#send-otp"},
	Code:           portal.Locator{CSS: "#otp"},
	Verify:         portal.Locator{CSS: "#verify"},
}

type recorder struct {
	mu          sync.Mutex
	transitions []string
	failures    []string
}

func (r *recorder) Transition(key models.SessionKey, instance string, from, to models.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, string(from)+">"+string(to))
}

func (r *recorder) StepFailed(key models.SessionKey, op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, op+":"+Kind(err))
}

type harness struct {
	registry  *Registry
	launcher  *testsupport.Launcher
	clock     *testsupport.Clock
	decrypter *testsupport.Decrypter
	events    *recorder
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		launcher:  &testsupport.Launcher{},
		clock:     testsupport.NewClock(),
		decrypter: &testsupport.Decrypter{Password: "ABCD1990"},
		events:    &recorder{},
	}
	h.launcher.OnLaunch(func(d *testsupport.Driver) {
		d.SetAttribute("#captcha-img", challengePNG)
	})
	opts := Options{
		EntryURL:         "https://portal.example/download",
		Selectors:        testSelectors,
		OpenTimeout:      time.Second,
		ChallengeTimeout: time.Second,
		CodeTimeout:      time.Second,
		Detector: Detector{
			Prefix:        "EAadhaar_",
			Extension:     ".pdf",
			PartialSuffix: ".crdownload",
			Interval:      time.Second,
			Timeout:       60 * time.Second,
			Clock:         h.clock,
		},
		Launcher:  h.launcher,
		Decrypter: h.decrypter,
		Observer:  h.events,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	reg, err := NewRegistry(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.CloseAll)
	h.registry = reg
	return h
}

// downloadOnVerify makes a click on the verify control drop a partial
// download that completes on the given clock tick.
func (h *harness) downloadOnVerify(d *testsupport.Driver, name string, completeOnTick int) {
	d.OnClick(func(css string) {
		if css != "#verify" {
			return
		}
		partial := filepath.Join(d.DownloadDir, name+".crdownload")
		if err := os.WriteFile(partial, []byte(testsupport.PDFMagic), 0o644); err != nil {
			panic(err)
		}
		h.clock.OnTick(func(tick int) {
			if tick == completeOnTick {
				_ = os.Rename(partial, filepath.Join(d.DownloadDir, name))
			}
		})
	})
}

func openAt(t *testing.T, h *harness, key models.SessionKey, phase models.Phase) *Session {
	t.Helper()
	ctx := context.Background()
	s, err := h.registry.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	steps := []struct {
		until models.Phase
		run   func() error
	}{
		{models.PhaseAwaitingIdentifier, func() error { return nil }},
		{models.PhaseAwaitingChallenge, func() error { return s.SubmitIdentifier(ctx, "999999999999") }},
		{models.PhaseAwaitingCode, func() error { return s.SubmitChallenge(ctx, "AB12") }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("advance to %s: %v", step.until, err)
		}
		if step.until == phase {
			return s
		}
	}
	t.Fatalf("openAt does not support phase %s", phase)
	return nil
}

func TestWorkflowDownloadsArtifact(t *testing.T) {
	h := newHarness(t)
	key := models.SessionKey{Lead: "L1", App: "A1"}
	ctx := context.Background()

	s, err := h.registry.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Phase() != models.PhaseAwaitingIdentifier {
		t.Fatalf("phase after open = %s", s.Phase())
	}
	driver := h.launcher.Last()
	h.downloadOnVerify(driver, "EAadhaar_999999999999.pdf", 3)

	if err := s.SubmitIdentifier(ctx, "999999999999"); err != nil {
		t.Fatalf("SubmitIdentifier: %v", err)
	}
	if got := driver.Typed("#uid"); got != "999999999999" {
		t.Fatalf("identifier typed = %q", got)
	}

	challenge, err := s.ReadChallengeImage(ctx)
	if err != nil {
		t.Fatalf("ReadChallengeImage: %v", err)
	}
	if challenge.Kind != ChallengeInline || challenge.MediaType != "image/png" || len(challenge.Data) == 0 {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}

	if err := s.SubmitChallenge(ctx, "AB12"); err != nil {
		t.Fatalf("SubmitChallenge: %v", err)
	}
	if s.Phase() != models.PhaseAwaitingCode {
		t.Fatalf("phase after challenge = %s", s.Phase())
	}

	path, err := s.SubmitCode(ctx, "445566")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	want := filepath.Join(s.Dir(), "EAadhaar_999999999999.pdf")
	if path != want {
		t.Fatalf("artifact = %q, want %q", path, want)
	}
	if h.clock.Ticks() != 3 {
		t.Fatalf("expected the partial file to be skipped until tick 3, polled %d times", h.clock.Ticks())
	}
	if s.Phase() != models.PhaseDownloaded {
		t.Fatalf("phase after code = %s", s.Phase())
	}

	st := s.Status()
	if st.Artifact == nil || *st.Artifact != want {
		t.Fatalf("status artifact = %v", st.Artifact)
	}
	if st.Lead != "L1" || st.App != "A1" || st.InstanceID != s.ID() {
		t.Fatalf("unexpected status identity: %+v", st)
	}

	calls := strings.Join(driver.Calls(), "\n")
	for _, want := range []string{"Type #otp", "PointerClick 5,5", "WaitActionable #verify", "Click #verify"} {
		if !strings.Contains(calls, want) {
			t.Fatalf("driver calls missing %q:\n%s", want, calls)
		}
	}

	wantTransitions := []string{
		"created>awaiting_identifier",
		"awaiting_identifier>awaiting_challenge",
		"awaiting_challenge>awaiting_code",
		"awaiting_code>downloading",
		"downloading>downloaded",
	}
	if got := strings.Join(h.events.transitions, ","); got != strings.Join(wantTransitions, ",") {
		t.Fatalf("transitions = %s", got)
	}
}

func TestSubmitCodeTimesOutWithoutArtifact(t *testing.T) {
	h := newHarness(t)
	s := openAt(t, h, models.SessionKey{Lead: "L1", App: "A1"}, models.PhaseAwaitingCode)

	_, err := s.SubmitCode(context.Background(), "445566")
	if !errors.Is(err, ErrDownloadTimeout) {
		t.Fatalf("expected ErrDownloadTimeout, got %v", err)
	}
	if s.Phase() != models.PhaseDownloadError {
		t.Fatalf("phase = %s, want download_error", s.Phase())
	}
	if h.clock.Elapsed() != 60*time.Second {
		t.Fatalf("poll ran for %s, want 60s", h.clock.Elapsed())
	}
	if s.Artifact() != "" {
		t.Fatalf("unexpected artifact %q", s.Artifact())
	}

	if _, err := s.SubmitCode(context.Background(), "445566"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("retry in download_error: expected ErrInvalidPhase, got %v", err)
	}
	if _, err := s.ReadChallengeImage(context.Background()); err != nil {
		t.Fatalf("challenge image unreadable after a failed download: %v", err)
	}
	if s.Phase() != models.PhaseDownloadError {
		t.Fatalf("reading the challenge changed the phase to %s", s.Phase())
	}
}

func TestSubmitCodeIgnoresPreexistingArtifacts(t *testing.T) {
	h := newHarness(t)
	s := openAt(t, h, models.SessionKey{Lead: "L1", App: "A1"}, models.PhaseAwaitingCode)

	stale := filepath.Join(s.Dir(), "EAadhaar_stale.pdf")
	if err := os.WriteFile(stale, []byte(testsupport.PDFMagic), 0o644); err != nil {
		t.Fatal(err)
	}
	h.downloadOnVerify(h.launcher.Last(), "EAadhaar_fresh.pdf", 2)

	path, err := s.SubmitCode(context.Background(), "445566")
	if err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	if filepath.Base(path) != "EAadhaar_fresh.pdf" {
		t.Fatalf("artifact = %q, want the fresh download", path)
	}
}

func TestCommandsRejectedOutOfOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fresh, err := h.registry.Resolve(models.SessionKey{Lead: "L1", App: "A1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := fresh.SubmitIdentifier(ctx, "999999999999"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("identifier before open: expected ErrInvalidPhase, got %v", err)
	}
	var phaseErr *PhaseError
	if err := fresh.SubmitChallenge(ctx, "AB12"); !errors.As(err, &phaseErr) || phaseErr.Phase != models.PhaseCreated {
		t.Fatalf("challenge before open: expected PhaseError in created, got %v", err)
	}
	if _, err := fresh.ReadChallengeImage(ctx); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("challenge image before open: expected ErrInvalidPhase, got %v", err)
	}
	if _, err := fresh.Unlock(ctx, "ABCD1990"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("unlock before download: expected ErrInvalidPhase, got %v", err)
	}
	if len(h.launcher.Drivers()) != 0 {
		t.Fatal("rejected commands must not launch a browser")
	}

	s := openAt(t, h, models.SessionKey{Lead: "L2", App: "A2"}, models.PhaseAwaitingIdentifier)
	driver := h.launcher.Last()
	before := len(driver.Calls())

	if _, err := s.SubmitCode(ctx, "445566"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("code before challenge: expected ErrInvalidPhase, got %v", err)
	}
	if err := s.SubmitChallenge(ctx, "AB12"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("challenge before identifier: expected ErrInvalidPhase, got %v", err)
	}
	if got := len(driver.Calls()); got != before {
		t.Fatalf("rejected commands touched the driver: %v", driver.Calls()[before:])
	}
	if s.Phase() != models.PhaseAwaitingIdentifier {
		t.Fatalf("phase changed to %s", s.Phase())
	}
}

func TestOpenPortalUnreachable(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *testsupport.Driver)
	}{
		{"identifier field never appears", func(d *testsupport.Driver) { d.SetMissing("#uid", true) }},
		{"navigation fails", func(d *testsupport.Driver) { d.FailNavigate(errors.New("net::ERR_NAME_NOT_RESOLVED")) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.launcher.OnLaunch(tt.setup)
			key := models.SessionKey{Lead: "L1", App: "A1"}

			s, err := h.registry.Open(context.Background(), key)
			if !errors.Is(err, ErrPortalUnreachable) {
				t.Fatalf("expected ErrPortalUnreachable, got %v", err)
			}
			if s.Phase() != models.PhasePortalError {
				t.Fatalf("phase = %s, want portal_error", s.Phase())
			}
			if len(h.events.failures) != 1 || h.events.failures[0] != "open:PortalUnreachable" {
				t.Fatalf("failures = %v", h.events.failures)
			}
		})
	}
}

func TestSubmitChallengeControlUnavailable(t *testing.T) {
	h := newHarness(t)
	s := openAt(t, h, models.SessionKey{Lead: "L1", App: "A1"}, models.PhaseAwaitingChallenge)
	driver := h.launcher.Last()
	driver.SetMissing("#send-otp", true)

	err := s.SubmitChallenge(context.Background(), "AB12")
	if !errors.Is(err, ErrChallengeControlUnavailable) {
		t.Fatalf("expected ErrChallengeControlUnavailable, got %v", err)
	}
	if s.Phase() != models.PhaseAwaitingChallenge {
		t.Fatalf("phase = %s, want awaiting_challenge", s.Phase())
	}

	driver.SetMissing("#send-otp", false)
	if err := s.SubmitChallenge(context.Background(), "CD34"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.Phase() != models.PhaseAwaitingCode {
		t.Fatalf("phase after retry = %s", s.Phase())
	}
}

func TestDriverFailureKeepsPhase(t *testing.T) {
	h := newHarness(t)
	s := openAt(t, h, models.SessionKey{Lead: "L1", App: "A1"}, models.PhaseAwaitingIdentifier)
	h.launcher.Last().FailOn("Type", errors.New("element detached"))

	err := s.SubmitIdentifier(context.Background(), "999999999999")
	if !errors.Is(err, ErrDriverFailure) {
		t.Fatalf("expected ErrDriverFailure, got %v", err)
	}
	if s.Phase() != models.PhaseAwaitingIdentifier {
		t.Fatalf("phase = %s", s.Phase())
	}
}

func TestReadChallengeImageRejectsUnexpectedSource(t *testing.T) {
	h := newHarness(t)
	s := openAt(t, h, models.SessionKey{Lead: "L1", App: "A1"}, models.PhaseAwaitingChallenge)
	h.launcher.Last().SetAttribute("#captcha-img", "javascript:alert(1)")

	if _, err := s.ReadChallengeImage(context.Background()); !errors.Is(err, ErrUnexpectedChallengeFormat) {
		t.Fatalf("expected ErrUnexpectedChallengeFormat, got %v", err)
	}
	if s.Phase() != models.PhaseAwaitingChallenge {
		t.Fatalf("reading the challenge changed the phase to %s", s.Phase())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s := openAt(t, h, models.SessionKey{Lead: "L1", App: "A1"}, models.PhaseAwaitingIdentifier)
	driver := h.launcher.Last()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if driver.Closes() != 1 {
		t.Fatalf("driver closed %d times", driver.Closes())
	}
	if s.Phase() != models.PhaseClosed {
		t.Fatalf("phase = %s", s.Phase())
	}
	if err := s.SubmitIdentifier(context.Background(), "1"); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("command after close: expected ErrInvalidPhase, got %v", err)
	}
}

func TestCloseFromCreatedNeedsNoBrowser(t *testing.T) {
	h := newHarness(t)
	s, err := h.registry.Resolve(models.SessionKey{Lead: "L1", App: "A1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Phase() != models.PhaseClosed {
		t.Fatalf("phase = %s", s.Phase())
	}
}

func downloaded(t *testing.T, h *harness, key models.SessionKey, content string) *Session {
	t.Helper()
	s := openAt(t, h, key, models.PhaseAwaitingCode)
	driver := h.launcher.Last()
	driver.OnClick(func(css string) {
		if css == "#verify" {
			name := filepath.Join(driver.DownloadDir, "EAadhaar_999999999999.pdf")
			if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
				panic(err)
			}
		}
	})
	if _, err := s.SubmitCode(context.Background(), "445566"); err != nil {
		t.Fatalf("SubmitCode: %v", err)
	}
	return s
}

func TestUnlockWritesSiblingAndIsRepeatable(t *testing.T) {
	h := newHarness(t)
	key := models.SessionKey{Lead: "L1", App: "A1"}
	s := downloaded(t, h, key, testsupport.PDFMagic+"body")

	first, err := s.Unlock(context.Background(), "ABCD1990")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if want := filepath.Join(s.Dir(), "unlocked_%4c1_%411.pdf"); first != want {
		t.Fatalf("unlocked path = %q, want %q", first, want)
	}
	firstBytes, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}

	second, err := s.Unlock(context.Background(), "ABCD1990")
	if err != nil {
		t.Fatalf("second Unlock: %v", err)
	}
	secondBytes, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if first != second || string(firstBytes) != string(secondBytes) {
		t.Fatal("repeated unlock produced a different result")
	}
	if s.Phase() != models.PhaseDownloaded {
		t.Fatalf("unlock changed the phase to %s", s.Phase())
	}
	if st := s.Status(); st.Unlocked == nil || *st.Unlocked != first {
		t.Fatalf("status unlocked = %v", st.Unlocked)
	}
}

func TestUnlockWrongPasswordLeavesArtifact(t *testing.T) {
	h := newHarness(t)
	s := downloaded(t, h, models.SessionKey{Lead: "L1", App: "A1"}, testsupport.PDFMagic+"body")
	artifact := s.Artifact()

	_, err := s.Unlock(context.Background(), "WRONG")
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
	data, err := os.ReadFile(artifact)
	if err != nil || string(data) != testsupport.PDFMagic+"body" {
		t.Fatalf("artifact changed: %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "unlocked_%4c1_%411.pdf")); !os.IsNotExist(err) {
		t.Fatalf("wrong password left an output file: %v", err)
	}
	if _, err := s.Unlock(context.Background(), "ABCD1990"); err != nil {
		t.Fatalf("unlock with the right password after a miss: %v", err)
	}
}

func TestUnlockUnreadableDocument(t *testing.T) {
	h := newHarness(t)
	s := downloaded(t, h, models.SessionKey{Lead: "L1", App: "A1"}, "not a pdf")

	if _, err := s.Unlock(context.Background(), "ABCD1990"); !errors.Is(err, ErrUnreadableDocument) {
		t.Fatalf("expected ErrUnreadableDocument, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.Phase
		want     bool
	}{
		{models.PhaseCreated, models.PhaseAwaitingIdentifier, true},
		{models.PhaseCreated, models.PhasePortalError, true},
		{models.PhaseAwaitingIdentifier, models.PhaseAwaitingChallenge, true},
		{models.PhaseAwaitingChallenge, models.PhaseAwaitingCode, true},
		{models.PhaseAwaitingCode, models.PhaseDownloading, true},
		{models.PhaseDownloading, models.PhaseDownloaded, true},
		{models.PhaseDownloading, models.PhaseDownloadError, true},
		{models.PhaseDownloaded, models.PhaseClosed, true},
		{models.PhasePortalError, models.PhaseClosed, true},
		{models.PhaseCreated, models.PhaseAwaitingCode, false},
		{models.PhaseAwaitingIdentifier, models.PhaseDownloading, false},
		{models.PhaseDownloaded, models.PhaseDownloading, false},
		{models.PhaseDownloadError, models.PhaseDownloading, false},
		{models.PhaseClosed, models.PhaseCreated, false},
		{models.PhaseClosed, models.PhaseClosed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("boom"), ""},
		{&PhaseError{Op: "open", Phase: models.PhaseClosed}, "InvalidPhase"},
		{ErrDownloadTimeout, "DownloadTimeout"},
		{driverErr("click", errors.New("detached")), "DriverFailure"},
		{driverErr("launch", ErrCapacity), "Capacity"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
