package session

import (
	"errors"
	"fmt"

	"github.com/shehryarbajwa/docfetch/pkg/models"
)

var (
	ErrPortalUnreachable           = errors.New("portal unreachable")
	ErrChallengeControlUnavailable = errors.New("request-code control unavailable")
	ErrUnexpectedChallengeFormat   = errors.New("unexpected challenge image source format")
	ErrDownloadTimeout             = errors.New("artifact download timed out")
	ErrWrongPassword               = errors.New("wrong password")
	ErrUnreadableDocument          = errors.New("artifact is not a readable document")
	ErrDriverFailure               = errors.New("browser driver failure")
	ErrInvalidPhase                = errors.New("operation not allowed in current phase")
	ErrNoArtifact                  = errors.New("no artifact downloaded")
	ErrCapacity                    = errors.New("live session limit reached")
	ErrInvalidKey                  = errors.New("invalid session key")
)

// PhaseError is returned when a command does not match the session's phase.
type PhaseError struct {
	Op    string
	Phase models.Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: not allowed in phase %s", e.Op, e.Phase)
}

func (e *PhaseError) Unwrap() error {
	return ErrInvalidPhase
}

// Kind returns a stable name for the error class of err, or "" when err
// belongs to none of them.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPortalUnreachable):
		return "PortalUnreachable"
	case errors.Is(err, ErrChallengeControlUnavailable):
		return "ChallengeControlUnavailable"
	case errors.Is(err, ErrUnexpectedChallengeFormat):
		return "UnexpectedChallengeFormat"
	case errors.Is(err, ErrDownloadTimeout):
		return "DownloadTimeout"
	case errors.Is(err, ErrWrongPassword):
		return "WrongPassword"
	case errors.Is(err, ErrUnreadableDocument):
		return "UnreadableDocument"
	case errors.Is(err, ErrInvalidPhase):
		return "InvalidPhase"
	case errors.Is(err, ErrNoArtifact):
		return "NoArtifact"
	case errors.Is(err, ErrCapacity):
		return "Capacity"
	case errors.Is(err, ErrInvalidKey):
		return "InvalidKey"
	case errors.Is(err, ErrDriverFailure):
		return "DriverFailure"
	}
	return ""
}
