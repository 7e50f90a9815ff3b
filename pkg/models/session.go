package models

import (
	"fmt"
	"time"
)

// Phase is the current step of a session's linear workflow
type Phase string

const (
	PhaseCreated            Phase = "created"
	PhaseAwaitingIdentifier Phase = "awaiting_identifier"
	PhaseAwaitingChallenge  Phase = "awaiting_challenge"
	PhaseAwaitingCode       Phase = "awaiting_code"
	PhaseDownloading        Phase = "downloading"
	PhaseDownloaded         Phase = "downloaded"
	PhaseDownloadError      Phase = "download_error"
	PhasePortalError        Phase = "portal_error"
	PhaseClosed             Phase = "closed"
)

// Terminal reports whether no further step is allowed from this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDownloadError, PhasePortalError, PhaseClosed:
		return true
	}
	return false
}

// SessionKey addresses exactly one workflow instance
type SessionKey struct {
	Lead string `json:"lead"`
	App  string `json:"app"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.Lead, k.App)
}

// SessionStatus is a point-in-time snapshot of a session
type SessionStatus struct {
	Lead       string    `json:"lead"`
	App        string    `json:"app"`
	InstanceID string    `json:"instanceId"`
	Phase      Phase     `json:"phase"`
	Artifact   *string   `json:"pdf"`
	Unlocked   *string   `json:"unlocked,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PhaseResponse is returned by every phase-advancing command
type PhaseResponse struct {
	Phase Phase `json:"phase"`
}

// ClosedResponse is returned by destroy
type ClosedResponse struct {
	Closed bool `json:"closed"`
}

// ChallengeSourceResponse carries the raw challenge image source
type ChallengeSourceResponse struct {
	Src string `json:"src"`
}

// IdentifierRequest is the payload for submitting the identifier
type IdentifierRequest struct {
	Identifier string `json:"identifier"`
}

// ChallengeRequest is the payload for submitting the challenge answer
type ChallengeRequest struct {
	Challenge string `json:"challenge"`
}

// CodeRequest is the payload for submitting the one-time code
type CodeRequest struct {
	Code string `json:"code"`
}

// UnlockRequest is the payload for decrypting the artifact
type UnlockRequest struct {
	Password string `json:"password"`
}

// ErrorResponse is the JSON body of every failed command
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
