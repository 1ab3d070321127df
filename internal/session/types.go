package session

import (
	"errors"

	"github.com/nmorag/attune/internal/store"
)

var (
	// ErrQuotaExceeded means the cycle allowance is spent; not retryable
	// until the next cycle.
	ErrQuotaExceeded = errors.New("session quota exceeded")
	// ErrIncompleteSession means a resumable session exists; resume is the
	// only path forward for starting new audio.
	ErrIncompleteSession = errors.New("incomplete session exists")
	// ErrSessionActive means a live transport run already exists in this
	// process.
	ErrSessionActive = errors.New("a session is already active")
)

// StartOptions carry the persona parameters forwarded to the transport.
type StartOptions struct {
	UserName string `json:"user_name"`
	Topic    string `json:"topic"`
}

// Overview is the list-call payload: the raw collection plus stats derived
// from it on every call.
type Overview struct {
	Sessions []store.VoiceSession `json:"sessions"`
	Stats    store.Stats          `json:"stats"`
}
