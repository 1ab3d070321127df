package transport

import "errors"

// Start failures are fatal to the attempt and never retried automatically.
// Every one of them leaves zero open media tracks and zero open connections
// behind, so a later retry starts from a clean slate.
var (
	ErrCredential  = errors.New("credential fetch failed")
	ErrNegotiation = errors.New("negotiation rejected")
	ErrMediaAccess = errors.New("microphone access failed")
	ErrNotActive   = errors.New("transport not active")
)
