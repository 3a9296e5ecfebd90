package wallet

import (
	"context"
	"encoding/json"
)

// Requester sends one JSON-RPC call to the wallet behind a session.
type Requester interface {
	Request(ctx context.Context, s *Session, method string, params interface{}) (json.RawMessage, error)
}

// PairingTransport is the relay-backed channel to a remote wallet.
type PairingTransport interface {
	Requester

	// Initialize prepares the underlying client. Concurrent and repeated calls
	// share one initialization.
	Initialize(ctx context.Context) error
	// RequestPairing runs a handshake and returns the wallet-approved session.
	RequestPairing(ctx context.Context, req Requirements) (*Session, error)
	// OnPairingURI registers fn for pairing URIs and returns its disposer.
	OnPairingURI(fn func(uri string)) func()
	// OnSessionEvent registers fn for expiry and deletion notices.
	OnSessionEvent(fn func(SessionEvent)) func()
	HasActiveSession() bool
	GetSession() *Session
	// Disconnect tears the current session down.
	Disconnect(ctx context.Context) error
}
