package relay

import "errors"

var (
	// ErrHandlerExists is returned when a packet type already has a handler.
	ErrHandlerExists = errors.New("relay: handler already registered")
	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("relay: nil handler")
	// ErrUnknownIdentity is returned when no live connection has the identity.
	ErrUnknownIdentity = errors.New("relay: unknown identity")
	// ErrAlreadyAssigned is returned when a connection already has an identity.
	ErrAlreadyAssigned = errors.New("relay: connection already has an identity")
	// ErrUnknownConnection is returned when releasing a connection that was never assigned.
	ErrUnknownConnection = errors.New("relay: unknown connection")
	// ErrIdentitiesExhausted is returned once every uint16 identity has been handed out.
	ErrIdentitiesExhausted = errors.New("relay: identities exhausted")
	// ErrSendFailed wraps a transport write error. The failure is already
	// counted and the peer closed when it is returned.
	ErrSendFailed = errors.New("relay: send failed")
	// ErrNotRunning is returned by operations that need a started relay.
	ErrNotRunning = errors.New("relay: not running")
	// ErrAlreadyRunning is returned by Start on a started relay.
	ErrAlreadyRunning = errors.New("relay: already running")
)
