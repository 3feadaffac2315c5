// Package cdmi declares the session contract between the host media
// pipeline and this module.
package cdmi

import "errors"

var (
	// Returned by Load, Remove and Close, none of which apply to system or
	// connect sessions.
	ErrNotImplemented = errors.New("Not implemented")

	// Returned by Decrypt and ReleaseClearContent once the contract
	// violation has been reported.
	ErrNotSupported = errors.New("Not supported")
)

// Callback receives the notifications of one client session.
type Callback interface {
	// OnKeyMessage delivers a challenge or notification. Reason is one of
	// "PROVISION", "FILTERS", "KEYNEEDED" or "RENEWAL". Data may be empty
	// and is only valid for the duration of the call.
	OnKeyMessage(data []byte, reason string)

	OnKeyReady()
}

// KeySession is a client session handed out to the host.
type KeySession interface {
	// Run registers cb, or clears the registered callback when cb is nil.
	// Each call must toggle: registering over a registered callback or
	// clearing a clear one is a contract violation.
	Run(cb Callback)

	// Update feeds a tag-prefixed response message.
	Update(msg []byte)

	Load() error
	Remove() error
	Close() error

	// Decrypt and ReleaseClearContent are contract violations on system and
	// connect sessions.
	Decrypt(payload, iv, keyID []byte) ([]byte, error)
	ReleaseClearContent(opaque []byte) error

	SessionID() string
	KeySystem() string
}
