package session

import "errors"

var (
	// ErrStoreUnavailable means the provisional session row could not be created.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrDecodeFault wraps recognizer failures and panics during a session.
	ErrDecodeFault = errors.New("decode fault")
	// ErrDisconnected is returned by a Conn once the peer has gone away.
	ErrDisconnected = errors.New("client disconnected")
	// ErrIdleTimeout is returned by a Conn when no audio arrived in time.
	ErrIdleTimeout = errors.New("idle timeout")
)

// Close codes passed to Conn.Abort.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// OrphanedMessage is recorded on sessions whose owner stopped before finalizing them.
const OrphanedMessage = "orphaned: session owner terminated before finalization"
