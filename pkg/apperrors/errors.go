package apperrors

import "errors"

// Standardized pricing sync errors
var (
	ErrNotConnected       = errors.New("channel not connected")
	ErrNoQuoteJoined      = errors.New("no quote joined")
	ErrTransportClosed    = errors.New("transport closed")
	ErrReconcileInFlight  = errors.New("reconciliation already in flight")
	ErrReconcileExhausted = errors.New("reconciliation failed after retries")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
)
