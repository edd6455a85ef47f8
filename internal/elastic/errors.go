package elastic

import "errors"

var (
	// ErrCircuitOpen is returned when the breaker is open and the call is
	// not a scheduled half-open probe. No network attempt is made.
	ErrCircuitOpen = errors.New("elastic: circuit breaker open (too many failures)")

	// ErrNotConfigured is returned when no client could be built from the
	// configuration (missing URL, bad TLS material).
	ErrNotConfigured = errors.New("elastic: client not configured")

	// ErrSendTimeout marks a send that exceeded the hard per-call deadline.
	// Timeouts count as connection failures for breaker purposes.
	ErrSendTimeout = errors.New("elastic: send timeout")
)
