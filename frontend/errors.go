package frontend

import "errors"

// Error kinds propagated by the ingress/egress pipeline. These are
// sentinel values so callers can classify failures with errors.Is.
var (
	// ErrUnknownSource is returned when a claimed source's certificate is
	// missing or does not match the stored record. On encode, the caller
	// must reschedule any drained tasks.
	ErrUnknownSource = errors.New("frontend: unknown source")

	// ErrSignatureInvalid is returned when cipher-level signature
	// verification fails.
	ErrSignatureInvalid = errors.New("frontend: signature invalid")

	// ErrDesynchronized is returned when a message's timestamp falls
	// outside the replay window.
	ErrDesynchronized = errors.New("frontend: desynchronized")

	// ErrBackendUnavailable wraps object store / queue manager failures.
	ErrBackendUnavailable = errors.New("frontend: backend unavailable")
)
