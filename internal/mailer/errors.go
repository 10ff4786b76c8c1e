package mailer

import (
	"errors"
	"fmt"
)

// ErrorClass buckets every provider failure the dispatch core can react to.
type ErrorClass string

const (
	// ClassAuthExpired: the credential bound to this mailer is no longer
	// accepted. Fatal to the whole run, never retried per-recipient.
	ClassAuthExpired ErrorClass = "auth_expired"
	// ClassRateLimited: provider-side 429/quota, distinct from the client's
	// own token bucket (which blocks instead of failing). Retryable.
	ClassRateLimited ErrorClass = "rate_limited"
	// ClassRecipientRejected: bad or blocked address. Permanent for this
	// recipient, isolated from the rest of the run.
	ClassRecipientRejected ErrorClass = "recipient_rejected"
	// ClassTransient: 5xx, timeout, connection failure. Retryable.
	ClassTransient ErrorClass = "transient"
)

func (c ErrorClass) String() string { return string(c) }

// Retryable reports whether the backoff controller may schedule another
// attempt for this class.
func (c ErrorClass) Retryable() bool {
	return c == ClassRateLimited || c == ClassTransient
}

// SendError is a classified provider failure.
type SendError struct {
	Class      ErrorClass
	StatusCode int // 0 for network-level failures
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("mailer: %s (status=%d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mailer: %s: %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify extracts the error class from err, defaulting to transient for
// anything unclassified (network errors, context timeouts).
func Classify(err error) ErrorClass {
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	return ClassTransient
}
