package gateway

import "fmt"

// ValidationError means the caller's input was malformed. It is never
// retried and no store write or gateway call happens after it is raised.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ConfigurationError means credentials or key material are missing or
// unusable. It is fatal at construction or first use, not retried.
type ConfigurationError struct {
	Gateway Gateway
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s configuration: %s: %v", e.Gateway, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s configuration: %s", e.Gateway, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// UpstreamError means the gateway was unreachable or answered with an
// error after retries were exhausted. The last response status and body
// are kept for diagnostics; the transaction stays in its last known state.
type UpstreamError struct {
	Gateway    Gateway
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s upstream error: %s returned %d: %s", e.Gateway, e.Endpoint, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s upstream error: %s: %v", e.Gateway, e.Endpoint, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// PersistenceError means the local store write failed. The gateway is
// never called for a transaction that was not persisted first.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotFoundError means a reconciliation target does not exist locally. It
// is logged and answered deterministically, never propagated as a crash.
type NotFoundError struct {
	Gateway Gateway
	Ref     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s transaction found for reference %q", e.Gateway, e.Ref)
}
