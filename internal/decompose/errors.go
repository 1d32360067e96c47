package decompose

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound marks an unknown run id or story index.
var ErrNotFound = errors.New("not found")

// ConfigurationError means the pipeline cannot run at all; no external call
// was attempted.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// TransportError wraps a network or timeout failure talking to the generation
// or embedding service. Retryable by the caller; the run is marked FAILED.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError means the full repair cascade could not extract a
// usable payload. Raw text is preserved for diagnostics and a truncated
// snippet travels in the error string so persisted runs stay inspectable.
type MalformedResponseError struct {
	Raw string
}

// maxRawSnippet bounds the raw text carried in error strings and the ledger.
const maxRawSnippet = 512

func (e *MalformedResponseError) Error() string {
	snippet := e.Raw
	if len(snippet) > maxRawSnippet {
		snippet = snippet[:maxRawSnippet] + "..."
	}
	if snippet == "" {
		return "model output unrecoverable after repair cascade"
	}
	return fmt.Sprintf("model output unrecoverable after repair cascade; raw: %s", snippet)
}

// QuotaExceededError rejects a regeneration before any cost is incurred.
type QuotaExceededError struct {
	Scope   string
	Count   int
	Limit   int
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("regeneration quota exceeded for %s: %d/%d", e.Scope, e.Count, e.Limit)
}

// ConflictError reports a duplicate commit attempt. The original result is
// carried so callers can return it unchanged.
type ConflictError struct {
	RunID           string
	CreatedIssueIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("run %s already committed", e.RunID)
}
