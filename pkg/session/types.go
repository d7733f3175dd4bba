// Package session orchestrates one chat document: it owns the message log,
// the active protocol adapter, the current settings, and the lifecycle state
// machine that drives a streamed exchange.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// State is the session lifecycle state.
type State string

const (
	// StateIdle means no in-flight request. Entered at creation and after
	// every completed or aborted exchange.
	StateIdle State = "idle"
	// StateSubmitting means a submission is being validated and dispatched.
	StateSubmitting State = "submitting"
	// StateStreaming means chunks are arriving.
	StateStreaming State = "streaming"
	// StateSettling means the stream ended and the assistant message is
	// being finalized.
	StateSettling State = "settling"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	// EventAdapterChanged fires when the session switches backends.
	EventAdapterChanged EventType = "adapter_changed"
	// EventRequestStarted fires when a submission is dispatched.
	EventRequestStarted EventType = "request_started"
	// EventRequestFinished fires when an exchange settles, errors, or is
	// cancelled.
	EventRequestFinished EventType = "request_finished"
	// EventSessionClosed fires once when the session closes.
	EventSessionClosed EventType = "session_closed"
)

// Event is a fire-and-forget lifecycle notification. Consumers must not
// block; these are not RPCs.
type Event struct {
	Type      EventType
	SessionID string
	Payload   any
}

// Subscriber receives lifecycle events.
type Subscriber func(Event)

// Notifier is the external rendering collaborator. DocumentChanged is
// invoked on the session's single control sequence whenever the document
// text changes; implementations must not call back into the session.
type Notifier interface {
	DocumentChanged(sessionID string, doc []byte)
}

// Common session errors.
var (
	// ErrBusy is returned when submitting while an exchange is in flight.
	ErrBusy = errors.New("session: request already in flight")
	// ErrNoMessage is returned when the document holds nothing to submit.
	ErrNoMessage = errors.New("session: no message to submit")
	// ErrNotIdle is returned when an operation requires an idle session.
	ErrNotIdle = errors.New("session: not idle")
	// ErrNoAssistantReply is returned by Regenerate when the log does not
	// end with an assistant message.
	ErrNoAssistantReply = errors.New("session: last log entry is not an assistant message")
	// ErrClosed is returned when operating on a closed session.
	ErrClosed = errors.New("session: closed")
)

// ValidationError reports per-key settings failures. Submission is aborted;
// the session stays idle.
type ValidationError struct {
	Errors map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, e.Errors[k])
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}
