// Package adapter defines the protocol-adapter abstraction that normalizes
// request and response shape differences across backend wire formats. The
// session and stream layers stay backend-agnostic; adding a backend means
// implementing Adapter and registering a factory.
package adapter

import (
	"fmt"
	"net/http"

	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/internal/schema"
)

// MergePolicy tells the session how to normalize consecutive same-role
// messages before dispatch.
type MergePolicy string

const (
	// MergeConcat joins consecutive same-role messages with a blank line.
	MergeConcat MergePolicy = "concat"
	// MergeReject aborts submission when roles do not alternate.
	MergeReject MergePolicy = "reject"
)

// RoleVocabulary maps the internal roles to backend-specific role tokens.
type RoleVocabulary struct {
	System    string
	User      string
	Assistant string
	// MergePolicy applies when consecutive log entries share a role.
	MergePolicy MergePolicy
}

// Token returns the backend token for an internal role.
func (v RoleVocabulary) Token(role chat.Role) string {
	switch role {
	case chat.RoleSystem:
		return v.System
	case chat.RoleUser:
		return v.User
	case chat.RoleAssistant:
		return v.Assistant
	}
	return string(role)
}

// Internal maps a backend role token back to an internal role.
func (v RoleVocabulary) Internal(token string) (chat.Role, bool) {
	switch token {
	case v.System:
		return chat.RoleSystem, true
	case v.User:
		return chat.RoleUser, true
	case v.Assistant:
		return chat.RoleAssistant, true
	}
	return "", false
}

// Info is the capability declaration a backend publishes. It is immutable
// for the adapter's lifetime.
type Info struct {
	Name              string
	Roles             RoleVocabulary
	Schema            *schema.Schema
	BaseURL           string
	DefaultHeaders    http.Header
	SupportsStreaming bool
	SupportsUsage     bool
}

// Request is a fully built backend request, ready for the stream client.
type Request struct {
	URL     string
	Headers http.Header
	Body    []byte
}

// Event is one normalized output unit decoded from a backend chunk.
type Event struct {
	// Delta is the incremental content, possibly empty.
	Delta string
	// Role, when set, marks a role change within the stream.
	Role chat.Role
	// Finished marks the terminal event of the exchange.
	Finished bool
	// Usage carries token accounting when the backend reports it per chunk.
	Usage *chat.Usage
}

// Adapter translates between the abstract {settings, message log} pair and
// one backend's wire protocol. Implementations keep an internal buffer for
// fragmented chunk delivery and are used by a single stream at a time.
type Adapter interface {
	// Info returns the backend capability declaration.
	Info() Info

	// Setup performs precondition checks (e.g. credential resolution)
	// before any request is attempted. An error aborts submission with no
	// network call.
	Setup() error

	// BuildRequest maps validated settings and the message log into a
	// backend request payload. Roles are translated to backend tokens.
	BuildRequest(settings schema.Settings, msgs []chat.Message) (*Request, error)

	// ParseChunk appends raw bytes to the adapter's buffer and decodes the
	// next complete streamed unit, if any. Partial input returns
	// (nil, nil): the adapter buffers and awaits more bytes. Callers pass
	// nil to drain further buffered units after a read. A malformed
	// complete unit returns a *DecodeError; the stream may continue.
	ParseChunk(raw []byte) (*Event, error)

	// ParseFinal runs an end-of-stream accounting pass over the full
	// response for backends that report usage only after completion.
	// Returns nil when no usage is available.
	ParseFinal(full []byte) *chat.Usage

	// Teardown is invoked once after streaming ends, regardless of
	// success or failure.
	Teardown()
}

// SetupError reports a failed adapter precondition (e.g. missing
// credential). It is fatal to the submission only.
type SetupError struct {
	Backend string
	Msg     string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s setup: %s", e.Backend, e.Msg)
}

// DecodeError reports a malformed chunk from the backend.
type DecodeError struct {
	Backend string
	Raw     string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: malformed chunk: %v", e.Backend, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NormalizeRoles applies the vocabulary's merge policy to consecutive
// same-role messages. With MergeConcat runs are joined with a blank line;
// with MergeReject a run is an error.
func NormalizeRoles(vocab RoleVocabulary, msgs []chat.Message) ([]chat.Message, error) {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			if vocab.MergePolicy == MergeReject {
				return nil, fmt.Errorf("consecutive %s messages not allowed by backend", m.Role)
			}
			prev := out[len(out)-1]
			merged := chat.New(prev.Role, prev.Content+"\n\n"+m.Content)
			merged.Visible = prev.Visible
			out[len(out)-1] = merged
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
