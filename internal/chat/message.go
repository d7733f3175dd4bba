// Package chat defines the message log types shared by the document codec,
// the protocol adapters, and the session state machine.
package chat

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Role is the internal sender vocabulary. Adapters translate these to their
// backend-specific tokens; nothing outside an adapter sees backend vocabulary.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the three internal roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one entry in a session's ordered message log.
type Message struct {
	// ID is a stable fingerprint of role+content, used to deduplicate
	// messages re-parsed from the document.
	ID string `json:"id"`
	// Role is the sender.
	Role Role `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Visible controls whether the message is serialized into the document.
	// System messages default to hidden.
	Visible bool `json:"visible"`
	// Tags carries free-form labels (e.g. "hidden-context", "variable").
	Tags map[string]struct{} `json:"-"`
}

// New builds a message with its fingerprint computed. System messages are
// created hidden; user and assistant messages visible.
func New(role Role, content string) Message {
	return Message{
		ID:      Fingerprint(role, content),
		Role:    role,
		Content: content,
		Visible: role != RoleSystem,
	}
}

// Tag returns a copy of the message with the given tag set.
func (m Message) Tag(tag string) Message {
	tags := make(map[string]struct{}, len(m.Tags)+1)
	for t := range m.Tags {
		tags[t] = struct{}{}
	}
	tags[tag] = struct{}{}
	m.Tags = tags
	return m
}

// HasTag reports whether the message carries the given tag.
func (m Message) HasTag(tag string) bool {
	_, ok := m.Tags[tag]
	return ok
}

// Fingerprint computes the stable content+role hash used as a message ID.
func Fingerprint(role Role, content string) string {
	h := xxhash.New()
	_, _ = h.WriteString(string(role))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(content)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Usage accumulates token accounting reported by a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage report into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
