package session

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/chatmd-dev/chatmd/internal/adapter"
	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/internal/document"
	"github.com/chatmd-dev/chatmd/internal/stream"
	"github.com/chatmd-dev/chatmd/pkg/config"
	"github.com/chatmd-dev/chatmd/pkg/observability"
)

// Registry is the process-scoped registry of open sessions. It is
// append-on-create, remove-on-close, and holds no other cross-session state:
// two sessions never share adapter, schema, or settings.
type Registry struct {
	cfg *config.Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// OpenOptions configures session creation.
type OpenOptions struct {
	// Backend names the adapter; empty uses the configured default.
	Backend string
	// Document is the initial document text.
	Document []byte
	// Notifier receives document change notifications.
	Notifier Notifier
	// HTTPClient overrides the stream transport (tests).
	HTTPClient *http.Client
}

// NewRegistry creates a registry bound to one configuration.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Open creates a session, registers it, and returns it.
func (r *Registry) Open(opts OpenOptions) (*Session, error) {
	backend := opts.Backend
	if backend == "" {
		backend = r.cfg.DefaultBackend
	}
	ad, err := adapter.New(backend, r.cfg.AdapterConfig(backend))
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	codec := document.NewCodec(document.Config{
		RoleLabels:  roleLabels(r.cfg.RoleLabels),
		RoleAliases: roleAliases(r.cfg.RoleAliases),
		SettingsTag: r.cfg.SettingsTag,
	})
	client := stream.NewClient(stream.Options{
		HTTPClient:        opts.HTTPClient,
		RequestsPerMinute: r.cfg.RequestsPerMinute,
	})

	id := uuid.New().String()
	sess := newSession(id, ad, r.cfg, codec, client, opts.Notifier, r.remove)
	if len(opts.Document) > 0 {
		sess.doc = append([]byte{}, opts.Document...)
	}

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	observability.SessionOpened()
	return sess, nil
}

// Get looks up an open session by identifier.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// List returns the identifiers of all open sessions.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every open session. Sessions still streaming cancel first.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	open := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		open = append(open, sess)
	}
	r.mu.RUnlock()
	for _, sess := range open {
		_ = sess.Close()
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
}

func roleLabels(labels map[string]string) map[chat.Role]string {
	out := make(map[chat.Role]string, len(labels))
	for role, label := range labels {
		out[chat.Role(role)] = label
	}
	return out
}

func roleAliases(aliases map[string]string) map[string]chat.Role {
	out := make(map[string]chat.Role, len(aliases))
	for alias, role := range aliases {
		out[alias] = chat.Role(role)
	}
	return out
}
