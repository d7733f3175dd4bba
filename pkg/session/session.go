package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatmd-dev/chatmd/internal/adapter"
	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/internal/document"
	"github.com/chatmd-dev/chatmd/internal/schema"
	"github.com/chatmd-dev/chatmd/internal/stream"
	"github.com/chatmd-dev/chatmd/internal/toolcall"
	"github.com/chatmd-dev/chatmd/pkg/config"
	"github.com/chatmd-dev/chatmd/pkg/observability"
)

// Result is the payload of EventRequestFinished.
type Result struct {
	Backend   string
	Usage     chat.Usage
	Tool      *toolcall.Invocation
	Err       error
	Cancelled bool
}

// Session owns one chat document and its lifecycle state machine. All log
// mutation and chunk application happen on one control sequence: chunk
// callbacks arrive on the stream client's single delivery goroutine and
// serialize against the public methods through the session mutex.
type Session struct {
	id      string
	cfg     *config.Config
	codec   *document.Codec
	client  *stream.Client
	notify  Notifier
	onClose func(*Session)

	mu       sync.Mutex
	adapter  adapter.Adapter
	state    State
	closed   bool
	doc      []byte
	log      []chat.Message
	hidden   map[string][]chat.Message
	settings schema.Settings
	usage    chat.Usage
	handle   *stream.Handle
	subs     []Subscriber

	// per-exchange state, reset on each submission
	streamRole chat.Role
	exchUsage  chat.Usage
	usageSeen  bool
	streamErr  error
	started    time.Time
}

func newSession(id string, ad adapter.Adapter, cfg *config.Config, codec *document.Codec, client *stream.Client, notify Notifier, onClose func(*Session)) *Session {
	return &Session{
		id:      id,
		cfg:     cfg,
		codec:   codec,
		client:  client,
		notify:  notify,
		onClose: onClose,
		adapter: ad,
		state:   StateIdle,
		hidden:  make(map[string][]chat.Message),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Backend returns the active backend name.
func (s *Session) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter.Info().Name
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.log))
	copy(out, s.log)
	return out
}

// Usage returns the cumulative token usage across exchanges.
func (s *Session) Usage() chat.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Document returns a copy of the current document text.
func (s *Session) Document() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.doc))
	copy(out, s.doc)
	return out
}

// SetDocument replaces the document text with an external edit. Valid only
// while idle.
func (s *Session) SetDocument(doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state != StateIdle {
		return ErrNotIdle
	}
	s.doc = append([]byte{}, doc...)
	return nil
}

// Subscribe registers a lifecycle event subscriber. Subscribers are invoked
// on the session's control sequence and must not block or call back in.
func (s *Session) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// SetBackend switches the active adapter. Valid only while idle; the message
// log and document are retained, settings revalidate against the new schema
// on the next submission.
func (s *Session) SetBackend(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.state != StateIdle {
		return ErrNotIdle
	}
	ad, err := adapter.New(name, s.cfg.AdapterConfig(name))
	if err != nil {
		return err
	}
	s.adapter = ad
	s.emitLocked(Event{Type: EventAdapterChanged, SessionID: s.id, Payload: name})
	return nil
}

// Submit reconciles the document into the message log and dispatches it to
// the backend. A second submit while an exchange is in flight is rejected
// with ErrBusy and has no side effects on the existing stream.
func (s *Session) Submit(ctx context.Context) error {
	return s.submit(ctx, false)
}

// Regenerate discards the trailing assistant message and resubmits without
// re-appending the user's message. Valid only from idle.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	if len(s.log) == 0 || s.log[len(s.log)-1].Role != chat.RoleAssistant {
		s.mu.Unlock()
		return ErrNoAssistantReply
	}
	s.log = s.log[:len(s.log)-1]
	// The trailing assistant section leaves the document before the
	// replacement streams in.
	s.doc = s.renderLocked()
	s.notifyDocLocked()
	s.mu.Unlock()
	return s.submit(ctx, true)
}

func (s *Session) submit(ctx context.Context, regenerate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state != StateIdle {
		return ErrBusy
	}

	settings, err := s.codec.ParseSettings(s.doc)
	if err != nil {
		return err
	}
	info := s.adapter.Info()

	merged := make(schema.Settings)
	for k, v := range s.cfg.Backends[info.Name].Settings {
		merged[k] = v
	}
	for k, v := range settings {
		merged[k] = v
	}
	if errs := schema.Validate(info.Schema, merged, nil); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	resolved := schema.Defaults(info.Schema, merged)

	parsed := s.codec.ParseAllMessages(s.doc)
	if len(parsed) == 0 {
		return ErrNoMessage
	}

	s.state = StateSubmitting
	s.settings = resolved
	s.log = parsed
	s.pruneHidden()
	if !regenerate {
		s.expandRefs(parsed[len(parsed)-1])
	}

	dispatch, err := adapter.NormalizeRoles(info.Roles, s.dispatchLog())
	if err != nil {
		s.state = StateIdle
		return fmt.Errorf("session: %w", err)
	}

	if err := s.adapter.Setup(); err != nil {
		s.state = StateIdle
		return err
	}

	s.streamRole = ""
	s.exchUsage = chat.Usage{}
	s.usageSeen = false
	s.streamErr = nil
	s.started = time.Now()

	spanCtx, span := observability.StartSpan(ctx, "session.submit",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("backend", info.Name),
			attribute.Bool("regenerate", regenerate),
		))

	// The callbacks receive the exchange handle from the stream client and
	// serialize on the session mutex, which is held until s.handle is
	// assigned below, so they always compare against the assigned handle.
	onChunk := func(h *stream.Handle, ev *adapter.Event, err error) {
		s.applyChunk(h, ev, err)
	}
	onDone := func(h *stream.Handle) {
		s.settle(h, span)
	}

	handle, err := s.client.Begin(spanCtx, s.adapter, resolved, dispatch, onChunk, onDone)
	if err != nil {
		span.End()
		s.state = StateIdle
		if err == stream.ErrBusy {
			return ErrBusy
		}
		return err
	}
	s.handle = handle
	s.emitLocked(Event{Type: EventRequestStarted, SessionID: s.id, Payload: info.Name})
	return nil
}

// Cancel requests best-effort termination of the in-flight exchange and
// transitions directly to idle. The partially rendered document text stays
// for the user to inspect or discard; no partial assistant message joins the
// log, and late chunks are discarded by handle identity.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state != StateSubmitting && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	h := s.handle
	s.handle = nil
	s.state = StateIdle
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Close cancels any in-flight stream and removes the session from its
// registry.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	h := s.handle
	s.handle = nil
	s.state = StateIdle
	s.emitLocked(Event{Type: EventSessionClosed, SessionID: s.id})
	s.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
	observability.SessionClosed()
	if s.onClose != nil {
		s.onClose(s)
	}
	return nil
}

// applyChunk is invoked on the stream's delivery goroutine, once per
// normalized event, in network-arrival order.
func (s *Session) applyChunk(h *stream.Handle, ev *adapter.Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil || s.handle != h {
		// Late event after cancellation or close.
		return
	}
	if err != nil {
		// Terminal transport failure. Partial content already applied to
		// the document stays; settle transitions to idle.
		s.streamErr = err
		return
	}
	if s.state == StateSubmitting {
		s.state = StateStreaming
	}
	if s.state != StateStreaming {
		return
	}

	observability.RecordChunk(s.adapter.Info().Name)
	if ev.Usage != nil {
		s.exchUsage.Add(*ev.Usage)
		s.usageSeen = true
	}
	if ev.Role != "" && ev.Role != s.streamRole {
		s.startSectionLocked(ev.Role)
	}
	if ev.Delta != "" {
		if s.streamRole == "" {
			s.startSectionLocked(chat.RoleAssistant)
		}
		s.doc = append(s.doc, ev.Delta...)
		s.notifyDocLocked()
	}
}

// settle finalizes the exchange: capture the assistant message from the
// document, record usage, detect a tool invocation, and return to idle.
// Invoked exactly once per exchange, after all buffered chunks.
func (s *Session) settle(h *stream.Handle, span trace.Span) {
	defer span.End()
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.adapter.Info().Name
	if h == nil || s.handle != h {
		// Cancelled or closed mid-flight. The stream has fully wound down,
		// so the adapter can release per-exchange state now.
		s.adapter.Teardown()
		observability.RecordExchange(name, "cancelled", time.Since(s.started))
		s.emitLocked(Event{Type: EventRequestFinished, SessionID: s.id, Payload: Result{Backend: name, Cancelled: true}})
		return
	}

	s.state = StateSettling
	result := Result{Backend: name}
	if s.streamErr != nil {
		result.Err = s.streamErr
		observability.RecordExchange(name, "error", time.Since(s.started))
	} else {
		final, ok := s.codec.ParseLastMessage(s.doc)
		if ok && final.Role == chat.RoleAssistant && final.Content != "" {
			s.log = append(s.log, final)
			if inv, found := toolcall.Detect(final.Content, s.cfg.ToolLang); found {
				result.Tool = inv
			}
		}
		usage := s.exchUsage
		if !s.usageSeen && s.adapter.Info().SupportsUsage {
			if u := s.adapter.ParseFinal(h.Full()); u != nil {
				usage = *u
			}
		}
		s.usage.Add(usage)
		result.Usage = usage
		observability.RecordTokens(name, usage.PromptTokens, usage.CompletionTokens)
		observability.RecordExchange(name, "ok", time.Since(s.started))
	}

	s.adapter.Teardown()
	s.handle = nil
	s.state = StateIdle
	s.emitLocked(Event{Type: EventRequestFinished, SessionID: s.id, Payload: result})
}

// startSectionLocked opens a new heading section in the document for a role
// change within the stream.
func (s *Session) startSectionLocked(role chat.Role) {
	s.streamRole = role
	for len(s.doc) > 0 && s.doc[len(s.doc)-1] == '\n' {
		s.doc = s.doc[:len(s.doc)-1]
	}
	if len(s.doc) > 0 {
		s.doc = append(s.doc, '\n', '\n')
	}
	s.doc = append(s.doc, "## "...)
	s.doc = append(s.doc, s.codec.Label(role)...)
	s.doc = append(s.doc, '\n', '\n')
	s.notifyDocLocked()
}

var varRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandRefs scans the submitted message for variable references and tool
// invocation markers, recording each as a hidden system message anchored to
// the message's fingerprint. Hidden messages precede their anchor in the
// dispatch log and never appear in the document.
func (s *Session) expandRefs(m chat.Message) {
	var extra []chat.Message
	seen := make(map[string]bool)
	for _, match := range varRefRe.FindAllStringSubmatch(m.Content, -1) {
		name := match[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if value, ok := s.cfg.Variables[name]; ok {
			extra = append(extra, chat.New(chat.RoleSystem, name+" = "+value).Tag("variable"))
		}
	}
	if inv, found := toolcall.Detect(m.Content, s.cfg.ToolLang); found {
		extra = append(extra, chat.New(chat.RoleSystem, "The user supplied a tool invocation:\n\n"+inv.Raw).Tag("tool-context"))
	}
	if len(extra) > 0 {
		s.hidden[m.ID] = extra
	}
}

// pruneHidden drops hidden context whose anchor message no longer appears in
// the re-parsed log, so edits that rewrite history do not leak stale context.
func (s *Session) pruneHidden() {
	live := make(map[string]bool, len(s.log))
	for _, m := range s.log {
		live[m.ID] = true
	}
	for id := range s.hidden {
		if !live[id] {
			delete(s.hidden, id)
		}
	}
}

// dispatchLog interleaves hidden context messages before their anchors.
func (s *Session) dispatchLog() []chat.Message {
	out := make([]chat.Message, 0, len(s.log))
	for _, m := range s.log {
		out = append(out, s.hidden[m.ID]...)
		out = append(out, m)
	}
	return out
}

// renderLocked serializes the current log and settings back to document text.
func (s *Session) renderLocked() []byte {
	info := s.adapter.Info()
	order := make([]string, 0, info.Schema.Len())
	for _, opt := range info.Schema.Options() {
		order = append(order, opt.Key)
	}
	return s.codec.Render(s.log, s.settings, document.RenderContext{
		ShowSettings: s.cfg.ShowSettings,
		Order:        order,
	})
}

func (s *Session) notifyDocLocked() {
	if s.notify != nil {
		s.notify.DocumentChanged(s.id, s.doc)
	}
}

func (s *Session) emitLocked(ev Event) {
	for _, sub := range s.subs {
		sub(ev)
	}
}
