package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmd-dev/chatmd/internal/adapter"
	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/pkg/config"
)

// sseDelta builds one OpenAI-format SSE content chunk.
func sseDelta(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func sseRole(role string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"role": role}}},
	})
	return "data: " + string(b) + "\n\n"
}

func sseUsage(prompt, completion int) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	})
	return "data: " + string(b) + "\n\n"
}

const sseDone = "data: [DONE]\n\n"

// replyWith streams an assistant reply split into the given deltas, with a
// usage chunk before the terminator.
func replyWith(deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, sseRole("assistant"))
		for _, d := range deltas {
			io.WriteString(w, sseDelta(d))
			flusher.Flush()
		}
		io.WriteString(w, sseUsage(5, 2))
		io.WriteString(w, sseDone)
	}
}

// docRecorder records every document notification.
type docRecorder struct {
	mu      sync.Mutex
	docs    [][]byte
	changed chan struct{}
}

func newDocRecorder() *docRecorder {
	return &docRecorder{changed: make(chan struct{}, 64)}
}

func (r *docRecorder) DocumentChanged(sessionID string, doc []byte) {
	r.mu.Lock()
	r.docs = append(r.docs, append([]byte{}, doc...))
	r.mu.Unlock()
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *docRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return ""
	}
	return string(r.docs[len(r.docs)-1])
}

// waitForDoc blocks until a notified document contains substr.
func (r *docRecorder) waitForDoc(t *testing.T, substr string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if strings.Contains(r.last(), substr) {
			return
		}
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("no document containing %q; last: %q", substr, r.last())
		}
	}
}

type testHarness struct {
	server   *httptest.Server
	cfg      *config.Config
	registry *Registry
	recorder *docRecorder
	events   chan Event
}

// newHarness wires a session registry to an httptest backend speaking the
// OpenAI stream protocol.
func newHarness(t *testing.T, handler http.HandlerFunc, mutate func(*config.Config)) *testHarness {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Backends = map[string]config.BackendConfig{
		"openai": {BaseURL: server.URL, APIKey: "sk-test"},
		"ollama": {BaseURL: server.URL},
	}
	if mutate != nil {
		mutate(cfg)
	}

	return &testHarness{
		server:   server,
		cfg:      cfg,
		registry: NewRegistry(cfg),
		recorder: newDocRecorder(),
		events:   make(chan Event, 32),
	}
}

func (h *testHarness) open(t *testing.T, doc string) *Session {
	t.Helper()
	sess, err := h.registry.Open(OpenOptions{
		Document:   []byte(doc),
		Notifier:   h.recorder,
		HTTPClient: h.server.Client(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	sess.Subscribe(func(ev Event) { h.events <- ev })
	return sess
}

// waitResult blocks until the next EventRequestFinished and returns its
// payload.
func (h *testHarness) waitResult(t *testing.T) Result {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventRequestFinished {
				return ev.Payload.(Result)
			}
		case <-deadline:
			t.Fatal("no request_finished event")
		}
	}
}

func TestSubmitStreamsReply(t *testing.T) {
	h := newHarness(t, replyWith("Hi", " there"), nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))

	result := h.waitResult(t)
	require.NoError(t, result.Err)
	assert.False(t, result.Cancelled)
	assert.Equal(t, "openai", result.Backend)
	assert.Equal(t, 7, result.Usage.TotalTokens)

	assert.Equal(t, StateIdle, sess.State())
	assert.Equal(t, "## user\n\nHello\n\n## assistant\n\nHi there", string(sess.Document()))

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)

	assert.Equal(t, 7, sess.Usage().TotalTokens)
}

// A backend that answers before the submitter regains the scheduler must not
// lose its first chunks: every reply lands in full even when the whole stream
// arrives ahead of Submit returning.
func TestSubmitFastReplyNotDropped(t *testing.T) {
	h := newHarness(t, replyWith("instant reply"), nil)
	sess := h.open(t, "## user\n\nHello\n")

	for i := 0; i < 5; i++ {
		require.NoError(t, sess.SetDocument([]byte("## user\n\nHello\n")))
		submitSoon(t, sess)
		result := h.waitResult(t)
		require.NoError(t, result.Err)
		assert.Equal(t, "## user\n\nHello\n\n## assistant\n\ninstant reply", string(sess.Document()))
		msgs := sess.Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "instant reply", msgs[1].Content)
	}
}

// submitSoon retries while the previous exchange releases its client slot.
func submitSoon(t *testing.T, sess *Session) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := sess.Submit(context.Background())
		if err == nil {
			return
		}
		if err != ErrBusy || time.Now().After(deadline) {
			t.Fatalf("submit: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSubmitRejectsInvalidSettings(t *testing.T) {
	h := newHarness(t, replyWith("never"), nil)
	sess := h.open(t, "```config\nmodel: gpt-4\ntemperature: hot\n```\n\n## user\n\nHello\n")

	err := sess.Submit(context.Background())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{"temperature": "expected number"}, verr.Errors)

	// The aborted submission leaves no trace.
	assert.Equal(t, StateIdle, sess.State())
	assert.Empty(t, sess.Messages())
}

func TestSubmitEmptyDocument(t *testing.T) {
	h := newHarness(t, replyWith("never"), nil)
	sess := h.open(t, "")

	assert.ErrorIs(t, sess.Submit(context.Background()), ErrNoMessage)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSubmitWhileBusy(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, sseRole("assistant"))
		io.WriteString(w, sseDelta("Hi"))
		flusher.Flush()
		<-release
		io.WriteString(w, sseDone)
	}, nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))
	assert.ErrorIs(t, sess.Submit(context.Background()), ErrBusy)

	close(release)
	result := h.waitResult(t)
	assert.NoError(t, result.Err)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSubmitSetupError(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	h := newHarness(t, replyWith("never"), func(cfg *config.Config) {
		cfg.Backends["openai"] = config.BackendConfig{BaseURL: cfg.Backends["openai"].BaseURL}
	})
	sess := h.open(t, "## user\n\nHello\n")

	err := sess.Submit(context.Background())
	var serr *adapter.SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateIdle, sess.State())
}

func TestCancelDiscardsExchange(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, sseRole("assistant"))
		io.WriteString(w, sseDelta("partial"))
		flusher.Flush()
		<-r.Context().Done()
	}, nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))
	h.recorder.waitForDoc(t, "partial")

	sess.Cancel()
	assert.Equal(t, StateIdle, sess.State())

	result := h.waitResult(t)
	assert.True(t, result.Cancelled)

	// Partial text stays in the document for the user to inspect, but no
	// assistant message joins the log.
	assert.Contains(t, string(sess.Document()), "partial")
	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
}

func TestRegenerate(t *testing.T) {
	var requests atomic.Int32
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, sseRole("assistant"))
		if requests.Add(1) == 1 {
			io.WriteString(w, sseDelta("First reply"))
		} else {
			io.WriteString(w, sseDelta("Second reply"))
		}
		flusher.Flush()
		io.WriteString(w, sseUsage(5, 2))
		io.WriteString(w, sseDone)
	}, nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))
	require.NoError(t, h.waitResult(t).Err)
	assert.Contains(t, string(sess.Document()), "First reply")

	require.NoError(t, sess.Regenerate(context.Background()))
	require.NoError(t, h.waitResult(t).Err)

	assert.Equal(t, "## user\n\nHello\n\n## assistant\n\nSecond reply", string(sess.Document()))
	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Second reply", msgs[1].Content)
	assert.NotContains(t, string(sess.Document()), "First reply")
}

func TestRegenerateRequiresAssistantReply(t *testing.T) {
	h := newHarness(t, replyWith("never"), nil)
	sess := h.open(t, "## user\n\nHello\n")

	assert.ErrorIs(t, sess.Regenerate(context.Background()), ErrNoAssistantReply)
}

func TestToolInvocationDetected(t *testing.T) {
	h := newHarness(t, replyWith("Run this:\n\n```tool\n{\"cmd\":\"ls\"}\n```"), nil)
	sess := h.open(t, "## user\n\nList the files\n")

	require.NoError(t, sess.Submit(context.Background()))
	result := h.waitResult(t)
	require.NoError(t, result.Err)

	require.NotNil(t, result.Tool)
	assert.Equal(t, "tool", result.Tool.Lang)
	assert.Equal(t, `{"cmd":"ls"}`, result.Tool.Raw)
}

func TestVariableExpansion(t *testing.T) {
	var body atomic.Value
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(data)
		io.WriteString(w, sseRole("assistant"))
		io.WriteString(w, sseDelta("Sure"))
		io.WriteString(w, sseDone)
	}, func(cfg *config.Config) {
		cfg.Variables = map[string]string{"project": "chatmd"}
	})
	sess := h.open(t, "## user\n\nDescribe ${project}\n")

	require.NoError(t, sess.Submit(context.Background()))
	require.NoError(t, h.waitResult(t).Err)

	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body.Load().([]byte), &req))
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "project = chatmd", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)

	// The expansion never leaks into the document.
	assert.NotContains(t, string(sess.Document()), "project = chatmd")
}

// Rewriting the document away from a message discards the hidden context it
// produced: the next dispatch must not carry it, and the anchor map must not
// grow across submissions.
func TestHiddenContextPrunedWithAnchor(t *testing.T) {
	var body atomic.Value
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(data)
		io.WriteString(w, sseRole("assistant"))
		io.WriteString(w, sseDelta("Sure"))
		io.WriteString(w, sseDone)
	}, func(cfg *config.Config) {
		cfg.Variables = map[string]string{"project": "chatmd"}
	})
	sess := h.open(t, "## user\n\nDescribe ${project}\n")

	require.NoError(t, sess.Submit(context.Background()))
	require.NoError(t, h.waitResult(t).Err)

	sess.mu.Lock()
	hiddenAfterFirst := len(sess.hidden)
	sess.mu.Unlock()
	require.Equal(t, 1, hiddenAfterFirst)

	// Replace the conversation with one that never mentioned the variable.
	require.NoError(t, sess.SetDocument([]byte("## user\n\nSomething else entirely\n")))
	submitSoon(t, sess)
	require.NoError(t, h.waitResult(t).Err)

	sess.mu.Lock()
	hiddenAfterSecond := len(sess.hidden)
	sess.mu.Unlock()
	assert.Zero(t, hiddenAfterSecond)

	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body.Load().([]byte), &req))
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
}

func TestSetBackend(t *testing.T) {
	h := newHarness(t, replyWith("Hi"), nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.SetBackend("ollama"))
	assert.Equal(t, "ollama", sess.Backend())

	select {
	case ev := <-h.events:
		assert.Equal(t, EventAdapterChanged, ev.Type)
		assert.Equal(t, "ollama", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("no adapter_changed event")
	}

	assert.Error(t, sess.SetBackend("nope"))
	assert.Equal(t, "ollama", sess.Backend())
}

func TestSetBackendWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, sseDone)
	}, nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))
	assert.ErrorIs(t, sess.SetBackend("ollama"), ErrNotIdle)

	close(release)
	h.waitResult(t)
}

func TestSetDocumentWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		<-release
		io.WriteString(w, sseDone)
	}, nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))
	assert.ErrorIs(t, sess.SetDocument([]byte("## user\n\nEdited\n")), ErrNotIdle)

	close(release)
	h.waitResult(t)

	require.NoError(t, sess.SetDocument([]byte("## user\n\nEdited\n")))
	assert.Equal(t, "## user\n\nEdited\n", string(sess.Document()))
}

func TestStreamErrorSurfacesInResult(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model overloaded"}`, http.StatusServiceUnavailable)
	}, nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))
	result := h.waitResult(t)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "503")
	assert.Equal(t, StateIdle, sess.State())
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	h := newHarness(t, replyWith("Hi"), nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.Submit(context.Background()), ErrClosed)
	assert.ErrorIs(t, sess.SetDocument([]byte("x")), ErrClosed)
	assert.ErrorIs(t, sess.SetBackend("ollama"), ErrClosed)
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Errors: map[string]string{
		"temperature": "expected number",
		"bogus":       "unknown setting",
	}}
	assert.Equal(t, "invalid settings: bogus: unknown setting; temperature: expected number", err.Error())
}

func TestConfiguredBackendSettingsApply(t *testing.T) {
	var body atomic.Value
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(data)
		io.WriteString(w, sseRole("assistant"))
		io.WriteString(w, sseDelta("Hi"))
		io.WriteString(w, sseDone)
	}, func(cfg *config.Config) {
		bc := cfg.Backends["openai"]
		bc.Settings = map[string]any{"model": "gpt-4", "temperature": 0.2}
		cfg.Backends["openai"] = bc
	})
	// The document overrides temperature but inherits the configured model.
	sess := h.open(t, "```config\ntemperature: 0.9\n```\n\n## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))
	require.NoError(t, h.waitResult(t).Err)

	var req struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
	}
	require.NoError(t, json.Unmarshal(body.Load().([]byte), &req))
	assert.Equal(t, "gpt-4", req.Model)
	assert.InDelta(t, 0.9, req.Temperature, 1e-6)
}

func TestSubmitAfterReplyContinuesConversation(t *testing.T) {
	var requests atomic.Int32
	var body atomic.Value
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(data)
		io.WriteString(w, sseRole("assistant"))
		io.WriteString(w, sseDelta(fmt.Sprintf("Reply %d", requests.Add(1))))
		io.WriteString(w, sseDone)
	}, nil)
	sess := h.open(t, "## user\n\nHello\n")

	require.NoError(t, sess.Submit(context.Background()))
	require.NoError(t, h.waitResult(t).Err)

	// Simulate the user appending a follow-up section by hand.
	doc := string(sess.Document()) + "\n\n## user\n\nAnd another thing\n"
	require.NoError(t, sess.SetDocument([]byte(doc)))
	require.NoError(t, sess.Submit(context.Background()))
	require.NoError(t, h.waitResult(t).Err)

	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body.Load().([]byte), &req))
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "assistant", req.Messages[1].Role)
	assert.Equal(t, "Reply 1", req.Messages[1].Content)
	assert.Equal(t, "And another thing", req.Messages[2].Content)
}
