package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/internal/schema"
)

const (
	ollamaBaseURL      = "http://localhost:11434"
	ollamaDefaultModel = "llama3.2"
)

func init() {
	RegisterFactory("ollama", func(config map[string]any) (Adapter, error) {
		baseURL := ollamaBaseURL
		if url, ok := config["base_url"].(string); ok && url != "" {
			baseURL = url
		}
		return NewOllama(baseURL), nil
	})
}

// Ollama implements Adapter for a local Ollama daemon. Chunks arrive as
// newline-delimited JSON objects; the terminal object carries done:true and
// the token counts.
type Ollama struct {
	baseURL string
	schema  *schema.Schema
	buf     bytes.Buffer
}

// NewOllama creates the adapter.
func NewOllama(baseURL string) *Ollama {
	if baseURL == "" {
		baseURL = ollamaBaseURL
	}
	return &Ollama{
		baseURL: baseURL,
		schema: schema.New(
			schema.Option{Key: "model", Type: schema.TypeString, Default: ollamaDefaultModel, Order: 1, Target: schema.TargetTopLevel, Description: "local model name"},
			schema.Option{Key: "temperature", Type: schema.TypeNumber, Order: 2, Target: schema.TargetParams},
			schema.Option{Key: "num_predict", Type: schema.TypeInteger, Order: 3, Target: schema.TargetParams, Description: "completion token limit"},
			schema.Option{Key: "top_p", Type: schema.TypeNumber, Order: 4, Target: schema.TargetParams},
			schema.Option{Key: "seed", Type: schema.TypeInteger, Order: 5, Target: schema.TargetParams},
			schema.Option{Key: "keep_alive", Type: schema.TypeString, Order: 6, Target: schema.TargetTopLevel, Description: "model keep-alive duration"},
		),
	}
}

// Info returns the backend capability declaration.
func (a *Ollama) Info() Info {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return Info{
		Name: "ollama",
		Roles: RoleVocabulary{
			System:      "system",
			User:        "user",
			Assistant:   "assistant",
			MergePolicy: MergeConcat,
		},
		Schema:            a.schema,
		BaseURL:           a.baseURL,
		DefaultHeaders:    headers,
		SupportsStreaming: true,
		SupportsUsage:     true,
	}
}

// Setup validates the daemon URL. No credential is required.
func (a *Ollama) Setup() error {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return &SetupError{Backend: "ollama", Msg: fmt.Sprintf("invalid base URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &SetupError{Backend: "ollama", Msg: fmt.Sprintf("invalid URL scheme %q", u.Scheme)}
	}
	return nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model     string         `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool           `json:"stream"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

type ollamaChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// BuildRequest maps settings and the message log into a /api/chat request.
// Sampling parameters land under the options object.
func (a *Ollama) BuildRequest(settings schema.Settings, msgs []chat.Message) (*Request, error) {
	vocab := a.Info().Roles
	messages := make([]ollamaMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = ollamaMessage{Role: vocab.Token(m.Role), Content: m.Content}
	}

	req := ollamaRequest{
		Model:    ollamaDefaultModel,
		Messages: messages,
		Stream:   true,
	}
	if model, ok := settings.String("model"); ok {
		req.Model = model
	}
	if keep, ok := settings.String("keep_alive"); ok {
		req.KeepAlive = keep
	}

	options := make(map[string]any)
	if t, ok := settings.Number("temperature"); ok {
		options["temperature"] = t
	}
	if n, ok := settings.Int("num_predict"); ok {
		options["num_predict"] = n
	}
	if p, ok := settings.Number("top_p"); ok {
		options["top_p"] = p
	}
	if s, ok := settings.Int("seed"); ok {
		options["seed"] = s
	}
	if len(options) > 0 {
		req.Options = options
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return &Request{
		URL:     a.baseURL + "/api/chat",
		Headers: headers,
		Body:    body,
	}, nil
}

// ParseChunk decodes the next complete JSON line from the buffer.
func (a *Ollama) ParseChunk(raw []byte) (*Event, error) {
	a.buf.Write(raw)
	for {
		line, ok := nextLine(&a.buf)
		if !ok {
			return nil, nil
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var c ollamaChunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, &DecodeError{Backend: "ollama", Raw: string(line), Err: err}
		}
		if c.Error != "" {
			return nil, &DecodeError{Backend: "ollama", Raw: string(line), Err: fmt.Errorf("%s", c.Error)}
		}

		ev := &Event{
			Delta:    c.Message.Content,
			Finished: c.Done,
		}
		if c.Message.Role != "" {
			if role, ok := a.Info().Roles.Internal(c.Message.Role); ok {
				ev.Role = role
			}
		}
		if c.Done {
			ev.Usage = &chat.Usage{
				PromptTokens:     c.PromptEvalCount,
				CompletionTokens: c.EvalCount,
				TotalTokens:      c.PromptEvalCount + c.EvalCount,
			}
		}
		return ev, nil
	}
}

// ParseFinal is a no-op: usage arrives on the done chunk.
func (a *Ollama) ParseFinal([]byte) *chat.Usage {
	return nil
}

// Teardown resets the chunk buffer for the next exchange.
func (a *Ollama) Teardown() {
	a.buf.Reset()
}
