package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/internal/schema"
)

const (
	anthropicBaseURL        = "https://api.anthropic.com/v1"
	anthropicDefaultModel   = "claude-3-5-haiku-latest"
	anthropicDefaultVersion = "2023-06-01"
	anthropicMaxTokens      = 1024
)

func init() {
	RegisterFactory("anthropic", func(config map[string]any) (Adapter, error) {
		apiKey, _ := config["api_key"].(string)
		baseURL := anthropicBaseURL
		if url, ok := config["base_url"].(string); ok && url != "" {
			baseURL = url
		}
		return NewAnthropic(apiKey, baseURL), nil
	})
}

// Anthropic implements Adapter for the Anthropic messages API. The stream is
// SSE with named events; usage is split across message_start (input tokens)
// and message_delta (output tokens). System messages move into the request's
// top-level system field, and remaining roles must alternate, so same-role
// runs are merged before dispatch.
type Anthropic struct {
	apiKey  string
	baseURL string
	schema  *schema.Schema
	buf     bytes.Buffer
	// lastEvent tracks the pending "event:" line while its data line is
	// still in flight.
	lastEvent string
}

// NewAnthropic creates the adapter.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: baseURL,
		schema: schema.New(
			schema.Option{Key: "model", Type: schema.TypeString, Default: anthropicDefaultModel, Order: 1, Target: schema.TargetTopLevel},
			schema.Option{Key: "max_tokens", Type: schema.TypeInteger, Default: anthropicMaxTokens, Order: 2, Target: schema.TargetTopLevel, Description: "completion token limit (required by the API)"},
			schema.Option{Key: "temperature", Type: schema.TypeNumber, Order: 3, Target: schema.TargetParams},
			schema.Option{Key: "top_p", Type: schema.TypeNumber, Order: 4, Target: schema.TargetParams},
			schema.Option{Key: "top_k", Type: schema.TypeInteger, Order: 5, Target: schema.TargetParams},
			schema.Option{Key: "version", Type: schema.TypeString, Default: anthropicDefaultVersion, Order: 6, Target: schema.TargetClient, Description: "anthropic-version header"},
		),
	}
}

// Info returns the backend capability declaration.
func (a *Anthropic) Info() Info {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Anthropic-Version", anthropicDefaultVersion)
	return Info{
		Name: "anthropic",
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

// Setup resolves the API key.
func (a *Anthropic) Setup() error {
	if a.apiKey == "" {
		a.apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if a.apiKey == "" {
		return &SetupError{Backend: "anthropic", Msg: "ANTHROPIC_API_KEY not set"}
	}
	return nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	Stream      bool               `json:"stream"`
}

// BuildRequest maps settings and the message log into a /messages request.
// System messages are concatenated into the top-level system field.
func (a *Anthropic) BuildRequest(settings schema.Settings, msgs []chat.Message) (*Request, error) {
	vocab := a.Info().Roles
	var system []string
	messages := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    vocab.Token(m.Role),
			Content: m.Content,
		})
	}

	req := anthropicRequest{
		Model:     anthropicDefaultModel,
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
		System:    strings.Join(system, "\n\n"),
		Stream:    true,
	}
	if model, ok := settings.String("model"); ok {
		req.Model = model
	}
	if n, ok := settings.Int("max_tokens"); ok {
		req.MaxTokens = n
	}
	if t, ok := settings.Number("temperature"); ok {
		req.Temperature = &t
	}
	if p, ok := settings.Number("top_p"); ok {
		req.TopP = &p
	}
	if k, ok := settings.Int("top_k"); ok {
		req.TopK = &k
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	version := anthropicDefaultVersion
	if v, ok := settings.String("version"); ok {
		version = v
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Api-Key", a.apiKey)
	headers.Set("Anthropic-Version", version)
	return &Request{
		URL:     a.baseURL + "/messages",
		Headers: headers,
		Body:    body,
	}, nil
}

// anthropicEvent covers the data payloads of the event types we consume.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message struct {
		Role  string `json:"role"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseChunk decodes the next complete SSE event from the buffer.
func (a *Anthropic) ParseChunk(raw []byte) (*Event, error) {
	a.buf.Write(raw)
	for {
		line, ok := nextLine(&a.buf)
		if !ok {
			return nil, nil
		}
		if len(line) == 0 {
			continue
		}
		if bytes.HasPrefix(line, []byte("event: ")) {
			a.lastEvent = string(bytes.TrimPrefix(line, []byte("event: ")))
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))

		var ev anthropicEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &DecodeError{Backend: "anthropic", Raw: string(data), Err: err}
		}
		eventType := ev.Type
		if eventType == "" {
			eventType = a.lastEvent
		}

		switch eventType {
		case "message_start":
			out := &Event{}
			if role, ok := a.Info().Roles.Internal(ev.Message.Role); ok {
				out.Role = role
			}
			if ev.Message.Usage.InputTokens > 0 {
				out.Usage = &chat.Usage{
					PromptTokens: ev.Message.Usage.InputTokens,
					TotalTokens:  ev.Message.Usage.InputTokens,
				}
			}
			return out, nil
		case "content_block_delta":
			return &Event{Delta: ev.Delta.Text}, nil
		case "message_delta":
			out := &Event{}
			if ev.Usage.OutputTokens > 0 {
				out.Usage = &chat.Usage{
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      ev.Usage.OutputTokens,
				}
			}
			return out, nil
		case "message_stop":
			return &Event{Finished: true}, nil
		case "error":
			return nil, &DecodeError{
				Backend: "anthropic",
				Raw:     string(data),
				Err:     fmt.Errorf("%s: %s", ev.Error.Type, ev.Error.Message),
			}
		default:
			// ping, content_block_start, content_block_stop
			continue
		}
	}
}

// ParseFinal recomputes usage from the full SSE body. The session falls back
// to this when no per-chunk usage was observed (e.g. a proxy stripped the
// accounting events).
func (a *Anthropic) ParseFinal(full []byte) *chat.Usage {
	usage := &chat.Usage{}
	for _, line := range bytes.Split(full, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var ev anthropicEvent
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &ev); err != nil {
			continue
		}
		if ev.Message.Usage.InputTokens > 0 {
			usage.PromptTokens = ev.Message.Usage.InputTokens
		}
		if ev.Usage.OutputTokens > 0 {
			usage.CompletionTokens = ev.Usage.OutputTokens
		}
	}
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return nil
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage
}

// Teardown resets per-exchange decode state.
func (a *Anthropic) Teardown() {
	a.buf.Reset()
	a.lastEvent = ""
}
