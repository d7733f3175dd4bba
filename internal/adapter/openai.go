package adapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/internal/schema"
)

const (
	openaiBaseURL      = "https://api.openai.com/v1"
	openaiDefaultModel = "gpt-4o-mini"
)

func init() {
	RegisterFactory("openai", func(config map[string]any) (Adapter, error) {
		apiKey, _ := config["api_key"].(string)
		baseURL := openaiBaseURL
		if url, ok := config["base_url"].(string); ok && url != "" {
			baseURL = url
		}
		return NewOpenAI(apiKey, baseURL), nil
	})
}

// OpenAI implements Adapter for OpenAI-compatible chat completion backends.
// Chunks arrive as server-sent events terminated by a [DONE] marker.
type OpenAI struct {
	apiKey  string
	baseURL string
	schema  *schema.Schema
	buf     bytes.Buffer
}

// NewOpenAI creates the adapter. The API key may be empty at construction;
// Setup resolves it from the environment and fails the submission if absent.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = openaiBaseURL
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		schema: schema.New(
			schema.Option{Key: "model", Type: schema.TypeString, Default: openaiDefaultModel, Order: 1, Target: schema.TargetTopLevel, Description: "model identifier"},
			schema.Option{Key: "temperature", Type: schema.TypeNumber, Order: 2, Target: schema.TargetParams, Description: "sampling temperature"},
			schema.Option{Key: "max_tokens", Type: schema.TypeInteger, Order: 3, Target: schema.TargetParams, Description: "completion token limit"},
			schema.Option{Key: "top_p", Type: schema.TypeNumber, Order: 4, Target: schema.TargetParams, Description: "nucleus sampling cutoff"},
			schema.Option{Key: "frequency_penalty", Type: schema.TypeNumber, Order: 5, Target: schema.TargetParams},
			schema.Option{Key: "presence_penalty", Type: schema.TypeNumber, Order: 6, Target: schema.TargetParams},
		),
	}
}

// Info returns the backend capability declaration.
func (a *OpenAI) Info() Info {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	return Info{
		Name: "openai",
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

// Setup resolves the API key. Missing key aborts submission before any
// network call.
func (a *OpenAI) Setup() error {
	if a.apiKey == "" {
		a.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if a.apiKey == "" {
		return &SetupError{Backend: "openai", Msg: "OPENAI_API_KEY not set"}
	}
	return nil
}

// BuildRequest maps settings and the message log into a streaming chat
// completion request.
func (a *OpenAI) BuildRequest(settings schema.Settings, msgs []chat.Message) (*Request, error) {
	vocab := a.Info().Roles
	messages := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = openai.ChatCompletionMessage{
			Role:    vocab.Token(m.Role),
			Content: m.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:    openaiDefaultModel,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if model, ok := settings.String("model"); ok {
		req.Model = model
	}
	if t, ok := settings.Number("temperature"); ok {
		req.Temperature = float32(t)
	}
	if n, ok := settings.Int("max_tokens"); ok {
		req.MaxTokens = n
	}
	if p, ok := settings.Number("top_p"); ok {
		req.TopP = float32(p)
	}
	if f, ok := settings.Number("frequency_penalty"); ok {
		req.FrequencyPenalty = float32(f)
	}
	if p, ok := settings.Number("presence_penalty"); ok {
		req.PresencePenalty = float32(p)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Authorization", "Bearer "+a.apiKey)
	return &Request{
		URL:     a.baseURL + "/chat/completions",
		Headers: headers,
		Body:    body,
	}, nil
}

// ParseChunk decodes the next complete SSE data line from the buffer.
func (a *OpenAI) ParseChunk(raw []byte) (*Event, error) {
	a.buf.Write(raw)
	for {
		line, ok := nextLine(&a.buf)
		if !ok {
			return nil, nil
		}
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))
		if string(data) == "[DONE]" {
			return &Event{Finished: true}, nil
		}

		var resp openai.ChatCompletionStreamResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &DecodeError{Backend: "openai", Raw: string(data), Err: err}
		}

		ev := &Event{}
		if resp.Usage != nil {
			ev.Usage = &chat.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			ev.Delta = choice.Delta.Content
			if choice.Delta.Role != "" {
				if role, ok := a.Info().Roles.Internal(choice.Delta.Role); ok {
					ev.Role = role
				}
			}
			ev.Finished = choice.FinishReason != ""
		}
		return ev, nil
	}
}

// ParseFinal is a no-op: usage arrives on the final stream chunk.
func (a *OpenAI) ParseFinal([]byte) *chat.Usage {
	return nil
}

// Teardown resets the chunk buffer for the next exchange.
func (a *OpenAI) Teardown() {
	a.buf.Reset()
}

// nextLine pops one newline-terminated line from the buffer, leaving partial
// trailing input in place. The trailing newline and any carriage return are
// stripped.
func nextLine(buf *bytes.Buffer) ([]byte, bool) {
	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	buf.Next(idx + 1)
	return bytes.TrimRight(line, "\r"), true
}
