package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic messages API. It implements the LLM interface and
// handles streaming chat completions using Claude models.
type Anthropic struct {
	apiKey   string
	model    string
	params   LLMParameters
	endpoint string

	client *http.Client
}

type anthropicChatRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint     = "https://api.anthropic.com/v1"
	anthropicVersion         = "2023-06-01"
	anthropicDefaultMaxToken = 1024
)

// NewAnthropic creates a new Anthropic instance. An empty baseURL targets the public API, and a zero
// params.MaxTokens falls back to 1024 since the API requires the field.
func NewAnthropic(apiKey, baseURL, model string, params LLMParameters) Anthropic {
	if baseURL == "" {
		baseURL = anthropicAPIEndpoint
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = anthropicDefaultMaxToken
	}
	return Anthropic{
		apiKey:   apiKey,
		model:    model,
		params:   params,
		endpoint: strings.TrimSuffix(baseURL, "/") + "/messages",
		client:   &http.Client{},
	}
}

// extractSystemPrompt pulls the leading system entry out of the prompt, the messages API takes it as
// a separate field.
func extractSystemPrompt(prompt []models.PromptEntry) (string, []models.PromptEntry) {
	if len(prompt) == 0 {
		return "", prompt
	}

	if prompt[0].Role == models.RoleSystem {
		return prompt[0].Text, prompt[1:]
	}

	return "", prompt
}

// Chat streams responses from the Anthropic API for the given prompt. The context can be used to cancel
// ongoing requests.
func (a Anthropic) Chat(ctx context.Context, prompt []models.PromptEntry) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		system, entries := extractSystemPrompt(prompt)

		msgs := make([]anthropicMessage, len(entries))
		for i, entry := range entries {
			msgs[i] = anthropicMessage{
				Role:    string(entry.Role),
				Content: entry.Text,
			}
		}

		reqBody := anthropicChatRequest{
			Model:         a.model,
			Messages:      msgs,
			Stream:        true,
			System:        system,
			MaxTokens:     a.params.MaxTokens,
			Temperature:   a.params.Temperature,
			TopP:          a.params.TopP,
			StopSequences: a.params.Stop,
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewBuffer(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield("", anthropicStatusError(resp))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			default:
				continue
			}
		}
		if ctx.Err() == nil {
			yield("", ErrIncompleteStream)
		}
	}
}

func anthropicStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e anthropicError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return fmt.Errorf("anthropic error %s (status %d): %s", e.Error.Type, resp.StatusCode, e.Error.Message)
	}
	return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
}
