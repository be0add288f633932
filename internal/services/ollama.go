package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama streams completions from an Ollama server.
type Ollama struct {
	model  string
	params LLMParameters

	client *api.Client
}

// NewOllama creates a new Ollama client for the server at host.
func NewOllama(host, model string, params LLMParameters) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		model:  model,
		params: params,
		client: api.NewClient(u, &http.Client{}),
	}, nil
}

// errStopStream ends the ollama callback loop after the consumer stopped iterating.
var errStopStream = errors.New("stream stopped by consumer")

// Chat implements the LLM interface by streaming responses from the Ollama model. Each chunk of the
// response is yielded as soon as the server produces it.
func (o Ollama) Chat(ctx context.Context, prompt []models.PromptEntry) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, len(prompt))
		for i, entry := range prompt {
			msgs[i] = api.Message{
				Role:    string(entry.Role),
				Content: entry.Text,
			}
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
			Options:  o.options(),
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		done := false
		err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Done {
				done = true
			}
			if res.Message.Content == "" {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				return errStopStream
			}
			return nil
		})
		if errors.Is(err, errStopStream) || errors.Is(err, context.Canceled) {
			return
		}
		if err == nil {
			if !done && ctx.Err() == nil {
				yield("", ErrIncompleteStream)
			}
			return
		}
		yield("", fmt.Errorf("error sending request: %w", err))
	}
}

func (o Ollama) options() map[string]any {
	opts := make(map[string]any)
	if o.params.Temperature != nil {
		opts["temperature"] = *o.params.Temperature
	}
	if o.params.TopP != nil {
		opts["top_p"] = *o.params.TopP
	}
	if o.params.MaxTokens > 0 {
		opts["num_predict"] = o.params.MaxTokens
	}
	if o.params.Stop != nil {
		opts["stop"] = o.params.Stop
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
