package classify

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"workreport/internal/config"
)

// OpenAICompleter talks to any OpenAI-compatible chat completions endpoint.
type OpenAICompleter struct {
	Client *openai.Client
	Model  string
}

func NewOpenAICompleter(llm config.LLMConfig) *OpenAICompleter {
	cfg := openai.DefaultConfig(llm.APIKey)
	cfg.BaseURL = llm.BaseURL
	cfg.HTTPClient = &http.Client{Timeout: llm.Timeout()}
	return &OpenAICompleter{Client: openai.NewClientWithConfig(cfg), Model: llm.Model}
}

func (o *OpenAICompleter) Complete(ctx context.Context, prompt string, temperature float32, maxTokens int) (string, error) {
	resp, err := o.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
