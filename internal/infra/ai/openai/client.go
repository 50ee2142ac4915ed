package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	domai "github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/prompt"
)

const (
	defaultModel = "o3-2025-04-16"
	maxTokens    = 8192
	temperature  = 0.2
)

// Client is the deep-reasoning backend used for the hand-off.
type Client struct {
	*openai.Client
	Model string
	Clock func() time.Time
}

func NewClient(apiKey, model string) *Client {
	return &Client{Client: openai.NewClient(apiKey), Model: model}
}

// NewClientWithBaseURL points the client at an OpenAI-compatible endpoint.
func NewClientWithBaseURL(apiKey, baseURL, model string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{Client: openai.NewClientWithConfig(cfg), Model: model}
}

func (c *Client) model() string {
	if c.Model == "" {
		return defaultModel
	}
	return c.Model
}

func (c *Client) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// isReasoningModel: o1/o3/o4/gpt-5* take MaxCompletionTokens and no temperature
func isReasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// Reason implements analysis.Reasoner.
func (c *Client) Reason(ctx context.Context, snap *inspection.Snapshot) (*analysis.ComplianceAnalysis, error) {
	model := c.model()
	req := openai.ChatCompletionRequest{
		Model: model,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.GetSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: prompt.GetUserPrompt(snap)},
		},
	}
	if isReasoningModel(model) {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
		req.Temperature = temperature
	}

	start := time.Now()
	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		recordCall(ctx, "handoff", model, time.Since(start), err)
		return nil, fmt.Errorf("failed to create chat completion: %w", MapError(err))
	}
	if len(resp.Choices) == 0 {
		err := errors.New("chat completion returned no choices")
		recordCall(ctx, "handoff", model, time.Since(start), err)
		return nil, err
	}

	out, err := ParseAnalysis(resp.Choices[0].Message.Content, snap)
	recordCall(ctx, "handoff", model, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	out.Model = model
	out.GeneratedAt = c.now()
	return out, nil
}

// MapError turns provider quota responses into domai.ErrQuotaExceeded.
func MapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", domai.ErrQuotaExceeded, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", domai.ErrQuotaExceeded, err)
	}
	return err
}
