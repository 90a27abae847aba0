// Package openai provides a provider adapter for the OpenAI Chat Completions
// API, including streaming. It adapts normalized Request/Response structures
// into the SDK's message format and back.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/taskmesh/provider"
	"github.com/openai/openai-go"
)

// Options configure the OpenAI provider adapter.
// Fields mirror a subset of Chat Completion parameters intentionally kept
// minimal; extend via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Provider wraps the OpenAI Chat Completions API behind the generic
// provider.Provider interface.
type Provider struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI provider using the official client
func New(optFns ...func(o *Options)) *Provider {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI provider from an existing client
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Descriptor implements provider.Provider.
func (p *Provider) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         "openai/" + p.opts.Model,
		Capabilities: provider.NewCapabilitySet(provider.CapabilityText, provider.CapabilityToolCall, provider.CapabilityStreaming),
		Limits:       provider.Limits{ContextWindow: 128_000},
		Health:       provider.Healthy,
	}
}

// Generate implements provider.Provider using the Chat Completions API.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, wrapError(p.Descriptor().Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	ch0 := resp.Choices[0]
	return &provider.Response{
		Provider:     p.Descriptor().Name,
		Content:      ch0.Message.Content,
		FinishReason: ch0.FinishReason,
		Usage: provider.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// GenerateStream implements provider.Provider. Partial responses carry text
// deltas; the final response carries the accumulated content and finish
// reason.
func (p *Provider) GenerateStream(ctx context.Context, req provider.Request) (<-chan provider.Response, <-chan error) {
	out := make(chan provider.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		name := p.Descriptor().Name
		stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
		var acc string
		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					acc += ch.Delta.Content
					out <- provider.Response{Provider: name, Content: ch.Delta.Content}
				}
				if ch.FinishReason != "" {
					out <- provider.Response{Provider: name, Content: acc, FinishReason: ch.FinishReason}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- wrapError(name, err)
		}
	}()
	return out, errCh
}

// buildParams assembles the OpenAI request parameters.
func (p *Provider) buildParams(req provider.Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, m := range req.Contents {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	maxTokens := p.opts.MaxCompletionTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               p.opts.Model,
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

// wrapError translates SDK failures into provider.CallError so the router can
// apply its retry policy.
func wrapError(name string, err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &provider.CallError{Provider: name, StatusCode: apierr.StatusCode, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.CallError{Provider: name, Timeout: true, Err: err}
	}
	return fmt.Errorf("openai api error: %w", err)
}
