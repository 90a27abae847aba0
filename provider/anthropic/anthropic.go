// Package anthropic provides a provider adapter for the Anthropic Claude API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/taskmesh/provider"
)

// Options configures the Anthropic provider adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Provider wraps the Anthropic Messages API behind the generic
// provider.Provider interface.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a new Anthropic provider from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Descriptor implements provider.Provider.
func (p *Provider) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:         "anthropic/" + string(p.opts.Model),
		Capabilities: provider.NewCapabilitySet(provider.CapabilityText, provider.CapabilityToolCall),
		Limits:       provider.Limits{ContextWindow: 200_000},
		Health:       provider.Healthy,
	}
}

// Generate implements provider.Provider using the Messages API.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       p.opts.Model,
		Messages:    buildMessages(req.Contents),
		MaxTokens:   p.maxTokens(req),
		Temperature: anthropic.Float(p.opts.Temperature),
	}
	if system := systemBlocks(req); len(system) > 0 {
		params.System = system
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapError(p.Descriptor().Name, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}
	return &provider.Response{
		Provider:     p.Descriptor().Name,
		Content:      text.String(),
		FinishReason: finishReason,
		Usage: provider.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// GenerateStream implements provider.Provider. The Anthropic adapter does not
// expose streaming yet; the descriptor deliberately omits the streaming
// capability so the router never selects it for streaming requests.
func (p *Provider) GenerateStream(ctx context.Context, req provider.Request) (<-chan provider.Response, <-chan error) {
	out := make(chan provider.Response)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		errCh <- fmt.Errorf("streaming not supported by the anthropic adapter")
	}()
	return out, errCh
}

func (p *Provider) maxTokens(req provider.Request) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return p.opts.MaxTokens
}

// buildMessages converts normalized contents to Anthropic message format.
// System turns are handled separately via systemBlocks.
func buildMessages(contents []provider.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, m := range contents {
		if m.Content == "" || m.Role == "system" {
			continue
		}
		switch m.Role {
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return messages
}

// systemBlocks collects the request instructions plus any system-role turns.
func systemBlocks(req provider.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, m := range req.Contents {
		if m.Role == "system" && m.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}

// wrapError translates SDK failures into provider.CallError so the router can
// apply its retry policy.
func wrapError(name string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &provider.CallError{Provider: name, StatusCode: apierr.StatusCode, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.CallError{Provider: name, Timeout: true, Err: err}
	}
	return fmt.Errorf("anthropic api error: %w", err)
}
