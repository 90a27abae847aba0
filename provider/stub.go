package provider

import (
	"context"
)

// StubProvider is a lightweight in-memory Provider useful for tests and
// examples. Responses are canned per prompt; an error or per-call delay can
// be scripted to exercise fallback paths.
type StubProvider struct {
	descriptor Descriptor
	responses  map[string]string
	confidence float64
	err        error
}

// NewStubProvider constructs a stub advertising the given capabilities.
func NewStubProvider(name string, caps ...Capability) *StubProvider {
	if len(caps) == 0 {
		caps = []Capability{CapabilityText}
	}
	return &StubProvider{
		descriptor: Descriptor{
			Name:         name,
			Capabilities: NewCapabilitySet(caps...),
			Health:       Healthy,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (s *StubProvider) AddResponse(prompt, response string) *StubProvider {
	s.responses[prompt] = response
	return s
}

// WithConfidence sets the confidence attached to every response.
func (s *StubProvider) WithConfidence(c float64) *StubProvider {
	s.confidence = c
	return s
}

// Fail makes every call return the given error.
func (s *StubProvider) Fail(err error) *StubProvider {
	s.err = err
	return s
}

// Descriptor implements Provider.
func (s *StubProvider) Descriptor() Descriptor { return s.descriptor }

// Generate implements Provider.
func (s *StubProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	var prompt string
	if len(req.Contents) > 0 {
		prompt = req.Contents[len(req.Contents)-1].Content
	}
	content, ok := s.responses[prompt]
	if !ok {
		content = "stub response to: " + prompt
	}
	return &Response{
		Provider:     s.descriptor.Name,
		Content:      content,
		FinishReason: "stop",
		Confidence:   s.confidence,
	}, nil
}

// GenerateStream implements Provider; emits per-rune partials then the final response.
func (s *StubProvider) GenerateStream(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		resp, err := s.Generate(ctx, req)
		if err != nil {
			errCh <- err
			return
		}
		for _, r := range resp.Content {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- Response{Provider: s.descriptor.Name, Content: string(r)}:
			}
		}
		out <- *resp
	}()
	return out, errCh
}
