// Package provider defines the capability-tagged provider contract, the
// registry that indexes providers by capability and health, and the router
// that performs health-aware selection with bounded fallback.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Capability is a functional ability a provider advertises. Selection is
// structural: a provider qualifies when its capability set covers everything
// the request requires.
type Capability string

const (
	// CapabilityText is plain text generation.
	CapabilityText Capability = "text"
	// CapabilityToolCall is function/tool calling.
	CapabilityToolCall Capability = "tool-call"
	// CapabilityStreaming is incremental chunk output.
	CapabilityStreaming Capability = "streaming"
	// CapabilityEmbedding is vector embedding generation.
	CapabilityEmbedding Capability = "embedding"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the capability.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Covers reports whether every capability in required is present in s.
func (s CapabilitySet) Covers(required []Capability) bool {
	for _, c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Health is the coarse availability state of a provider.
type Health int

const (
	// Healthy providers are preferred for selection.
	Healthy Health = iota
	// Degraded providers remain selectable but rank behind healthy ones.
	Degraded
	// Down providers are never selected.
	Down
)

// String returns the string representation of the health state.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Limits captures a provider's advertised rate and size limits.
type Limits struct {
	ContextWindow int `json:"context_window"`
	RPM           int `json:"rpm"`
	TPM           int `json:"tpm"`
}

// Descriptor describes a registered provider: its name, capability set,
// limits and current health. Descriptors are read-mostly; only the registry's
// health-update operation mutates them.
type Descriptor struct {
	Name         string        `json:"name"`
	Capabilities CapabilitySet `json:"capabilities"`
	Limits       Limits        `json:"limits"`
	Health       Health        `json:"health"`
	Latency      time.Duration `json:"latency"`
}

// Message is one conversational turn in a provider request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request captures the normalized provider input produced by the dispatcher
// and the collaboration orchestrator.
type Request struct {
	TaskID       string    `json:"task_id,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Contents     []Message `json:"contents"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the final output of a provider call. Confidence is optional;
// collaboration voting treats 0 as an un-scored (binary) ballot.
type Response struct {
	Provider     string     `json:"provider"`
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Confidence   float64    `json:"confidence,omitempty"`
	Usage        TokenUsage `json:"usage"`
}

// Provider is the minimal interface the router and orchestrator drive. The
// actual model call is opaque; adapters translate vendor SDKs into this
// contract.
type Provider interface {
	// Descriptor returns the provider's static description. Health on the
	// returned value is the provider's self-reported initial state; the
	// registry owns health afterwards.
	Descriptor() Descriptor

	// Generate executes a single completion. Implementations must respect
	// ctx cancellation and deadlines; no call may block indefinitely.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream executes a streaming completion, emitting partial
	// responses followed by a final one. Channels are closed on completion.
	GenerateStream(ctx context.Context, req Request) (<-chan Response, <-chan error)
}

// CallError wraps a provider call failure with the status that triggered it
// so the router can decide whether fallback is worthwhile.
type CallError struct {
	Provider   string
	StatusCode int
	Timeout    bool
	Err        error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %s timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

// Unwrap exposes the underlying error.
func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether the failure warrants trying another provider:
// timeouts, throttling (429) and server-side errors (5xx).
func (e *CallError) Retryable() bool {
	return e.Timeout || e.StatusCode == 429 || e.StatusCode >= 500
}
