package provider

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
)

// RouterOptions configures routing behavior.
type RouterOptions struct {
	// MaxFallbacks is the number of extra selection attempts after the first
	// provider fails with a retryable error.
	MaxFallbacks int

	// CallTimeout bounds each individual provider call. Mandatory; a zero
	// value falls back to the default so no call can block indefinitely.
	CallTimeout time.Duration

	// Logger defaults to NoOp if nil.
	Logger logging.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector
}

// Router performs health-aware provider selection with bounded fallback. On
// a retryable failure (timeout, 429, 5xx) the failed provider is excluded and
// selection retried; a timeout additionally truncates the request context so
// the retry is cheaper. Exhausting the fallback budget surfaces a
// provider_unavailable error.
type Router struct {
	registry *Registry
	opts     RouterOptions
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, optFns ...func(o *RouterOptions)) *Router {
	opts := RouterOptions{
		MaxFallbacks: 1,
		CallTimeout:  30 * time.Second,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Router{registry: registry, opts: opts}
}

// Route selects a provider for the required capabilities and executes the
// request, falling back per RouterOptions on retryable failures.
func (r *Router) Route(ctx context.Context, required []Capability, req Request) (*Response, error) {
	excluded := make(map[string]struct{})
	attempts := r.opts.MaxFallbacks + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		p, err := r.registry.Select(required, excluded)
		if err != nil {
			if lastErr != nil {
				return nil, core.Errorf(core.KindProviderUnavailable, "fallback exhausted after %d attempts", attempt).WithCause(lastErr)
			}
			return nil, err
		}
		name := p.Descriptor().Name
		if r.opts.Metrics != nil {
			r.opts.Metrics.ProviderSelections.WithLabelValues(name).Inc()
			if attempt > 0 {
				r.opts.Metrics.ProviderFallbacks.Inc()
			}
		}

		resp, callErr := r.call(ctx, p, req)
		if callErr == nil {
			return resp, nil
		}
		lastErr = callErr
		r.opts.Logger.Warn("provider call failed provider=%s attempt=%d err=%v", name, attempt, callErr)

		if ctx.Err() != nil {
			// Caller cancellation: stop immediately, cooperative cancel also
			// covers pending fallback retries.
			return nil, callErr
		}
		if !retryable(callErr) {
			return nil, callErr
		}
		excluded[name] = struct{}{}
		if isTimeout(callErr) {
			// Retry with an already-truncated context to reduce retry cost.
			req = truncate(req)
		}
	}
	return nil, core.Errorf(core.KindProviderUnavailable, "fallback exhausted after %d attempts", attempts).WithCause(lastErr)
}

// call executes one provider attempt under the configured timeout.
func (r *Router) call(ctx context.Context, p Provider, req Request) (*Response, error) {
	name := p.Descriptor().Name
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Generate(callCtx, req)
	elapsed := time.Since(start)

	if err == nil {
		r.registry.RecordLatency(name, elapsed)
		if r.opts.Metrics != nil {
			r.opts.Metrics.RouteLatency.Observe(elapsed.Seconds())
		}
		if resp.Provider == "" {
			resp.Provider = name
		}
		return resp, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &CallError{Provider: name, Timeout: true, Err: core.Errorf(core.KindProviderTimeout, "call exceeded %s", r.opts.CallTimeout)}
	}
	return nil, err
}

func retryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return core.IsKind(err, core.KindProviderTimeout)
}

func isTimeout(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Timeout
	}
	return core.IsKind(err, core.KindProviderTimeout)
}

// truncate halves the request contents, keeping the most recent turns.
func truncate(req Request) Request {
	if len(req.Contents) <= 1 {
		return req
	}
	keep := len(req.Contents) / 2
	truncated := req
	truncated.Contents = req.Contents[len(req.Contents)-keep:]
	return truncated
}
