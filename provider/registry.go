package provider

import (
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Registry is the capability-indexed provider pool. It is an explicitly
// owned service instance with defined init/shutdown: construct with
// NewRegistry, pass by reference to consumers, release with Shutdown.
// Reads are concurrent; health updates take a short exclusive section.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   int
	logger  logging.Logger
	closed  bool
}

// entry pairs a provider with the registry-owned mutable descriptor copy and
// its registration rank (first registered wins ties).
type entry struct {
	provider   Provider
	descriptor Descriptor
	rank       int
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{entries: make(map[string]*entry), logger: opts.Logger}
}

// Register adds a provider to the pool, idempotent by name: re-registering
// replaces the provider but keeps the original registration rank so priority
// ordering stays stable.
func (r *Registry) Register(p Provider) {
	desc := p.Descriptor()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("registry shut down, ignoring provider name=%s", desc.Name)
		return
	}
	if existing, ok := r.entries[desc.Name]; ok {
		existing.provider = p
		existing.descriptor = desc
		return
	}
	r.entries[desc.Name] = &entry{provider: p, descriptor: desc, rank: r.order}
	r.order++
	r.logger.Debug("provider registered name=%s health=%s", desc.Name, desc.Health)
}

// UpdateHealth sets the health state of a named provider. Idempotent by
// name; unknown names return an error.
func (r *Registry) UpdateHealth(name string, health Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return core.Errorf(core.KindValidation, "provider %s not registered", name)
	}
	e.descriptor.Health = health
	return nil
}

// RecordLatency folds an observed call latency into the descriptor's moving
// average, used to rank providers during selection.
func (r *Registry) RecordLatency(name string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		if e.descriptor.Latency == 0 {
			e.descriptor.Latency = latency
			return
		}
		e.descriptor.Latency = (e.descriptor.Latency + latency) / 2
	}
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// List returns descriptor snapshots in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rank < entries[j].rank })
	descs := make([]Descriptor, len(entries))
	for i, e := range entries {
		descs[i] = e.descriptor
	}
	return descs
}

// Select returns the best provider covering the required capabilities that is
// not Down and not in excluded. Healthy providers rank before degraded ones,
// then lower latency wins, then registration order. Fails with a
// provider_unavailable error when nothing matches.
func (r *Registry) Select(required []Capability, excluded map[string]struct{}) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, core.Errorf(core.KindProviderUnavailable, "provider registry is shut down")
	}

	var best *entry
	for _, e := range r.entries {
		if _, skip := excluded[e.descriptor.Name]; skip {
			continue
		}
		if e.descriptor.Health == Down {
			continue
		}
		if !e.descriptor.Capabilities.Covers(required) {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, core.Errorf(core.KindProviderUnavailable, "no provider matches capabilities %v", required)
	}
	return best.provider, nil
}

// better reports whether a should be preferred over b.
func better(a, b *entry) bool {
	if a.descriptor.Health != b.descriptor.Health {
		return a.descriptor.Health < b.descriptor.Health
	}
	if a.descriptor.Latency != b.descriptor.Latency {
		return a.descriptor.Latency < b.descriptor.Latency
	}
	return a.rank < b.rank
}

// Shutdown releases the pool. Subsequent Select calls fail as unavailable
// and late Register calls are ignored.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
	r.closed = true
}
