package provider

import (
	"testing"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterIdempotentByName(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("p1"))
	r.Register(NewStubProvider("p2"))
	r.Register(NewStubProvider("p1")) // replace, rank preserved

	descs := r.List()
	require.Len(t, descs, 2)
	assert.Equal(t, "p1", descs[0].Name)
	assert.Equal(t, "p2", descs[1].Name)
}

func TestRegistry_UpdateHealth(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("p1"))

	require.NoError(t, r.UpdateHealth("p1", Degraded))
	assert.Equal(t, Degraded, r.List()[0].Health)

	err := r.UpdateHealth("missing", Down)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestRegistry_SelectSkipsDownProviders(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("p1"))
	r.Register(NewStubProvider("p2"))
	require.NoError(t, r.UpdateHealth("p1", Down))

	p, err := r.Select([]Capability{CapabilityText}, nil)
	require.NoError(t, err)
	assert.Equal(t, "p2", p.Descriptor().Name)
}

func TestRegistry_SelectRequiresCapabilityCoverage(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("text-only", CapabilityText))
	r.Register(NewStubProvider("full", CapabilityText, CapabilityToolCall, CapabilityStreaming))

	p, err := r.Select([]Capability{CapabilityText, CapabilityToolCall}, nil)
	require.NoError(t, err)
	assert.Equal(t, "full", p.Descriptor().Name)

	_, err = r.Select([]Capability{CapabilityEmbedding}, nil)
	assert.True(t, core.IsKind(err, core.KindProviderUnavailable))
}

func TestRegistry_SelectPrefersLowestLatency(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("slow"))
	r.Register(NewStubProvider("fast"))
	r.RecordLatency("slow", 800*time.Millisecond)
	r.RecordLatency("fast", 50*time.Millisecond)

	p, err := r.Select([]Capability{CapabilityText}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", p.Descriptor().Name)
}

func TestRegistry_SelectTieBreaksByRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("first"))
	r.Register(NewStubProvider("second"))

	p, err := r.Select([]Capability{CapabilityText}, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", p.Descriptor().Name)
}

func TestRegistry_SelectHonorsExcludedSet(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("p1"))
	r.Register(NewStubProvider("p2"))

	p, err := r.Select([]Capability{CapabilityText}, map[string]struct{}{"p1": {}})
	require.NoError(t, err)
	assert.Equal(t, "p2", p.Descriptor().Name)
}

func TestRegistry_SelectPrefersHealthyOverDegraded(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("degraded"))
	r.Register(NewStubProvider("healthy"))
	require.NoError(t, r.UpdateHealth("degraded", Degraded))
	// Degraded provider is faster, but health ranks first.
	r.RecordLatency("degraded", 10*time.Millisecond)
	r.RecordLatency("healthy", 500*time.Millisecond)

	p, err := r.Select([]Capability{CapabilityText}, nil)
	require.NoError(t, err)
	assert.Equal(t, "healthy", p.Descriptor().Name)
}

func TestRegistry_ShutdownEmptiesPool(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStubProvider("p1"))
	r.Shutdown()

	_, err := r.Select([]Capability{CapabilityText}, nil)
	assert.True(t, core.IsKind(err, core.KindProviderUnavailable))
}

func TestRegistry_RegisterAfterShutdownIgnored(t *testing.T) {
	r := NewRegistry()
	r.Shutdown()

	r.Register(NewStubProvider("late"))
	_, ok := r.Get("late")
	assert.False(t, ok)
	assert.Empty(t, r.List())
}
