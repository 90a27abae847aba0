// Package taskmesh provides a high-level façade over the orchestration core:
// the task dispatcher, the provider registry and router, the collaboration
// orchestrator and the supporting services (store, policy, logging, metrics).
// Most applications interact with this package by:
//  1. Creating a TaskMesh via New() (optionally overriding the defaults)
//  2. Registering one or more providers (vendor adapters or stubs)
//  3. Dispatching tasks and routing or collaborating on requests
//
// The façade delegates task lifecycle management to dispatch.Dispatcher and
// provider selection to provider.Router while keeping setup concise. All
// defaults are safe for local development and testing; production
// deployments typically supply a durable store, a real policy engine and a
// structured logger.
package taskmesh

import (
	"context"

	"github.com/hupe1980/taskmesh/collab"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/provider"
	"github.com/hupe1980/taskmesh/store"
)

// Options configures the TaskMesh instance.
type Options struct {
	// DispatchConfig tunes the dispatcher (lease TTL, redispatch budget,
	// buffers). Defaults to dispatch.DefaultConfig.
	DispatchConfig dispatch.Config

	// RouterOptions tune provider routing (fallback budget, call timeout).
	RouterOptions []func(o *provider.RouterOptions)

	// CollabOptions tune collaboration sessions (concurrency cap, deadline,
	// debate rounds, arbiter).
	CollabOptions []func(o *collab.Options)

	// Store persists tasks and events (defaults to in-memory).
	Store store.Store

	// Policy is consulted before dispatch (defaults to AllowAll).
	Policy policy.Engine

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector
}

// TaskMesh is the high-level façade aggregating the dispatcher, registry,
// router and orchestrator.
type TaskMesh struct {
	opts         Options
	dispatcher   *dispatch.Dispatcher
	registry     *provider.Registry
	router       *provider.Router
	orchestrator *collab.Orchestrator
}

// New creates a new TaskMesh instance with optional overrides. Any unset
// service is initialized with an in-memory or no-op implementation.
func New(optFns ...func(o *Options)) *TaskMesh {
	opts := Options{
		DispatchConfig: dispatch.DefaultConfig,
		Store:          store.NewInMemoryStore(),
		Policy:         policy.AllowAll{},
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	dispatcher := dispatch.New(func(o *dispatch.Options) {
		o.Config = opts.DispatchConfig
		o.Store = opts.Store
		o.Policy = opts.Policy
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})

	registry := provider.NewRegistry(func(o *provider.RegistryOptions) {
		o.Logger = opts.Logger
	})

	routerOpts := append([]func(o *provider.RouterOptions){func(o *provider.RouterOptions) {
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	}}, opts.RouterOptions...)
	router := provider.NewRouter(registry, routerOpts...)

	collabOpts := append([]func(o *collab.Options){func(o *collab.Options) {
		o.Logger = opts.Logger
	}}, opts.CollabOptions...)
	orchestrator := collab.NewOrchestrator(collabOpts...)

	return &TaskMesh{
		opts:         opts,
		dispatcher:   dispatcher,
		registry:     registry,
		router:       router,
		orchestrator: orchestrator,
	}
}

// Start launches background services (the lease-expiry sweeper).
func (m *TaskMesh) Start() { m.dispatcher.Start() }

// Close stops background services and releases the provider pool.
func (m *TaskMesh) Close() {
	m.dispatcher.Close()
	m.registry.Shutdown()
}

// RegisterProvider adds a provider to the pool.
func (m *TaskMesh) RegisterProvider(p provider.Provider) { m.registry.Register(p) }

// UpdateProviderHealth sets a registered provider's health state.
func (m *TaskMesh) UpdateProviderHealth(name string, health provider.Health) error {
	return m.registry.UpdateHealth(name, health)
}

// Providers lists descriptor snapshots of the registered providers.
func (m *TaskMesh) Providers() []provider.Descriptor { return m.registry.List() }

// Dispatch submits a task and returns its lease.
func (m *TaskMesh) Dispatch(ctx context.Context, req dispatch.Request) (*core.Lease, error) {
	return m.dispatcher.Dispatch(ctx, req)
}

// IngestEvent feeds one execution event into the dispatcher.
func (m *TaskMesh) IngestEvent(ctx context.Context, event core.Event) (dispatch.IngestResult, error) {
	return m.dispatcher.IngestEvent(ctx, event)
}

// Cancel requests cooperative cancellation of a task.
func (m *TaskMesh) Cancel(ctx context.Context, taskID string) (bool, error) {
	return m.dispatcher.Cancel(ctx, taskID)
}

// GetStatus returns the current task snapshot.
func (m *TaskMesh) GetStatus(ctx context.Context, taskID string) (*core.Task, error) {
	return m.dispatcher.GetStatus(ctx, taskID)
}

// Stream returns the task's bounded output stream.
func (m *TaskMesh) Stream(taskID string) (*core.Stream, error) {
	return m.dispatcher.Stream(taskID)
}

// Route executes a request against the best matching provider with bounded
// fallback.
func (m *TaskMesh) Route(ctx context.Context, required []provider.Capability, req provider.Request) (*provider.Response, error) {
	return m.router.Route(ctx, required, req)
}

// Collaborate runs a collaboration session over the given participants.
func (m *TaskMesh) Collaborate(ctx context.Context, mode collab.Mode, participants []collab.Participant, req provider.Request) (*collab.Result, error) {
	return m.orchestrator.Run(ctx, mode, participants, req)
}
