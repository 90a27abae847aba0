package taskmesh

import (
	"context"
	"testing"

	"github.com/hupe1980/taskmesh/collab"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskMesh_DispatchAndEventLifecycle(t *testing.T) {
	mesh := New()
	defer mesh.Close()

	lease, err := mesh.Dispatch(context.Background(), dispatch.Request{
		InteractionID: "interaction-1",
		Payload:       "do the thing",
	})
	require.NoError(t, err)

	_, err = mesh.IngestEvent(context.Background(), testutil.NewEventBuilder(lease.TaskID).
		Type(core.EventTaskCompleted).Sequence(1).Payload("done").Build())
	require.NoError(t, err)

	task, err := mesh.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, task.State)
	assert.Equal(t, "done", task.Result)
}

func TestTaskMesh_RouteThroughRegisteredProvider(t *testing.T) {
	mesh := New()
	defer mesh.Close()

	mesh.RegisterProvider(provider.NewStubProvider("p1").AddResponse("hello", "hi"))

	resp, err := mesh.Route(context.Background(), []provider.Capability{provider.CapabilityText}, provider.Request{
		Contents: []provider.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
}

func TestTaskMesh_FailedRouteMarksTaskFailed(t *testing.T) {
	// Pool {P1: healthy, P2: down}: P1 times out, no healthy alternative
	// remains, the route fails as provider_unavailable and the caller records
	// the task as failed.
	mesh := New()
	defer mesh.Close()

	mesh.RegisterProvider(provider.NewStubProvider("p2"))
	require.NoError(t, mesh.UpdateProviderHealth("p2", provider.Down))

	lease, err := mesh.Dispatch(context.Background(), dispatch.Request{
		InteractionID: "interaction-1",
		Payload:       "route me",
	})
	require.NoError(t, err)

	_, routeErr := mesh.Route(context.Background(), []provider.Capability{provider.CapabilityText}, provider.Request{
		TaskID:   lease.TaskID,
		Contents: []provider.Message{{Role: "user", Content: "q"}},
	})
	require.True(t, core.IsKind(routeErr, core.KindProviderUnavailable))

	failed := testutil.NewEventBuilder(lease.TaskID).
		Type(core.EventTaskFailed).Sequence(1).Payload(routeErr.Error()).Build()
	_, err = mesh.IngestEvent(context.Background(), failed)
	require.NoError(t, err)

	task, err := mesh.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, task.State)
}

func TestTaskMesh_Collaborate(t *testing.T) {
	mesh := New()
	defer mesh.Close()

	participants := []collab.Participant{
		{Name: "a", Provider: provider.NewStubProvider("p1").AddResponse("q", "alpha").WithConfidence(0.9)},
		{Name: "b", Provider: provider.NewStubProvider("p2").AddResponse("q", "beta").WithConfidence(0.4)},
	}
	result, err := mesh.Collaborate(context.Background(), collab.ModeVote, participants, provider.Request{
		Contents: []provider.Message{{Role: "user", Content: "q"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", result.Content)
}

func TestTaskMesh_CancelAndStream(t *testing.T) {
	mesh := New()
	defer mesh.Close()

	lease, err := mesh.Dispatch(context.Background(), dispatch.Request{
		InteractionID: "interaction-1",
		Payload:       "long running",
	})
	require.NoError(t, err)

	stream, err := mesh.Stream(lease.TaskID)
	require.NoError(t, err)

	accepted, err := mesh.Cancel(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.True(t, accepted)

	// Canceling closes the output stream.
	_, open := <-stream.Chunks()
	assert.False(t, open)
}
