package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/policy"
	"github.com/hupe1980/taskmesh/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatchTask(t *testing.T, d *Dispatcher) *core.Lease {
	t.Helper()
	lease, err := d.Dispatch(context.Background(), Request{
		InteractionID: "interaction-1",
		Payload:       "summarize the design notes",
	})
	require.NoError(t, err)
	return lease
}

func event(taskID string, eventType core.EventType, seq int, payload string) core.Event {
	ev := core.NewEvent(taskID, eventType, seq)
	ev.Payload = payload
	return ev
}

func TestDispatcher_DispatchValidation(t *testing.T) {
	d := New()

	_, err := d.Dispatch(context.Background(), Request{InteractionID: "i1"})
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, err = d.Dispatch(context.Background(), Request{Payload: "p"})
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestDispatcher_DispatchPolicyDenied(t *testing.T) {
	d := New(func(o *Options) {
		o.Policy = policy.NewStatic(policy.Rule{Actor: "admin", Actions: []string{"*"}, Resources: []string{"*"}})
	})

	_, err := d.Dispatch(context.Background(), Request{
		InteractionID: "i1",
		Payload:       "p",
		Actor:         "guest",
	})
	assert.True(t, core.IsKind(err, core.KindPolicyDenied))

	_, err = d.Dispatch(context.Background(), Request{
		InteractionID: "i1",
		Payload:       "p",
		Actor:         "admin",
	})
	assert.NoError(t, err)
}

func TestDispatcher_DispatchReturnsLeaseAndAcceptedState(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	require.NotEmpty(t, lease.TaskID)
	assert.False(t, lease.Expired(time.Now()))

	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskAccepted, task.State)
	assert.Equal(t, 1, task.Attempts)
}

func TestDispatcher_IngestEventUnknownTask(t *testing.T) {
	d := New()
	_, err := d.IngestEvent(context.Background(), event("missing", core.EventTaskProgress, 1, ""))
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestDispatcher_IngestEventLifecycle(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	res, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskAccepted, 1, ""))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, core.TaskAccepted, res.State)

	res, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 2, "working"))
	require.NoError(t, err)
	assert.Equal(t, core.TaskRunning, res.State)

	res, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 3, "answer"))
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, res.State)

	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, task.State)
	assert.Equal(t, "answer", task.Result)
}

func TestDispatcher_IdempotencyKeyDeduplication(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	first := event(lease.TaskID, core.EventTaskCompleted, 1, "original")
	res, err := d.IngestEvent(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// Same idempotency key, different payload: no-op returning the original
	// result, recorded payload untouched.
	replay := event(lease.TaskID, core.EventTaskFailed, 2, "mutated")
	replay.IdempotencyKey = first.IdempotencyKey
	res, err = d.IngestEvent(context.Background(), replay)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, core.TaskCompleted, res.State)

	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, task.State)
	assert.Equal(t, "original", task.Result)
}

func TestDispatcher_OutOfOrderEventsBufferedUntilGapFills(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	res, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 2, "done"))
	require.NoError(t, err)
	assert.True(t, res.Buffered)
	assert.Equal(t, core.TaskAccepted, res.State)

	res, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 1, "step"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, core.TaskCompleted, res.State)
}

func TestDispatcher_SequenceBufferOverflowConflicts(t *testing.T) {
	d := New(func(o *Options) {
		o.Config.SequenceBufferSize = 1
	})
	lease := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 3, ""))
	require.NoError(t, err)

	_, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 4, ""))
	assert.True(t, core.IsKind(err, core.KindDispatchConflict))
}

func TestDispatcher_StaleSequenceIsDropped(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 1, "first"))
	require.NoError(t, err)

	_, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 1, "replayed"))
	assert.True(t, core.IsKind(err, core.KindDispatchConflict))

	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskRunning, task.State)
}

func TestDispatcher_CancelNonTerminal(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	signal, err := d.CancelSignal(lease.TaskID)
	require.NoError(t, err)

	accepted, err := d.Cancel(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.True(t, accepted)

	select {
	case <-signal:
	default:
		t.Fatal("cancel signal not closed")
	}

	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCanceled, task.State)
}

func TestDispatcher_CancelTerminalRejected(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 1, "done"))
	require.NoError(t, err)

	accepted, err := d.Cancel(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestDispatcher_LateTerminalEventAfterCancelAbsorbed(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	_, err := d.Cancel(context.Background(), lease.TaskID)
	require.NoError(t, err)

	// The executor may still emit its own terminal event; it must not move
	// the task out of canceled.
	res, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 1, "late"))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, core.TaskCanceled, res.State)

	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCanceled, task.State)
	assert.Empty(t, task.Result)
}

func TestDispatcher_LeaseExpiryRedispatchesThenTimesOut(t *testing.T) {
	d := New(func(o *Options) {
		o.Config.LeaseTTL = time.Second
		o.Config.MaxRedispatches = 1
	})
	lease := dispatchTask(t, d)

	// First expiry: redispatch with a fresh lease.
	d.Sweep(context.Background(), lease.Expiry.Add(time.Second))
	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskAccepted, task.State)
	assert.Equal(t, 2, task.Attempts)

	// Second expiry: budget spent, task times out.
	d.Sweep(context.Background(), task.LeaseExpiry.Add(time.Second))
	task, err = d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskTimeout, task.State)
}

func TestDispatcher_SweepNeverTouchesTerminalTasks(t *testing.T) {
	d := New(func(o *Options) {
		o.Config.LeaseTTL = time.Second
	})
	lease := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 1, "done"))
	require.NoError(t, err)

	d.Sweep(context.Background(), time.Now().Add(time.Hour))
	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, task.State)
}

func TestDispatcher_IllegalEventDoesNotConsumeItsSequence(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 1, "step"))
	require.NoError(t, err)

	// A running task cannot move back to accepted; the event is dropped.
	_, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskAccepted, 2, ""))
	assert.True(t, core.IsKind(err, core.KindDispatchConflict))

	// Sequence 2 stays open for the legitimate delivery.
	res, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 2, "done"))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, core.TaskCompleted, res.State)
}

func TestDispatcher_EventAfterTimeoutReportsLeaseExpired(t *testing.T) {
	d := New(func(o *Options) {
		o.Config.LeaseTTL = time.Second
		o.Config.MaxRedispatches = 0
	})
	lease := dispatchTask(t, d)

	d.Sweep(context.Background(), lease.Expiry.Add(time.Second))

	res, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 2, "late"))
	assert.True(t, core.IsKind(err, core.KindLeaseExpired))
	assert.Equal(t, core.TaskTimeout, res.State)

	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskTimeout, task.State)
}

func TestDispatcher_TerminalRecordsEvictedAfterRetention(t *testing.T) {
	d := New(func(o *Options) {
		o.Config.TerminalRetention = time.Minute
	})
	lease := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 1, "done"))
	require.NoError(t, err)

	// Inside the retention window the record (and its dedup state) survives.
	d.Sweep(context.Background(), time.Now().Add(30*time.Second))
	_, err = d.Stream(lease.TaskID)
	assert.NoError(t, err)

	d.Sweep(context.Background(), time.Now().Add(2*time.Minute))
	_, err = d.Stream(lease.TaskID)
	assert.True(t, core.IsKind(err, core.KindValidation))

	// Status is still answered from the store after eviction.
	task, err := d.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, task.State)
}

func TestDispatcher_StreamCarriesChunksAndClosesOnTerminal(t *testing.T) {
	d := New()
	lease := dispatchTask(t, d)

	stream, err := d.Stream(lease.TaskID)
	require.NoError(t, err)

	_, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 1, "hello"))
	require.NoError(t, err)
	_, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 2, "done"))
	require.NoError(t, err)

	var chunks []core.Chunk
	for c := range stream.Chunks() {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello", chunks[0].Content)
	assert.False(t, chunks[0].Final)
	assert.Equal(t, "done", chunks[1].Content)
	assert.True(t, chunks[1].Final)
}

func TestDispatcher_BlockedStreamConsumerDoesNotStallDispatcher(t *testing.T) {
	d := New(func(o *Options) {
		o.Config.StreamBufferSize = 1
		o.Config.StreamBackpressure = core.BackpressureBlock
	})
	slow := dispatchTask(t, d)
	other := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(slow.TaskID, core.EventTaskProgress, 1, "first"))
	require.NoError(t, err)

	// The second chunk has no buffer slot and no consumer; only the
	// publishing caller blocks, until its context ends.
	ctx, cancel := context.WithCancel(context.Background())
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		_, _ = d.IngestEvent(ctx, event(slow.TaskID, core.EventTaskProgress, 2, "second"))
	}()

	canceled := make(chan struct{})
	go func() {
		defer close(canceled)
		accepted, err := d.Cancel(context.Background(), other.TaskID)
		assert.NoError(t, err)
		assert.True(t, accepted)
	}()

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("cancel of an unrelated task blocked behind a slow stream consumer")
	}

	cancel()
	select {
	case <-publisherDone:
	case <-time.After(time.Second):
		t.Fatal("publisher not released by its context")
	}
}

func TestDispatcher_CancelReleasesBlockedPublisher(t *testing.T) {
	d := New(func(o *Options) {
		o.Config.StreamBufferSize = 1
		o.Config.StreamBackpressure = core.BackpressureBlock
	})
	lease := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 1, "first"))
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		defer close(released)
		_, _ = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 2, "second"))
	}()

	// Let the publisher park on the full stream before canceling.
	time.Sleep(20 * time.Millisecond)
	_, err = d.Cancel(context.Background(), lease.TaskID)
	require.NoError(t, err)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after cancel closed the stream")
	}
}

func TestDispatcher_GetStatusFallsBackToStore(t *testing.T) {
	shared := store.NewInMemoryStore()
	d1 := New(func(o *Options) { o.Store = shared })
	lease := dispatchTask(t, d1)

	// A fresh dispatcher has no arena entry but can still answer from the store.
	d2 := New(func(o *Options) { o.Store = shared })
	task, err := d2.GetStatus(context.Background(), lease.TaskID)
	require.NoError(t, err)
	assert.Equal(t, lease.TaskID, task.ID)

	_, err = d2.GetStatus(context.Background(), "missing")
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestDispatcher_EventHistoryPersisted(t *testing.T) {
	shared := store.NewInMemoryStore()
	d := New(func(o *Options) { o.Store = shared })
	lease := dispatchTask(t, d)

	_, err := d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskProgress, 1, "a"))
	require.NoError(t, err)
	_, err = d.IngestEvent(context.Background(), event(lease.TaskID, core.EventTaskCompleted, 2, "b"))
	require.NoError(t, err)

	events, err := shared.Events(context.Background(), lease.TaskID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Sequence)
	assert.Equal(t, 2, events[1].Sequence)
}
