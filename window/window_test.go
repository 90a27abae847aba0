package window

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hupe1980/taskmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSummarizer returns a fixed-size summary or a scripted error.
type scriptedSummarizer struct {
	tokens int
	err    error
	calls  int
}

func (s *scriptedSummarizer) Summarize(_ context.Context, entries []Entry) (Entry, error) {
	s.calls++
	if s.err != nil {
		return Entry{}, s.err
	}
	return Entry{
		Role:       "system",
		Content:    fmt.Sprintf("summary of %d entries", len(entries)),
		TokenCount: s.tokens,
	}, nil
}

func addSized(t *testing.T, w *Window, id string, tokens int) {
	t.Helper()
	require.NoError(t, w.AddEntry(context.Background(), Entry{ID: id, Role: "user", Content: "x", TokenCount: tokens}))
}

func TestWindow_EstimatesTokensWhenUnset(t *testing.T) {
	w := New(100)
	require.NoError(t, w.AddEntry(context.Background(), Entry{Role: "user", Content: "twelve chars"}))

	snapshot := w.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 3, snapshot[0].TokenCount)
	assert.NotEmpty(t, snapshot[0].ID)

	// Even empty content costs at least one token.
	require.NoError(t, w.AddEntry(context.Background(), Entry{Role: "user"}))
	assert.Equal(t, 1, w.Snapshot()[1].TokenCount)
}

func TestWindow_TruncateEvictsOldestUntilFit(t *testing.T) {
	// Four 40-token entries against a 100-token budget: the third add evicts
	// the first entry, the fourth evicts the second, leaving {3,4} at 80.
	w := New(100)
	addSized(t, w, "1", 40)
	addSized(t, w, "2", 40)
	addSized(t, w, "3", 40)

	snapshot := w.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "2", snapshot[0].ID)
	assert.Equal(t, "3", snapshot[1].ID)
	assert.Equal(t, 80, w.TotalTokens())

	addSized(t, w, "4", 40)
	snapshot = w.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "3", snapshot[0].ID)
	assert.Equal(t, "4", snapshot[1].ID)
	assert.Equal(t, 80, w.TotalTokens())
}

func TestWindow_ProtectedEntriesSurviveEviction(t *testing.T) {
	w := New(100)
	require.NoError(t, w.AddEntry(context.Background(), Entry{ID: "sys", Role: "system", Content: "x", TokenCount: 30, Protected: true}))
	addSized(t, w, "a", 40)
	addSized(t, w, "b", 40) // evicts "a", not "sys"

	snapshot := w.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "sys", snapshot[0].ID)
	assert.Equal(t, "b", snapshot[1].ID)
}

func TestWindow_TruncateFailsWhenOnlyProtectedRemain(t *testing.T) {
	w := New(100)
	require.NoError(t, w.AddEntry(context.Background(), Entry{ID: "sys", Content: "x", TokenCount: 80, Protected: true}))

	err := w.AddEntry(context.Background(), Entry{ID: "a", Content: "x", TokenCount: 40})
	assert.True(t, core.IsKind(err, core.KindContextOverflow))
}

func TestWindow_EntryLargerThanBudgetRejected(t *testing.T) {
	w := New(50)
	err := w.AddEntry(context.Background(), Entry{Content: "x", TokenCount: 60})
	assert.True(t, core.IsKind(err, core.KindContextOverflow))
}

func TestWindow_FailStrategyRejectsWithoutMutation(t *testing.T) {
	w := New(100, func(o *Options) { o.Strategy = OverflowFail })
	addSized(t, w, "1", 60)

	err := w.AddEntry(context.Background(), Entry{ID: "2", Content: "x", TokenCount: 60})
	assert.True(t, core.IsKind(err, core.KindContextOverflow))

	snapshot := w.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "1", snapshot[0].ID)
	assert.Equal(t, 60, w.TotalTokens())
}

func TestWindow_SummarizeCompressesOldestRun(t *testing.T) {
	sum := &scriptedSummarizer{tokens: 10}
	w := New(100, func(o *Options) {
		o.Strategy = OverflowSummarize
		o.Summarizer = sum
	})
	addSized(t, w, "1", 40)
	addSized(t, w, "2", 40)
	addSized(t, w, "3", 40) // 120 > 100: entries {1,2} summarized to 10 tokens

	assert.Equal(t, 1, sum.calls)
	snapshot := w.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Contains(t, snapshot[0].Content, "summary of 2 entries")
	assert.Equal(t, "3", snapshot[1].ID)
	assert.Equal(t, 50, w.TotalTokens())
}

func TestWindow_SummarizeSkipsProtectedPrefix(t *testing.T) {
	sum := &scriptedSummarizer{tokens: 5}
	w := New(100, func(o *Options) {
		o.Strategy = OverflowSummarize
		o.Summarizer = sum
	})
	require.NoError(t, w.AddEntry(context.Background(), Entry{ID: "sys", Content: "x", TokenCount: 20, Protected: true}))
	addSized(t, w, "a", 40)
	addSized(t, w, "b", 40)
	addSized(t, w, "c", 40) // run {a,b} summarized, sys untouched

	snapshot := w.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "sys", snapshot[0].ID)
	assert.Contains(t, snapshot[1].Content, "summary")
	assert.Equal(t, "c", snapshot[2].ID)
}

func TestWindow_SummarizeWithoutProgressFails(t *testing.T) {
	sum := &scriptedSummarizer{tokens: 90}
	w := New(100, func(o *Options) {
		o.Strategy = OverflowSummarize
		o.Summarizer = sum
	})
	addSized(t, w, "1", 40)
	addSized(t, w, "2", 40)

	err := w.AddEntry(context.Background(), Entry{ID: "3", Content: "x", TokenCount: 40})
	assert.True(t, core.IsKind(err, core.KindContextOverflow))
}

func TestWindow_SummarizerErrorSurfaces(t *testing.T) {
	sum := &scriptedSummarizer{err: errors.New("model offline")}
	w := New(100, func(o *Options) {
		o.Strategy = OverflowSummarize
		o.Summarizer = sum
	})
	addSized(t, w, "1", 80)

	err := w.AddEntry(context.Background(), Entry{ID: "2", Content: "x", TokenCount: 40})
	require.True(t, core.IsKind(err, core.KindContextOverflow))
	assert.ErrorContains(t, err, "model offline")
}

func TestWindow_MaxEntriesEvicts(t *testing.T) {
	w := New(1000, func(o *Options) { o.MaxEntries = 2 })
	addSized(t, w, "1", 10)
	addSized(t, w, "2", 10)
	addSized(t, w, "3", 10)

	snapshot := w.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "2", snapshot[0].ID)
	assert.Equal(t, "3", snapshot[1].ID)
}

func TestWindow_ReservedTokensShrinkBudget(t *testing.T) {
	w := New(100, func(o *Options) { o.ReservedTokens = 50 })
	addSized(t, w, "1", 40)

	// 40 + 40 fits 100 but not the effective budget of 50.
	addSized(t, w, "2", 40)
	snapshot := w.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "2", snapshot[0].ID)
}

func TestWindow_BudgetInvariantHolds(t *testing.T) {
	w := New(100)
	for i := 0; i < 50; i++ {
		require.NoError(t, w.AddEntry(context.Background(), Entry{Content: "some message content", TokenCount: 7 + i%13}))
		assert.LessOrEqual(t, w.TotalTokens(), 100)
	}
}

func TestWindow_Clear(t *testing.T) {
	w := New(100)
	require.NoError(t, w.AddEntry(context.Background(), Entry{ID: "sys", Content: "x", TokenCount: 10, Protected: true}))
	addSized(t, w, "a", 10)

	w.Clear(true)
	snapshot := w.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "sys", snapshot[0].ID)
	assert.Equal(t, 10, w.TotalTokens())

	w.Clear(false)
	assert.Empty(t, w.Snapshot())
	assert.Zero(t, w.TotalTokens())
}
