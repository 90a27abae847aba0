// Package window implements the token-budgeted conversation buffer. One
// Window exists per conversation thread; mutations are serialized by the
// window itself so the token-sum invariant holds after every operation.
package window

import (
	"context"
	"sync"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
)

// Entry is one conversational turn held by a window. Protected entries
// (system prompts and similar) are exempt from eviction and summarization.
type Entry struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
	Protected  bool   `json:"protected"`
}

// OverflowStrategy selects what happens when an add would exceed the token
// budget.
type OverflowStrategy string

const (
	// OverflowTruncate evicts the oldest non-protected entries until the new
	// entry fits.
	OverflowTruncate OverflowStrategy = "truncate"
	// OverflowSummarize replaces the oldest run of non-protected entries
	// with one synthetic summary entry, then retries the budget check.
	OverflowSummarize OverflowStrategy = "summarize"
	// OverflowFail rejects the add with a context_overflow error and leaves
	// the window untouched.
	OverflowFail OverflowStrategy = "fail"
)

// Summarizer condenses a run of entries into one synthetic entry with a
// reduced token count. The call is network-bound; implementations must
// respect ctx.
type Summarizer interface {
	Summarize(ctx context.Context, entries []Entry) (Entry, error)
}

// Options configures a Window.
type Options struct {
	// MaxTokens is the hard token budget. sum(TokenCount) never exceeds
	// MaxTokens - ReservedTokens after any mutation.
	MaxTokens int

	// MaxEntries caps the entry count; exceeding it evicts the oldest
	// non-protected entry before the budget check.
	MaxEntries int

	// ReservedTokens is headroom withheld from the budget, typically for the
	// response the next provider call will generate.
	ReservedTokens int

	// Strategy selects the overflow behavior. Defaults to truncate.
	Strategy OverflowStrategy

	// Summarizer is required for the summarize strategy.
	Summarizer Summarizer

	// Logger defaults to NoOp if nil.
	Logger logging.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector
}

// Window is a bounded conversation buffer. All methods are safe for
// concurrent use; a single mutex serializes mutations per window.
type Window struct {
	mu      sync.Mutex
	entries []Entry
	total   int
	opts    Options
}

// New creates a window with the given budget.
func New(maxTokens int, optFns ...func(o *Options)) *Window {
	opts := Options{
		MaxTokens:  maxTokens,
		MaxEntries: 256,
		Strategy:   OverflowTruncate,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 256
	}
	return &Window{opts: opts}
}

// EstimateTokens approximates the token count of text when no precomputed
// count is available: roughly four characters per token, minimum one.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// budget is the effective token budget after reserved headroom.
func (w *Window) budget() int {
	return w.opts.MaxTokens - w.opts.ReservedTokens
}

// AddEntry appends an entry, evicting or summarizing older entries per the
// overflow strategy so the token budget holds afterwards. Entries without a
// precomputed TokenCount are estimated. Fails with a context_overflow error
// when the budget cannot be met.
func (w *Window) AddEntry(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = core.NewID()
	}
	if e.TokenCount <= 0 {
		e.TokenCount = EstimateTokens(e.Content)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	budget := w.budget()
	if e.TokenCount > budget {
		return core.Errorf(core.KindContextOverflow, "entry of %d tokens exceeds budget %d", e.TokenCount, budget)
	}
	if w.opts.Strategy == OverflowFail && w.total+e.TokenCount > budget {
		return core.Errorf(core.KindContextOverflow, "window at %d/%d tokens cannot fit %d more", w.total, budget, e.TokenCount)
	}

	if len(w.entries) >= w.opts.MaxEntries {
		if !w.evictOldest() {
			return core.Errorf(core.KindContextOverflow, "window full with %d protected entries", len(w.entries))
		}
	}

	for w.total+e.TokenCount > budget {
		switch w.opts.Strategy {
		case OverflowSummarize:
			if err := w.summarizeOldestRun(ctx); err != nil {
				return err
			}
		default:
			if !w.evictOldest() {
				return core.Errorf(core.KindContextOverflow, "budget %d exceeded with only protected entries left", budget)
			}
		}
	}

	w.entries = append(w.entries, e)
	w.total += e.TokenCount
	return nil
}

// evictOldest removes the oldest non-protected entry. The caller holds the
// mutex. Returns false when every remaining entry is protected.
func (w *Window) evictOldest() bool {
	for i, e := range w.entries {
		if e.Protected {
			continue
		}
		w.total -= e.TokenCount
		w.entries = append(w.entries[:i], w.entries[i+1:]...)
		if w.opts.Metrics != nil {
			w.opts.Metrics.ContextEvictions.Inc()
		}
		w.opts.Logger.Debug("context entry evicted id=%s tokens=%d total=%d", e.ID, e.TokenCount, w.total)
		return true
	}
	return false
}

// summarizeOldestRun replaces the oldest contiguous run of non-protected
// entries with one summary entry. The caller holds the mutex. Fails when no
// summarizer is configured, when no run exists, or when summarization does
// not reduce the token count (no progress).
func (w *Window) summarizeOldestRun(ctx context.Context) error {
	if w.opts.Summarizer == nil {
		return core.Errorf(core.KindContextOverflow, "summarize strategy configured without a summarizer")
	}

	start := -1
	for i, e := range w.entries {
		if !e.Protected {
			start = i
			break
		}
	}
	if start < 0 {
		return core.Errorf(core.KindContextOverflow, "budget exceeded with only protected entries left")
	}
	end := start
	for end < len(w.entries) && !w.entries[end].Protected {
		end++
	}

	run := make([]Entry, end-start)
	copy(run, w.entries[start:end])
	runTokens := 0
	for _, e := range run {
		runTokens += e.TokenCount
	}

	summary, err := w.opts.Summarizer.Summarize(ctx, run)
	if err != nil {
		return core.Errorf(core.KindContextOverflow, "summarization failed").WithCause(err)
	}
	if summary.TokenCount <= 0 {
		summary.TokenCount = EstimateTokens(summary.Content)
	}
	if summary.TokenCount >= runTokens {
		return core.Errorf(core.KindContextOverflow, "summary of %d tokens does not reduce run of %d tokens", summary.TokenCount, runTokens)
	}
	if summary.ID == "" {
		summary.ID = core.NewID()
	}
	summary.Protected = false

	replaced := make([]Entry, 0, len(w.entries)-len(run)+1)
	replaced = append(replaced, w.entries[:start]...)
	replaced = append(replaced, summary)
	replaced = append(replaced, w.entries[end:]...)
	w.entries = replaced
	w.total = w.total - runTokens + summary.TokenCount

	if w.opts.Metrics != nil {
		w.opts.Metrics.ContextEvictions.Inc()
	}
	w.opts.Logger.Debug("context run summarized entries=%d tokens=%d->%d", len(run), runTokens, summary.TokenCount)
	return nil
}

// Snapshot returns a copy of the current ordered entry list.
func (w *Window) Snapshot() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	snapshot := make([]Entry, len(w.entries))
	copy(snapshot, w.entries)
	return snapshot
}

// TotalTokens returns the current token sum.
func (w *Window) TotalTokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// Clear resets the window. With keepProtected true, protected entries (and
// their token counts) survive.
func (w *Window) Clear(keepProtected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !keepProtected {
		w.entries = nil
		w.total = 0
		return
	}
	kept := w.entries[:0]
	total := 0
	for _, e := range w.entries {
		if e.Protected {
			kept = append(kept, e)
			total += e.TokenCount
		}
	}
	w.entries = kept
	w.total = total
}
