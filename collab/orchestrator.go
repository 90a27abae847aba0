// Package collab implements the multi-provider collaboration protocols:
// parallel, sequential, debate and vote. A session fans one request out to
// several providers and aggregates their answers according to the mode.
package collab

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/provider"
)

// Mode selects the collaboration protocol for a session.
type Mode string

const (
	// ModeParallel sends the identical request to every participant
	// concurrently and aggregates all raw outputs without elimination.
	ModeParallel Mode = "parallel"
	// ModeSequential pipes each participant's output into the next
	// participant's context; the chain aborts on the first error.
	ModeSequential Mode = "sequential"
	// ModeDebate runs a fixed number of rebuttal rounds over a shared
	// transcript, then lets the arbiter issue the binding conclusion.
	ModeDebate Mode = "debate"
	// ModeVote collects independent answers with confidence scores and picks
	// the answer with the highest weighted score.
	ModeVote Mode = "vote"
)

// Participant is one provider taking part in a session. Weight scales the
// participant's ballots in vote mode (0 means 1.0). Priority is implicit:
// participants earlier in the session slice win ties.
type Participant struct {
	Name     string
	Provider provider.Provider
	Weight   float64
}

// Outcome is one participant's contribution to a session. Err is set when
// the participant failed; in parallel and vote modes a failed participant is
// recorded without aborting the session.
type Outcome struct {
	Participant string             `json:"participant"`
	Response    *provider.Response `json:"response,omitempty"`
	Err         error              `json:"-"`
}

// Result is the aggregate of a finished session.
type Result struct {
	Mode     Mode      `json:"mode"`
	Outcomes []Outcome `json:"outcomes"`
	// Content is the mode-specific aggregate: concatenation for parallel,
	// the last output for sequential, the arbiter conclusion for debate and
	// the winning answer for vote.
	Content string `json:"content"`
	// Winner names the winning participant for vote mode and the arbiter for
	// debate mode.
	Winner string `json:"winner,omitempty"`
}

// session is the orchestrator-private state of one run, discarded after
// aggregation.
type session struct {
	mode         Mode
	participants []Participant
	rounds       int
	outcomes     []Outcome
}

// Options configures an Orchestrator.
type Options struct {
	// MaxConcurrency caps concurrent provider calls per session. Zero means
	// one slot per participant.
	MaxConcurrency int

	// Deadline bounds the whole session. Mandatory; zero falls back to the
	// default so no session can run unbounded.
	Deadline time.Duration

	// Rounds is the number of debate rounds; values below 2 are raised to 2.
	Rounds int

	// Arbiter is the index of the debate participant issuing the binding
	// conclusion. It may be one of the debaters; defaults to the first
	// participant.
	Arbiter int

	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// Orchestrator runs collaboration sessions over a fixed participant list per
// call. It holds no per-session state between runs.
type Orchestrator struct {
	opts Options
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Deadline: 2 * time.Minute,
		Rounds:   2,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 2 * time.Minute
	}
	if opts.Rounds < 2 {
		opts.Rounds = 2
	}
	return &Orchestrator{opts: opts}
}

// Run executes one collaboration session and returns the aggregate.
func (o *Orchestrator) Run(ctx context.Context, mode Mode, participants []Participant, req provider.Request) (*Result, error) {
	if len(participants) == 0 {
		return nil, core.Errorf(core.KindValidation, "collaboration session needs at least one participant")
	}
	if o.opts.Arbiter < 0 || o.opts.Arbiter >= len(participants) {
		return nil, core.Errorf(core.KindValidation, "arbiter index %d out of range", o.opts.Arbiter)
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
	defer cancel()

	s := &session{mode: mode, participants: participants, rounds: o.opts.Rounds}
	start := time.Now()

	var (
		result *Result
		err    error
	)
	switch mode {
	case ModeParallel:
		result, err = o.runParallel(ctx, s, req)
	case ModeSequential:
		result, err = o.runSequential(ctx, s, req)
	case ModeDebate:
		result, err = o.runDebate(ctx, s, req)
	case ModeVote:
		result, err = o.runVote(ctx, s, req)
	default:
		return nil, core.Errorf(core.KindValidation, "unknown collaboration mode %s", mode)
	}

	o.opts.Logger.Debug("collaboration session finished mode=%s participants=%d duration=%s err=%v",
		mode, len(participants), time.Since(start), err)
	return result, err
}

// fanOut runs fn for every participant concurrently under the session
// concurrency cap and stores each outcome at the participant's index.
func (o *Orchestrator) fanOut(ctx context.Context, s *session, fn func(ctx context.Context, idx int, p Participant) (*provider.Response, error)) []Outcome {
	slots := o.opts.MaxConcurrency
	if slots <= 0 || slots > len(s.participants) {
		slots = len(s.participants)
	}
	sem := make(chan struct{}, slots)
	outcomes := make([]Outcome, len(s.participants))

	var wg sync.WaitGroup
	for i, p := range s.participants {
		wg.Add(1)
		go func(idx int, p Participant) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			resp, err := fn(ctx, idx, p)
			outcomes[idx] = Outcome{Participant: participantName(p, idx), Response: resp, Err: err}
		}(i, p)
	}
	wg.Wait()
	return outcomes
}

// participantName returns a stable display name for the participant.
func participantName(p Participant, idx int) string {
	if p.Name != "" {
		return p.Name
	}
	return p.Provider.Descriptor().Name + "#" + strconv.Itoa(idx)
}
