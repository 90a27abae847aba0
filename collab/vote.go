package collab

import (
	"context"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/provider"
)

// runVote lets every participant answer independently and picks the answer
// with the highest sum of weight*confidence over the participants that gave
// it. A participant weight of 0 counts as 1.0, as does an unset confidence
// (a binary ballot). Ties are broken by participant order: the answer whose
// earliest supporter registered first wins. Failed participants are recorded
// without aborting the session.
func (o *Orchestrator) runVote(ctx context.Context, s *session, req provider.Request) (*Result, error) {
	s.outcomes = o.fanOut(ctx, s, func(ctx context.Context, _ int, p Participant) (*provider.Response, error) {
		return p.Provider.Generate(ctx, req)
	})

	type tally struct {
		score    float64
		firstIdx int
		winner   string
	}
	tallies := make(map[string]*tally)
	succeeded := 0

	for i, out := range s.outcomes {
		if out.Err != nil {
			o.opts.Logger.Warn("vote participant failed participant=%s err=%v", out.Participant, out.Err)
			continue
		}
		succeeded++

		weight := s.participants[i].Weight
		if weight == 0 {
			weight = 1.0
		}
		confidence := out.Response.Confidence
		if confidence == 0 {
			confidence = 1.0
		}

		answer := out.Response.Content
		t, ok := tallies[answer]
		if !ok {
			t = &tally{firstIdx: i, winner: out.Participant}
			tallies[answer] = t
		}
		t.score += weight * confidence
	}
	if succeeded == 0 {
		return nil, core.Errorf(core.KindProviderUnavailable, "all %d vote participants failed", len(s.participants))
	}

	var bestAnswer string
	var best *tally
	for answer, t := range tallies {
		if best == nil || t.score > best.score || (t.score == best.score && t.firstIdx < best.firstIdx) {
			bestAnswer = answer
			best = t
		}
	}

	return &Result{
		Mode:     ModeVote,
		Outcomes: s.outcomes,
		Content:  bestAnswer,
		Winner:   best.winner,
	}, nil
}
