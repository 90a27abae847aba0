package collab

import (
	"context"
	"fmt"

	"github.com/hupe1980/taskmesh/provider"
)

// runDebate runs the configured number of rounds (at least 2). In every
// round each participant receives the full transcript of the prior rounds
// and produces a rebuttal; rounds fan out concurrently since all rebuttals
// of a round see the same prior transcript. Any participant failure aborts
// the session. After the final round the arbiter issues the binding
// conclusion over the complete transcript.
func (o *Orchestrator) runDebate(ctx context.Context, s *session, req provider.Request) (*Result, error) {
	transcript := append([]provider.Message{}, req.Contents...)

	for round := 1; round <= s.rounds; round++ {
		roundReq := req
		roundReq.Contents = append([]provider.Message{}, transcript...)

		outcomes := o.fanOut(ctx, s, func(ctx context.Context, _ int, p Participant) (*provider.Response, error) {
			return p.Provider.Generate(ctx, roundReq)
		})
		for _, out := range outcomes {
			if out.Err != nil {
				return nil, fmt.Errorf("debate round %d aborted by participant %s: %w", round, out.Participant, out.Err)
			}
		}
		s.outcomes = append(s.outcomes, outcomes...)

		for _, out := range outcomes {
			transcript = append(transcript, provider.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("[round %d] %s: %s", round, out.Participant, out.Response.Content),
			})
		}
	}

	arbiter := s.participants[o.opts.Arbiter]
	arbiterName := participantName(arbiter, o.opts.Arbiter)
	conclusionReq := req
	conclusionReq.Instructions = "You are the arbiter. Review the debate transcript and issue the binding conclusion."
	conclusionReq.Contents = transcript

	conclusion, err := arbiter.Provider.Generate(ctx, conclusionReq)
	if err != nil {
		return nil, fmt.Errorf("debate arbiter %s failed: %w", arbiterName, err)
	}
	s.outcomes = append(s.outcomes, Outcome{Participant: arbiterName, Response: conclusion})

	return &Result{
		Mode:     ModeDebate,
		Outcomes: s.outcomes,
		Content:  conclusion.Content,
		Winner:   arbiterName,
	}, nil
}
