package collab

import (
	"context"
	"fmt"

	"github.com/hupe1980/taskmesh/provider"
)

// runSequential pipes each participant's output into the next participant's
// context: participant i's answer is appended to the contents participant
// i+1 receives. The chain terminates after the last participant; any
// participant failure aborts the chain and surfaces that participant's error.
func (o *Orchestrator) runSequential(ctx context.Context, s *session, req provider.Request) (*Result, error) {
	current := req
	for i, p := range s.participants {
		name := participantName(p, i)
		resp, err := p.Provider.Generate(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("sequential chain aborted at participant %s: %w", name, err)
		}
		s.outcomes = append(s.outcomes, Outcome{Participant: name, Response: resp})

		next := current
		next.Contents = append(append([]provider.Message{}, current.Contents...), provider.Message{
			Role:    "assistant",
			Content: resp.Content,
		})
		current = next
	}

	return &Result{
		Mode:     ModeSequential,
		Outcomes: s.outcomes,
		Content:  s.outcomes[len(s.outcomes)-1].Response.Content,
	}, nil
}
