package collab

import (
	"context"
	"strings"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/provider"
)

// runParallel sends the identical request to every participant concurrently
// and waits for all responses or the shared deadline. Individual failures
// are recorded but do not abort the session; the aggregate concatenates the
// raw outputs in participant order. A session where every participant failed
// is an error.
func (o *Orchestrator) runParallel(ctx context.Context, s *session, req provider.Request) (*Result, error) {
	s.outcomes = o.fanOut(ctx, s, func(ctx context.Context, _ int, p Participant) (*provider.Response, error) {
		return p.Provider.Generate(ctx, req)
	})

	var parts []string
	succeeded := 0
	for _, out := range s.outcomes {
		if out.Err != nil {
			o.opts.Logger.Warn("parallel participant failed participant=%s err=%v", out.Participant, out.Err)
			continue
		}
		succeeded++
		parts = append(parts, out.Participant+": "+out.Response.Content)
	}
	if succeeded == 0 {
		return nil, core.Errorf(core.KindProviderUnavailable, "all %d parallel participants failed", len(s.participants))
	}

	return &Result{
		Mode:     ModeParallel,
		Outcomes: s.outcomes,
		Content:  strings.Join(parts, "\n\n"),
	}, nil
}
