package memory

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/chatterbox/internal/config"
	"github.com/zulandar/chatterbox/internal/models"
)

// History is the read side of the message log the Assembler draws from.
type History interface {
	Recent(ctx context.Context, scopeID, identityID string, limit int) ([]models.MessageRecord, error)
	Search(ctx context.Context, scopeID, identityID string, keywords []string, before *Cursor, pool, limit int) ([]models.MessageRecord, error)
	CrossScope(ctx context.Context, identityID, excludeScope string, limit int) ([]models.MessageRecord, error)
}

// AssemblerOpts holds parameters for creating an Assembler.
type AssemblerOpts struct {
	History History
	Limits  config.MemoryConfig
}

// Assembler builds the bounded context sent with each generation call.
//
// Stages, each budgeted by the slots left over by the previous ones:
//  1. the newest MaxRecent records for (scope, identity);
//  2. keyword-relevant older records for the same pair, up to MaxBackfill;
//  3. when at least CrossScopeMargin slots remain, the identity's newest
//     records from other scopes, up to MaxCrossScope.
//
// The result is ordered by (created_at, id) and capped to the newest
// MaxContext records. A failing stage is logged and skipped.
type Assembler struct {
	history History
	limits  config.MemoryConfig
}

// NewAssembler creates an Assembler.
func NewAssembler(opts AssemblerOpts) (*Assembler, error) {
	if opts.History == nil {
		return nil, fmt.Errorf("memory: history is required")
	}
	if opts.Limits.MaxContext <= 0 {
		return nil, fmt.Errorf("memory: max context must be positive")
	}
	if opts.Limits.CandidatePool <= 0 {
		opts.Limits.CandidatePool = 200
	}
	return &Assembler{history: opts.History, limits: opts.Limits}, nil
}

// Assemble returns prior turns for (scope, identity), oldest first.
func (a *Assembler) Assemble(ctx context.Context, scopeID, identityID, prompt string) []models.Turn {
	recs := a.Records(ctx, scopeID, identityID, prompt)
	turns := make([]models.Turn, len(recs))
	for i, r := range recs {
		role := models.RoleAgent
		if r.Role == models.RoleUser {
			role = models.RoleUser
		}
		turns[i] = models.Turn{Role: role, Text: r.Content}
	}
	return turns
}

// Records returns the records Assemble would map to turns.
func (a *Assembler) Records(ctx context.Context, scopeID, identityID, prompt string) []models.MessageRecord {
	lim := a.limits

	selected, err := a.history.Recent(ctx, scopeID, identityID, min(lim.MaxRecent, lim.MaxContext))
	if err != nil {
		log.Printf("memory: assemble %s/%s: recency window: %v", scopeID, identityID, err)
		selected = nil
	}

	if remaining := lim.MaxContext - len(selected); remaining > 0 {
		if kws := Keywords(prompt); len(kws) > 0 {
			var before *Cursor
			if len(selected) > 0 {
				before = &Cursor{CreatedAt: selected[0].CreatedAt, ID: selected[0].ID}
			}
			older, err := a.history.Search(ctx, scopeID, identityID, kws, before, lim.CandidatePool, min(remaining, lim.MaxBackfill))
			if err != nil {
				log.Printf("memory: assemble %s/%s: relevance backfill: %v", scopeID, identityID, err)
			} else {
				selected = append(older, selected...)
			}
		}
	}

	if remaining := lim.MaxContext - len(selected); remaining >= lim.CrossScopeMargin && remaining > 0 {
		other, err := a.history.CrossScope(ctx, identityID, scopeID, min(remaining, lim.MaxCrossScope))
		if err != nil {
			log.Printf("memory: assemble %s/%s: cross-scope: %v", scopeID, identityID, err)
		} else {
			selected = append(other, selected...)
		}
	}

	sortChronological(selected)
	if len(selected) > lim.MaxContext {
		selected = selected[len(selected)-lim.MaxContext:]
	}
	return selected
}
