package review

import (
	"context"
	"fmt"

	"auditkb/internal/logging"
	"auditkb/internal/matcher"
)

// DefaultMaxRounds bounds the verification loop.
const DefaultMaxRounds = 3

// Verifier drives the iterative verification loop: submit the batch, apply
// corrections, repeat until the adjudicator confirms or the round budget
// runs out. Rounds are inherently sequential; each depends on the corrected
// state of the previous one.
type Verifier struct {
	adjudicator Adjudicator
	maxRounds   int
}

// NewVerifier creates a verifier with the given round budget.
// A non-positive budget falls back to DefaultMaxRounds.
func NewVerifier(adjudicator Adjudicator, maxRounds int) *Verifier {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Verifier{
		adjudicator: adjudicator,
		maxRounds:   maxRounds,
	}
}

// IterativeVerify runs adjudication rounds against the batch until confirmed,
// non-converging, or out of budget. The batch is mutated in place and always
// returned: failure is a terminal state with a report, not an error. The
// caller therefore receives one uniform shape in every outcome.
func (v *Verifier) IterativeVerify(ctx context.Context, batch *matcher.BatchResult) *matcher.BatchResult {
	timer := logging.StartTimer(logging.CategoryReview, "IterativeVerify")
	defer timer.Stop()

	initialSummary := batch.Summary
	var outcomes []matcher.RoundOutcome
	roundsRun := 0

	for round := 1; round <= v.maxRounds; round++ {
		roundsRun = round
		logging.Review("IterativeVerify: round %d/%d", round, v.maxRounds)

		rr, err := v.adjudicator.Adjudicate(ctx, batch)
		if err != nil {
			// A failed round must not abort the batch or discard corrections
			// already applied; substitute a neutral non-confirming round.
			logging.Get(logging.CategoryReview).Warn("IterativeVerify: round %d failed: %v", round, err)
			rr = neutralRound(fmt.Sprintf("adjudicator unavailable: %v", err))
		}

		rr.Round = round
		rr.ReviewID = fmt.Sprintf("R%03d", round)
		batch.ReviewHistory = append(batch.ReviewHistory, rr)
		outcomes = append(outcomes, matcher.RoundOutcome{
			Round:         round,
			Status:        rr.Status,
			AdjustedCount: len(rr.Details),
		})

		if rr.Status == matcher.StatusConfirmed {
			logging.Review("IterativeVerify: confirmed in round %d", round)
			batch.Verified = true
			batch.RecountSummary()
			return batch
		}

		if len(rr.Details) > 0 {
			applied := v.applyCorrections(batch, rr.Details)
			logging.Review("IterativeVerify: round %d applied %d corrections", round, applied)
			continue
		}

		// A failed round keeps its budget slot but does not end the loop;
		// the next round retries against the same corrected state.
		if rr.Status == matcher.StatusError {
			continue
		}

		// Not confirmed and nothing to apply: the adjudicator has stalled.
		logging.Get(logging.CategoryReview).Warn("IterativeVerify: round %d returned no corrections without confirming", round)
		break
	}

	batch.Verified = false
	batch.FailureReport = &matcher.FailureReport{
		TotalRounds:    roundsRun,
		InitialSummary: initialSummary,
		Rounds:         outcomes,
		Recommendation: "adjudication did not converge; escalate the batch to manual review",
	}
	batch.RecountSummary()

	logging.Review("IterativeVerify: failed after %d rounds, batch escalated", roundsRun)
	return batch
}

// applyCorrections mutates the batch per the adjudicator's review details.
// Corrections reference suggestions by identifier, never by position.
func (v *Verifier) applyCorrections(batch *matcher.BatchResult, details []matcher.ReviewDetail) int {
	applied := 0

	for _, d := range details {
		if s := batch.FindSuggestion(d.SuggestionID); s != nil {
			v.applyToSuggestion(s, d)
			applied++
			continue
		}
		if p := batch.FindPending(d.SuggestionID); p != nil {
			v.applyToPending(p, d)
			applied++
			continue
		}
		logging.Get(logging.CategoryReview).Warn("applyCorrections: unknown suggestion id %q", d.SuggestionID)
	}

	return applied
}

func (v *Verifier) applyToSuggestion(s *matcher.MatchSuggestion, d matcher.ReviewDetail) {
	if d.ItemDecision != "" {
		previous := s.MatchResult.Action
		s.MatchResult.Action = d.ItemDecision

		// A reuse decision withdrawn by the adjudicator loses its target.
		if previous == matcher.ActionReuse && d.ItemDecision == matcher.ActionCreate {
			s.MatchResult.ExistingItemID = nil
			s.MatchResult.ExistingTitle = nil
		}
		if d.ItemDecision == matcher.ActionReuse && d.TargetItemID != "" {
			target := d.TargetItemID
			s.MatchResult.ExistingItemID = &target
		}

		s.Adjusted = true
		s.AdjustmentReason = d.ItemReason
	}

	if d.ProcedureDecision != "" && s.ProcedureMatch != nil {
		s.ProcedureMatch.Action = d.ProcedureDecision
	}

	if d.DimensionAdjustment != "" {
		s.NewItem.Dimension = d.DimensionAdjustment
	}
}

func (v *Verifier) applyToPending(p *matcher.PendingCandidate, d matcher.ReviewDetail) {
	switch d.ItemDecision {
	case matcher.ActionReuse:
		if d.TargetItemID == "" {
			logging.Get(logging.CategoryReview).Warn("applyToPending: %s reuse decision without target_item_id", d.SuggestionID)
			return
		}
		target := d.TargetItemID
		result := &matcher.MatchResult{
			ExistingItemID: &target,
			Action:         matcher.ActionReuse,
		}
		for _, c := range p.Candidates {
			if c.ExistingItemID == d.TargetItemID {
				title := c.ExistingTitle
				result.ExistingTitle = &title
				result.Similarity = c.Similarity
				break
			}
		}
		p.MatchResult = result

	case matcher.ActionCreate:
		p.MatchResult = &matcher.MatchResult{Action: matcher.ActionCreate}

	default:
		return
	}

	if d.DimensionAdjustment != "" {
		p.NewItem.Dimension = d.DimensionAdjustment
	}
	p.Adjusted = true
	p.AdjustmentReason = d.ItemReason
}
