package review

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"auditkb/internal/matcher"
)

func strPtr(s string) *string { return &s }

// testBatch builds a small classified batch: one reuse suggestion, one
// create suggestion, one pending candidate.
func testBatch() *matcher.BatchResult {
	b := matcher.NewBatchResult("import.csv")
	b.Summary = matcher.Summary{
		TotalNewItems:       3,
		TotalExistingItems:  5,
		SuggestedNewItems:   1,
		SuggestedReuseItems: 1,
		PendingReview:       1,
	}
	b.MergeSuggestions = []*matcher.MatchSuggestion{
		{
			SuggestionID: "M001",
			NewItem:      matcher.NewItem{Title: "committee established", Dimension: "governance"},
			MatchResult: matcher.MatchResult{
				ExistingItemID: strPtr("IT-GOV-0015"),
				ExistingTitle:  strPtr("committee set up"),
				Similarity:     0.93,
				Action:         matcher.ActionReuse,
			},
			ProcedureMatch: &matcher.ProcedureMatch{
				Similarity: 0.86,
				Action:     matcher.ProcedureReuse,
			},
			VectorConfidence: matcher.ConfidenceHigh,
		},
		{
			SuggestionID: "M002",
			NewItem:      matcher.NewItem{Title: "brand new check", Dimension: "security"},
			MatchResult: matcher.MatchResult{
				Similarity: 0.0,
				Action:     matcher.ActionCreate,
			},
			VectorConfidence: matcher.ConfidenceHigh,
		},
	}
	b.PendingReview = []*matcher.PendingCandidate{
		{
			SuggestionID: "P001",
			NewItem:      matcher.NewItem{Title: "ambiguous check", Dimension: "security"},
			Candidates: []matcher.Candidate{
				{ExistingItemID: "IT-SEC-0023", ExistingTitle: "security training plan", Similarity: 0.72},
			},
			VectorConfidence: matcher.ConfidenceLow,
		},
	}
	return b
}

func TestIterativeVerify_ConfirmedFirstRound(t *testing.T) {
	adj := &MockAdjudicator{}
	v := NewVerifier(adj, 3)

	batch := v.IterativeVerify(context.Background(), testBatch())

	if !batch.Verified {
		t.Fatal("batch should be verified")
	}
	if batch.FailureReport != nil {
		t.Fatal("verified batch must not carry a failure report")
	}
	if len(batch.ReviewHistory) != 1 {
		t.Fatalf("review history length = %d, want 1", len(batch.ReviewHistory))
	}
	if batch.ReviewHistory[0].ReviewID != "R001" || batch.ReviewHistory[0].Round != 1 {
		t.Errorf("round record = %+v", batch.ReviewHistory[0])
	}
	if adj.Calls() != 1 {
		t.Errorf("adjudicator calls = %d, want 1", adj.Calls())
	}
}

func TestIterativeVerify_AppliesReuseToCreateFlip(t *testing.T) {
	adj := &MockAdjudicator{
		Rounds: []*matcher.ReviewRound{
			{
				Status: matcher.StatusAdjusted,
				Details: []matcher.ReviewDetail{
					{
						SuggestionID: "M001",
						ItemDecision: matcher.ActionCreate,
						ItemReason:   "different check focus",
					},
				},
			},
			// Second round confirms the corrected state.
		},
	}
	v := NewVerifier(adj, 3)

	batch := v.IterativeVerify(context.Background(), testBatch())

	s := batch.FindSuggestion("M001")
	if s == nil {
		t.Fatal("M001 not found")
	}
	if s.MatchResult.Action != matcher.ActionCreate {
		t.Errorf("action = %s, want create", s.MatchResult.Action)
	}
	if s.MatchResult.ExistingItemID != nil || s.MatchResult.ExistingTitle != nil {
		t.Error("existing item reference must be cleared on reuse->create flip")
	}
	if !s.Adjusted || s.AdjustmentReason != "different check focus" {
		t.Errorf("adjustment not recorded: adjusted=%v reason=%q", s.Adjusted, s.AdjustmentReason)
	}
	if !batch.Verified {
		t.Fatal("batch should be verified after the confirming round")
	}
	// Summary must reflect the flipped decision.
	if batch.Summary.SuggestedNewItems != 2 || batch.Summary.SuggestedReuseItems != 0 {
		t.Errorf("summary = %+v, want 2 create / 0 reuse", batch.Summary)
	}
}

func TestIterativeVerify_AppliesProcedureAndDimension(t *testing.T) {
	adj := &MockAdjudicator{
		Rounds: []*matcher.ReviewRound{
			{
				Status: matcher.StatusAdjusted,
				Details: []matcher.ReviewDetail{
					{
						SuggestionID:        "M001",
						ProcedureDecision:   matcher.ProcedureCreate,
						ProcedureReason:     "different check method",
						DimensionAdjustment: "IT governance",
					},
				},
			},
		},
	}
	v := NewVerifier(adj, 3)

	batch := v.IterativeVerify(context.Background(), testBatch())

	s := batch.FindSuggestion("M001")
	if s.ProcedureMatch.Action != matcher.ProcedureCreate {
		t.Errorf("procedure action = %s, want create_procedure", s.ProcedureMatch.Action)
	}
	if s.NewItem.Dimension != "IT governance" {
		t.Errorf("dimension = %q, want adjusted value", s.NewItem.Dimension)
	}
	// Item decision untouched.
	if s.MatchResult.Action != matcher.ActionReuse {
		t.Errorf("item action = %s, should be untouched", s.MatchResult.Action)
	}
}

func TestIterativeVerify_ResolvesPendingToReuse(t *testing.T) {
	adj := &MockAdjudicator{
		Rounds: []*matcher.ReviewRound{
			{
				Status: matcher.StatusAdjusted,
				Details: []matcher.ReviewDetail{
					{
						SuggestionID: "P001",
						ItemDecision: matcher.ActionReuse,
						TargetItemID: "IT-SEC-0023",
						ItemReason:   "same check as candidate",
					},
				},
			},
		},
	}
	v := NewVerifier(adj, 3)

	batch := v.IterativeVerify(context.Background(), testBatch())

	p := batch.FindPending("P001")
	if p.MatchResult == nil {
		t.Fatal("pending item should be resolved")
	}
	if p.MatchResult.Action != matcher.ActionReuse {
		t.Errorf("action = %s, want reuse", p.MatchResult.Action)
	}
	if p.MatchResult.ExistingItemID == nil || *p.MatchResult.ExistingItemID != "IT-SEC-0023" {
		t.Errorf("existing id = %v, want IT-SEC-0023", p.MatchResult.ExistingItemID)
	}
	if p.MatchResult.ExistingTitle == nil || *p.MatchResult.ExistingTitle != "security training plan" {
		t.Errorf("existing title should be filled from the candidate list")
	}
	if batch.Summary.PendingReview != 0 || batch.Summary.SuggestedReuseItems != 2 {
		t.Errorf("summary = %+v after resolution", batch.Summary)
	}
}

func TestIterativeVerify_NeverConfirmsExhaustsBudget(t *testing.T) {
	flipFlop := 0
	adj := &MockAdjudicator{
		AdjudicateFunc: func(ctx context.Context, batch *matcher.BatchResult) (*matcher.ReviewRound, error) {
			flipFlop++
			decision := matcher.ActionCreate
			if flipFlop%2 == 0 {
				decision = matcher.ActionReuse
			}
			return &matcher.ReviewRound{
				Status: matcher.StatusAdjusted,
				Details: []matcher.ReviewDetail{
					{SuggestionID: "M002", ItemDecision: decision, ItemReason: fmt.Sprintf("round %d", flipFlop)},
				},
			}, nil
		},
	}
	v := NewVerifier(adj, 3)

	batch := v.IterativeVerify(context.Background(), testBatch())

	if batch.Verified {
		t.Fatal("batch must not be verified")
	}
	if adj.Calls() != 3 {
		t.Errorf("adjudicator calls = %d, must never exceed max rounds", adj.Calls())
	}
	if batch.FailureReport == nil {
		t.Fatal("failed batch must carry a failure report")
	}
	if batch.FailureReport.TotalRounds != 3 {
		t.Errorf("failure_report.total_rounds = %d, want 3", batch.FailureReport.TotalRounds)
	}
	if len(batch.FailureReport.Rounds) != 3 {
		t.Errorf("failure report rounds = %d, want 3", len(batch.FailureReport.Rounds))
	}
	if batch.FailureReport.InitialSummary.PendingReview != 1 {
		t.Errorf("initial summary not preserved: %+v", batch.FailureReport.InitialSummary)
	}
}

func TestIterativeVerify_AdjudicatorErrorDegradesToNeutralRound(t *testing.T) {
	adj := &MockAdjudicator{
		AdjudicateFunc: func(ctx context.Context, batch *matcher.BatchResult) (*matcher.ReviewRound, error) {
			return nil, errors.New("connection refused")
		},
	}
	v := NewVerifier(adj, 3)

	batch := v.IterativeVerify(context.Background(), testBatch())

	if batch.Verified {
		t.Fatal("batch must not be verified")
	}
	// Every round failed, every round was retried, nothing panicked, and
	// the caller still receives a uniform BatchResult shape.
	if len(batch.ReviewHistory) != 3 {
		t.Fatalf("review history = %d rounds, want 3", len(batch.ReviewHistory))
	}
	for _, r := range batch.ReviewHistory {
		if r.Status != matcher.StatusError {
			t.Errorf("round %d status = %s, want error", r.Round, r.Status)
		}
		if len(r.Details) != 0 {
			t.Errorf("neutral round must carry zero corrections")
		}
	}
	if batch.FailureReport == nil || batch.FailureReport.TotalRounds != 3 {
		t.Errorf("failure report = %+v", batch.FailureReport)
	}
}

func TestIterativeVerify_StallBreaksEarly(t *testing.T) {
	adj := &MockAdjudicator{
		Rounds: []*matcher.ReviewRound{
			// Well-formed, non-confirming, zero corrections: a stall.
			{Status: matcher.StatusAdjusted, OverallAssessment: "cannot decide"},
		},
	}
	// Hand the mock only one scripted round; if the loop kept going the
	// fallback confirmation would mark the batch verified.
	v := NewVerifier(adj, 3)

	batch := v.IterativeVerify(context.Background(), testBatch())

	if batch.Verified {
		t.Fatal("stalled batch must not be verified")
	}
	if adj.Calls() != 1 {
		t.Errorf("adjudicator calls = %d, want 1 (loop must break on stall)", adj.Calls())
	}
	if batch.FailureReport.TotalRounds != 1 {
		t.Errorf("failure_report.total_rounds = %d, want 1", batch.FailureReport.TotalRounds)
	}
}

func TestIterativeVerify_CorrectionsSurviveLaterBadRound(t *testing.T) {
	call := 0
	adj := &MockAdjudicator{
		AdjudicateFunc: func(ctx context.Context, batch *matcher.BatchResult) (*matcher.ReviewRound, error) {
			call++
			if call == 1 {
				return &matcher.ReviewRound{
					Status: matcher.StatusAdjusted,
					Details: []matcher.ReviewDetail{
						{SuggestionID: "M001", ItemDecision: matcher.ActionCreate, ItemReason: "split the checks"},
					},
				}, nil
			}
			return nil, errors.New("timeout")
		},
	}
	v := NewVerifier(adj, 3)

	batch := v.IterativeVerify(context.Background(), testBatch())

	// Round 1 correction must survive rounds 2 and 3 failing.
	s := batch.FindSuggestion("M001")
	if s.MatchResult.Action != matcher.ActionCreate {
		t.Errorf("round 1 correction lost: action = %s", s.MatchResult.Action)
	}
	if batch.Verified {
		t.Fatal("batch must not be verified")
	}
}
