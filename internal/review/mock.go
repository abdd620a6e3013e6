package review

import (
	"context"

	"auditkb/internal/matcher"
)

// MockAdjudicator is a deterministic adjudicator for tests and offline runs.
// By default it confirms every batch unchanged; Rounds can script a sequence
// of verdicts, consumed in order and falling back to confirmation.
type MockAdjudicator struct {
	Rounds []*matcher.ReviewRound

	// AdjudicateFunc overrides the scripted behavior entirely when set.
	AdjudicateFunc func(ctx context.Context, batch *matcher.BatchResult) (*matcher.ReviewRound, error)

	calls int
}

// Adjudicate returns the next scripted round, or a full confirmation.
func (m *MockAdjudicator) Adjudicate(ctx context.Context, batch *matcher.BatchResult) (*matcher.ReviewRound, error) {
	m.calls++
	if m.AdjudicateFunc != nil {
		return m.AdjudicateFunc(ctx, batch)
	}
	if len(m.Rounds) > 0 {
		round := m.Rounds[0]
		m.Rounds = m.Rounds[1:]
		return round, nil
	}
	return &matcher.ReviewRound{
		Status:            matcher.StatusConfirmed,
		OverallAssessment: "offline review: all suggestions confirmed",
		ConfirmedCount:    len(batch.MergeSuggestions) + len(batch.PendingReview),
	}, nil
}

// Calls reports how many times Adjudicate ran.
func (m *MockAdjudicator) Calls() int { return m.calls }
