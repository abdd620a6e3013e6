// Package review implements the iterative verification loop that submits
// classified batches to a semantic adjudicator and applies its corrections.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"auditkb/internal/logging"
	"auditkb/internal/matcher"
)

// Adjudicator reviews a classified batch and returns either a confirmation
// or a set of per-suggestion corrections. Implementations are injected so the
// loop can run against a live LLM, a recorded fixture, or a deterministic mock.
type Adjudicator interface {
	Adjudicate(ctx context.Context, batch *matcher.BatchResult) (*matcher.ReviewRound, error)
}

// rawReview is the wire shape the adjudicator is prompted to produce.
type rawReview struct {
	Status            string                 `json:"status"`
	OverallAssessment string                 `json:"overall_assessment"`
	ConfirmedCount    int                    `json:"confirmed_count"`
	AdjustedCount     int                    `json:"adjusted_count"`
	ReviewDetails     []matcher.ReviewDetail `json:"review_details"`
}

// ParseReviewResponse extracts and decodes an adjudicator response.
// The adjudicator is an LLM: responses may carry markdown fences or prose
// around the JSON payload. A response with no parseable JSON is treated as a
// non-confirming round with zero corrections, never as a hard failure.
func ParseReviewResponse(response string) *matcher.ReviewRound {
	payload := extractJSON(response)
	if payload == "" {
		logging.Get(logging.CategoryReview).Warn("ParseReviewResponse: no JSON object found in response (%d bytes)", len(response))
		return neutralRound("adjudicator response contained no JSON")
	}

	var raw rawReview
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		logging.Get(logging.CategoryReview).Warn("ParseReviewResponse: malformed JSON: %v", err)
		return neutralRound("adjudicator response was malformed")
	}

	status := matcher.ReviewStatus(strings.ToLower(strings.TrimSpace(raw.Status)))
	switch status {
	case matcher.StatusConfirmed, matcher.StatusAdjusted:
	default:
		// Unknown statuses count as non-confirming.
		status = matcher.StatusAdjusted
	}

	round := &matcher.ReviewRound{
		Status:            status,
		OverallAssessment: raw.OverallAssessment,
		Details:           raw.ReviewDetails,
		ConfirmedCount:    raw.ConfirmedCount,
		AdjustedCount:     raw.AdjustedCount,
	}
	if round.AdjustedCount == 0 {
		round.AdjustedCount = len(round.Details)
	}
	return round
}

// neutralRound is the substitute for an unusable adjudication round: not
// confirmed, no corrections. A single bad round must not discard corrections
// already applied in prior rounds.
func neutralRound(reason string) *matcher.ReviewRound {
	return &matcher.ReviewRound{
		Status:            matcher.StatusError,
		OverallAssessment: reason,
	}
}

// extractJSON returns the outermost JSON object in the text, stripping
// markdown code fences first.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// renderBatch serializes the batch for the adjudicator prompt.
func renderBatch(batch *matcher.BatchResult) (string, error) {
	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render batch for adjudication: %w", err)
	}
	return string(data), nil
}
