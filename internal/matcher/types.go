// Package matcher classifies newly imported audit items against the existing
// catalogue using embedding similarity. Each new item is resolved to exactly
// one of: reuse an existing item, create a new one, or pending human review.
package matcher

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Action is the item-level classification decision.
type Action string

const (
	ActionCreate Action = "create" // genuinely new catalogue entry
	ActionReuse  Action = "reuse"  // duplicates an existing entry
)

// ProcedureAction is the action-text classification decision.
type ProcedureAction string

const (
	ProcedureCreate ProcedureAction = "create_procedure"
	ProcedureReuse  ProcedureAction = "reuse_procedure"
)

// Confidence is the vector-model confidence level for a decision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// NewItem is a freshly imported audit item awaiting reconciliation.
// Transient; lives only for the duration of one batch run.
type NewItem struct {
	Title     string `json:"title"`
	Dimension string `json:"dimension"`
	Procedure string `json:"procedure,omitempty"`
}

// ProcedureRecord is one action text attached to an existing item.
type ProcedureRecord struct {
	Text string `json:"text"`
}

// ExistingItem is a catalogue record already accepted into the knowledge base.
// Read-only input; TitleVector is an optional cached embedding and is never
// rendered into the batch artifact.
type ExistingItem struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Dimension  string            `json:"dimension"`
	Procedures []ProcedureRecord `json:"procedures,omitempty"`
	TitleVector []float32        `json:"-"`
}

// Candidate is one scored existing item considered for a new item.
type Candidate struct {
	ExistingItemID string  `json:"existing_item_id"`
	ExistingTitle  string  `json:"existing_title"`
	Similarity     float64 `json:"similarity"`
}

// MatchResult is the item-level decision attached to a suggestion.
// ExistingItemID and ExistingTitle are null for create decisions.
type MatchResult struct {
	ExistingItemID *string `json:"existing_item_id"`
	ExistingTitle  *string `json:"existing_title"`
	Similarity     float64 `json:"similarity"`
	Action         Action  `json:"action"`
}

// ProcedureMatch is the action-text decision for a reuse suggestion.
type ProcedureMatch struct {
	ExistingProcedure *string         `json:"existing_procedure"`
	Similarity        float64         `json:"similarity"`
	Action            ProcedureAction `json:"action"`
}

// MatchSuggestion is the decision record for a confidently classified item.
type MatchSuggestion struct {
	SuggestionID     string          `json:"suggestion_id"`
	NewItem          NewItem         `json:"new_item"`
	MatchResult      MatchResult     `json:"match_result"`
	ProcedureMatch   *ProcedureMatch `json:"procedure_match,omitempty"`
	VectorConfidence Confidence      `json:"vector_confidence"`

	// Set by the verification loop when the adjudicator overrides the decision.
	Adjusted         bool   `json:"adjusted,omitempty"`
	AdjustmentReason string `json:"adjustment_reason,omitempty"`
}

// PendingCandidate is the decision record for an ambiguous item. It carries
// the surviving top-K candidates for human or adjudicator resolution.
type PendingCandidate struct {
	SuggestionID     string      `json:"suggestion_id"`
	NewItem          NewItem     `json:"new_item"`
	Candidates       []Candidate `json:"candidates"`
	VectorConfidence Confidence  `json:"vector_confidence"`
	Note             string      `json:"note,omitempty"`

	// Set when the adjudicator resolves the pending item to a decision.
	MatchResult      *MatchResult `json:"match_result,omitempty"`
	Adjusted         bool         `json:"adjusted,omitempty"`
	AdjustmentReason string       `json:"adjustment_reason,omitempty"`
}

// Summary holds the aggregate classification counts for a batch.
type Summary struct {
	TotalNewItems       int `json:"total_new_items"`
	TotalExistingItems  int `json:"total_existing_items"`
	SuggestedNewItems   int `json:"suggested_new_items"`
	SuggestedReuseItems int `json:"suggested_reuse_items"`
	PendingReview       int `json:"pending_review"`
}

// ReviewStatus is the adjudicator's overall verdict for one round.
type ReviewStatus string

const (
	StatusConfirmed ReviewStatus = "confirmed"
	StatusAdjusted  ReviewStatus = "adjusted"
	StatusError     ReviewStatus = "error"
)

// ReviewDetail is one per-suggestion correction from the adjudicator,
// keyed by suggestion identifier, never by position.
type ReviewDetail struct {
	SuggestionID        string          `json:"suggestion_id"`
	ItemDecision        Action          `json:"item_decision,omitempty"`
	ItemReason          string          `json:"item_reason,omitempty"`
	ProcedureDecision   ProcedureAction `json:"procedure_decision,omitempty"`
	ProcedureReason     string          `json:"procedure_reason,omitempty"`
	DimensionAdjustment string          `json:"dimension_adjustment,omitempty"`
	TargetItemID        string          `json:"target_item_id,omitempty"`
	Confidence          Confidence      `json:"confidence,omitempty"`
}

// ReviewRound records one adjudication cycle.
type ReviewRound struct {
	ReviewID          string         `json:"review_id"`
	Round             int            `json:"round"`
	Status            ReviewStatus   `json:"status"`
	OverallAssessment string         `json:"overall_assessment,omitempty"`
	Details           []ReviewDetail `json:"details,omitempty"`
	ConfirmedCount    int            `json:"confirmed_count"`
	AdjustedCount     int            `json:"adjusted_count"`
}

// RoundOutcome is the condensed per-round record inside a failure report.
type RoundOutcome struct {
	Round         int          `json:"round"`
	Status        ReviewStatus `json:"status"`
	AdjustedCount int          `json:"adjusted_count"`
}

// FailureReport is synthesized when the verification loop exhausts its
// iteration budget without confirmation. This is a first-class terminal
// state, not an error: the batch escalates to human review.
type FailureReport struct {
	TotalRounds    int            `json:"total_rounds"`
	InitialSummary Summary        `json:"initial_summary"`
	Rounds         []RoundOutcome `json:"rounds"`
	Recommendation string         `json:"recommendation"`
}

// BatchResult is the aggregate outcome of one reconciliation batch.
// It is the single JSON artifact exported to downstream consumers, and the
// same shape is produced in both the verified and failed cases.
type BatchResult struct {
	Version          string              `json:"version"`
	CreatedAt        string              `json:"created_at"`
	SourceFile       string              `json:"source_file"`
	Summary          Summary             `json:"summary"`
	MergeSuggestions []*MatchSuggestion  `json:"merge_suggestions"`
	PendingReview    []*PendingCandidate `json:"pending_review"`
	Verified         bool                `json:"verified"`
	ReviewHistory    []*ReviewRound      `json:"review_history,omitempty"`
	FailureReport    *FailureReport      `json:"failure_report,omitempty"`
}

// ArtifactVersion is the batch artifact schema version.
const ArtifactVersion = "1.0"

// NewBatchResult creates an empty result stamped with version and timestamp.
func NewBatchResult(sourceFile string) *BatchResult {
	return &BatchResult{
		Version:          ArtifactVersion,
		CreatedAt:        time.Now().Format(time.RFC3339),
		SourceFile:       sourceFile,
		MergeSuggestions: []*MatchSuggestion{},
		PendingReview:    []*PendingCandidate{},
	}
}

// FindSuggestion returns the suggestion with the given identifier, or nil.
func (b *BatchResult) FindSuggestion(id string) *MatchSuggestion {
	for _, s := range b.MergeSuggestions {
		if s.SuggestionID == id {
			return s
		}
	}
	return nil
}

// FindPending returns the pending candidate with the given identifier, or nil.
func (b *BatchResult) FindPending(id string) *PendingCandidate {
	for _, p := range b.PendingReview {
		if p.SuggestionID == id {
			return p
		}
	}
	return nil
}

// RecountSummary recomputes the create/reuse/pending counts after the
// verification loop mutates decisions. Total counts are left untouched.
func (b *BatchResult) RecountSummary() {
	var created, reused, pending int
	for _, s := range b.MergeSuggestions {
		switch s.MatchResult.Action {
		case ActionCreate:
			created++
		case ActionReuse:
			reused++
		}
	}
	for _, p := range b.PendingReview {
		if p.MatchResult == nil {
			pending++
			continue
		}
		switch p.MatchResult.Action {
		case ActionCreate:
			created++
		case ActionReuse:
			reused++
		}
	}
	b.Summary.SuggestedNewItems = created
	b.Summary.SuggestedReuseItems = reused
	b.Summary.PendingReview = pending
}

// Save writes the batch artifact to a JSON file.
func (b *BatchResult) Save(path string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal batch result: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write batch result: %w", err)
	}
	return nil
}

// LoadBatchResult reads a batch artifact from a JSON file.
func LoadBatchResult(path string) (*BatchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch result: %w", err)
	}
	var b BatchResult
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse batch result: %w", err)
	}
	return &b, nil
}
