package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"auditkb/internal/embedding"
	"auditkb/internal/logging"
)

// ErrMissingTitle reports new items with empty titles. A missing title is a
// data-quality error surfaced to the caller, never silently matched.
var ErrMissingTitle = errors.New("new item missing title")

// Config holds the classification thresholds. The same matcher serves every
// catalogue by parameterization; thresholds are configuration, not code.
type Config struct {
	// HighThreshold: similarity strictly above this is a reuse decision.
	HighThreshold float64
	// MediumThreshold: similarity strictly above this keeps a candidate.
	MediumThreshold float64
	// ConfidenceThreshold: reuse above this is high confidence, else medium.
	ConfidenceThreshold float64
	// ProcedureThreshold: action-text similarity strictly above this merges.
	ProcedureThreshold float64
	// TopK candidates retained per new item.
	TopK int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		HighThreshold:       0.85,
		MediumThreshold:     0.60,
		ConfidenceThreshold: 0.90,
		ProcedureThreshold:  0.80,
		TopK:                3,
	}
}

// normalized fills zero fields with defaults so a partially populated config
// behaves sanely.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.HighThreshold == 0 {
		c.HighThreshold = def.HighThreshold
	}
	if c.MediumThreshold == 0 {
		c.MediumThreshold = def.MediumThreshold
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if c.ProcedureThreshold == 0 {
		c.ProcedureThreshold = def.ProcedureThreshold
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	return c
}

// Matcher performs embedding-based batch classification of new audit items
// against the existing catalogue.
type Matcher struct {
	provider embedding.Provider
	cfg      Config
}

// New creates a matcher over the given embedding provider.
func New(provider embedding.Provider, cfg Config) *Matcher {
	return &Matcher{
		provider: provider,
		cfg:      cfg.normalized(),
	}
}

// BatchMatch classifies every new item against the existing catalogue.
// Every new item yields exactly one MatchSuggestion or exactly one
// PendingCandidate. Embedding failures are fatal to the batch: without
// vectors nothing can be classified.
func (m *Matcher) BatchMatch(ctx context.Context, newItems []NewItem, existingItems []ExistingItem) (*BatchResult, error) {
	timer := logging.StartTimer(logging.CategoryMatcher, "BatchMatch")
	defer timer.Stop()

	if err := validateNewItems(newItems); err != nil {
		return nil, err
	}

	logging.Matcher("BatchMatch: %d new items vs %d existing items", len(newItems), len(existingItems))

	newTitles := make([]string, len(newItems))
	for i, item := range newItems {
		newTitles[i] = item.Title
	}

	newVectors, err := m.provider.EmbedBatch(ctx, newTitles)
	if err != nil {
		return nil, fmt.Errorf("failed to encode new item titles: %w", err)
	}

	result := NewBatchResult("")
	result.Summary.TotalNewItems = len(newItems)
	result.Summary.TotalExistingItems = len(existingItems)

	// Degenerate but valid terminal case: nothing to compare against,
	// every item becomes a create with full confidence.
	if len(existingItems) == 0 {
		logging.Matcher("BatchMatch: empty catalogue, all %d items classified create", len(newItems))
		for i, item := range newItems {
			result.MergeSuggestions = append(result.MergeSuggestions,
				newCreateSuggestion(item, i+1, 0.0))
		}
		result.Summary.SuggestedNewItems = len(newItems)
		return result, nil
	}

	existingVectors, err := m.resolveExistingVectors(ctx, existingItems)
	if err != nil {
		return nil, err
	}

	matrix, err := embedding.SimilarityMatrix(newVectors, existingVectors)
	if err != nil {
		return nil, fmt.Errorf("failed to compute similarity matrix: %w", err)
	}

	suggestionCounter := 1
	pendingCounter := 1

	for i, item := range newItems {
		candidates := m.topCandidates(matrix[i], existingItems)

		switch m.classifyBand(candidates) {
		case bandCreate:
			result.MergeSuggestions = append(result.MergeSuggestions,
				newCreateSuggestion(item, suggestionCounter, 0.0))
			suggestionCounter++

		case bandReuse:
			best := candidates[0]
			bestItem := findExisting(existingItems, best.ExistingItemID)

			procMatch, err := m.MatchProcedure(ctx, item.Procedure, bestItem.Procedures)
			if err != nil {
				return nil, fmt.Errorf("failed to match procedure for %q: %w", item.Title, err)
			}

			confidence := ConfidenceMedium
			if best.Similarity > m.cfg.ConfidenceThreshold {
				confidence = ConfidenceHigh
			}

			id := best.ExistingItemID
			title := best.ExistingTitle
			result.MergeSuggestions = append(result.MergeSuggestions, &MatchSuggestion{
				SuggestionID: fmt.Sprintf("M%03d", suggestionCounter),
				NewItem:      item,
				MatchResult: MatchResult{
					ExistingItemID: &id,
					ExistingTitle:  &title,
					Similarity:     round2(best.Similarity),
					Action:         ActionReuse,
				},
				ProcedureMatch:   procMatch,
				VectorConfidence: confidence,
			})
			suggestionCounter++

		case bandPending:
			// Best similarity sits in the ambiguous band; escalate with
			// all surviving candidates.
			result.PendingReview = append(result.PendingReview, &PendingCandidate{
				SuggestionID:     fmt.Sprintf("P%03d", pendingCounter),
				NewItem:          item,
				Candidates:       roundAll(candidates),
				VectorConfidence: ConfidenceLow,
				Note:             "medium similarity, needs human or adjudicator review",
			})
			pendingCounter++
		}
	}

	result.RecountSummary()

	logging.Matcher("BatchMatch: %d create, %d reuse, %d pending",
		result.Summary.SuggestedNewItems, result.Summary.SuggestedReuseItems, result.Summary.PendingReview)

	return result, nil
}

// MatchProcedure decides whether a new item's action text merges into one of
// the existing action texts or is appended as a new one. The per-item action
// list is small, so this is an exhaustive linear scan rather than a top-K
// search.
func (m *Matcher) MatchProcedure(ctx context.Context, newProcedure string, existing []ProcedureRecord) (*ProcedureMatch, error) {
	if strings.TrimSpace(newProcedure) == "" || len(existing) == 0 {
		match := &ProcedureMatch{
			Similarity: 0.0,
			Action:     ProcedureCreate,
		}
		if len(existing) > 0 {
			text := existing[0].Text
			match.ExistingProcedure = &text
		}
		return match, nil
	}

	texts := make([]string, 0, len(existing)+1)
	texts = append(texts, newProcedure)
	for _, proc := range existing {
		texts = append(texts, proc.Text)
	}

	vectors, err := m.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode procedure texts: %w", err)
	}

	newVec := vectors[0]
	var bestText string
	bestSim := 0.0

	for i, proc := range existing {
		if strings.TrimSpace(proc.Text) == "" {
			continue
		}
		sim, err := embedding.CosineSimilarity(newVec, vectors[i+1])
		if err != nil {
			return nil, fmt.Errorf("failed to compare procedure %d: %w", i, err)
		}
		if sim > bestSim {
			bestSim = sim
			bestText = proc.Text
		}
	}

	action := ProcedureCreate
	if bestSim > m.cfg.ProcedureThreshold {
		action = ProcedureReuse
	}

	match := &ProcedureMatch{
		Similarity: round2(bestSim),
		Action:     action,
	}
	if bestText != "" {
		match.ExistingProcedure = &bestText
	}
	return match, nil
}

// resolveExistingVectors returns one vector per existing item, reusing cached
// title vectors and batch-encoding the rest on demand.
func (m *Matcher) resolveExistingVectors(ctx context.Context, items []ExistingItem) ([][]float32, error) {
	vectors := make([][]float32, len(items))
	var missingIdx []int
	var missingTitles []string

	for i, item := range items {
		if len(item.TitleVector) > 0 {
			vectors[i] = item.TitleVector
		} else {
			missingIdx = append(missingIdx, i)
			missingTitles = append(missingTitles, item.Title)
		}
	}

	if len(missingIdx) > 0 {
		logging.MatcherDebug("resolveExistingVectors: encoding %d items lacking cached vectors", len(missingIdx))
		encoded, err := m.provider.EmbedBatch(ctx, missingTitles)
		if err != nil {
			return nil, fmt.Errorf("failed to encode existing item titles: %w", err)
		}
		for j, idx := range missingIdx {
			vectors[idx] = encoded[j]
		}
	}

	return vectors, nil
}

// band is the classification route for one new item.
type band int

const (
	bandCreate  band = iota // no candidate survived, genuinely new
	bandReuse               // best candidate strictly above the high threshold
	bandPending             // ambiguous, escalate for review
)

// classifyBand applies the threshold policy to the ranked candidates.
// Comparisons are strict: a similarity exactly at the high threshold is
// pending, not reuse.
func (m *Matcher) classifyBand(candidates []Candidate) band {
	if len(candidates) == 0 {
		return bandCreate
	}
	if candidates[0].Similarity > m.cfg.HighThreshold {
		return bandReuse
	}
	return bandPending
}

// topCandidates ranks one similarity row and keeps the top-K existing items
// strictly above the medium threshold. Ties keep catalogue order.
func (m *Matcher) topCandidates(similarities []float64, items []ExistingItem) []Candidate {
	type scored struct {
		idx int
		sim float64
	}

	ranked := make([]scored, len(similarities))
	for i, sim := range similarities {
		ranked[i] = scored{idx: i, sim: sim}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].sim > ranked[b].sim
	})

	var out []Candidate
	for _, r := range ranked {
		if len(out) >= m.cfg.TopK {
			break
		}
		if r.sim > m.cfg.MediumThreshold {
			out = append(out, Candidate{
				ExistingItemID: items[r.idx].ID,
				ExistingTitle:  items[r.idx].Title,
				Similarity:     r.sim,
			})
		}
	}
	return out
}

func validateNewItems(items []NewItem) error {
	var missing []int
	for i, item := range items {
		if strings.TrimSpace(item.Title) == "" {
			missing = append(missing, i+1)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: rows %v", ErrMissingTitle, missing)
	}
	return nil
}

func newCreateSuggestion(item NewItem, counter int, similarity float64) *MatchSuggestion {
	return &MatchSuggestion{
		SuggestionID: fmt.Sprintf("M%03d", counter),
		NewItem:      item,
		MatchResult: MatchResult{
			ExistingItemID: nil,
			ExistingTitle:  nil,
			Similarity:     round2(similarity),
			Action:         ActionCreate,
		},
		VectorConfidence: ConfidenceHigh,
	}
}

func findExisting(items []ExistingItem, id string) *ExistingItem {
	for i := range items {
		if items[i].ID == id {
			return &items[i]
		}
	}
	return nil
}

func roundAll(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.Similarity = round2(c.Similarity)
		out[i] = c
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
