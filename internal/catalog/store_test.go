package catalog

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"auditkb/internal/matcher"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func createBatch(items ...matcher.NewItem) *matcher.BatchResult {
	batch := matcher.NewBatchResult("checklist.csv")
	batch.Verified = true
	for i, item := range items {
		batch.MergeSuggestions = append(batch.MergeSuggestions, &matcher.MatchSuggestion{
			SuggestionID: fmt.Sprintf("M%03d", i+1),
			NewItem:      item,
			MatchResult: matcher.MatchResult{
				Action:     matcher.ActionCreate,
				Similarity: 0.0,
			},
			VectorConfidence: matcher.ConfidenceHigh,
		})
	}
	return batch
}

func TestNewStoreInitializesSchema(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.Items != 0 || stats.Dimensions != 0 {
		t.Errorf("expected empty catalogue, got %+v", stats)
	}
}

func TestGetOrCreateDimensionIdempotent(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.GetOrCreateDimension("governance")
	if err != nil {
		t.Fatalf("GetOrCreateDimension failed: %v", err)
	}
	id2, err := s.GetOrCreateDimension("governance")
	if err != nil {
		t.Fatalf("GetOrCreateDimension failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same dimension id, got %d and %d", id1, id2)
	}

	id3, err := s.GetOrCreateDimension("security")
	if err != nil {
		t.Fatalf("GetOrCreateDimension failed: %v", err)
	}
	if id3 == id1 {
		t.Error("distinct dimensions must not share an id")
	}
}

func TestDimensionCode(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"governance", "GOV"},
		{"it", "IT"},
		{"it governance", "ITG"},
		{"", "GEN"},
		{"安全管理", "安全管"},
	}
	for _, c := range cases {
		if got := dimensionCode(c.name); got != c.want {
			t.Errorf("dimensionCode(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestApplyBatchCreate(t *testing.T) {
	s := newTestStore(t)

	batch := createBatch(
		matcher.NewItem{Title: "Review privileged account inventory", Dimension: "access", Procedure: "Pull the account list and compare against HR records"},
		matcher.NewItem{Title: "Verify firewall rule review cadence", Dimension: "network"},
	)

	stats, err := s.ApplyBatch(batch, false)
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if stats.CreatedItems != 2 {
		t.Errorf("expected 2 created items, got %d", stats.CreatedItems)
	}
	if stats.AddedProcedures != 1 {
		t.Errorf("expected 1 procedure, got %d", stats.AddedProcedures)
	}
	if stats.ImportBatch == "" {
		t.Error("expected a non-empty import batch id")
	}

	items, err := s.ListItems()
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "ACC-0001" {
		t.Errorf("expected item code ACC-0001, got %s", items[0].ID)
	}
	if len(items[0].Procedures) != 1 {
		t.Errorf("expected 1 procedure on first item, got %d", len(items[0].Procedures))
	}
	if len(items[1].Procedures) != 0 {
		t.Errorf("expected no procedures on second item, got %d", len(items[1].Procedures))
	}
}

func TestApplyBatchCreateExistingDimension(t *testing.T) {
	s := newTestStore(t)

	// Pre-create the dimension outside any transaction; the apply path
	// must resolve it through the open transaction without touching the
	// pool's only connection.
	if _, err := s.GetOrCreateDimension("access"); err != nil {
		t.Fatalf("GetOrCreateDimension failed: %v", err)
	}

	batch := createBatch(matcher.NewItem{Title: "Review privileged account inventory", Dimension: "access"})
	stats, err := s.ApplyBatch(batch, false)
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if stats.CreatedItems != 1 {
		t.Errorf("expected 1 created item, got %d", stats.CreatedItems)
	}

	catStats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if catStats.Dimensions != 1 {
		t.Errorf("expected the seeded dimension to be reused, got %d dimensions", catStats.Dimensions)
	}
}

func TestApplyBatchCreateDuplicateTitle(t *testing.T) {
	s := newTestStore(t)

	seed := createBatch(matcher.NewItem{Title: "Log retention policy", Dimension: "security"})
	if _, err := s.ApplyBatch(seed, false); err != nil {
		t.Fatalf("seed ApplyBatch failed: %v", err)
	}

	// A create decision for a title already in the catalogue attaches a
	// source to the existing item instead of duplicating it.
	dup := createBatch(matcher.NewItem{Title: "Log retention policy", Dimension: "security"})
	stats, err := s.ApplyBatch(dup, false)
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if stats.CreatedItems != 0 || stats.ReusedItems != 1 {
		t.Errorf("expected duplicate title to be reused, got %+v", stats)
	}

	items, err := s.ListItems()
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item after duplicate create, got %d", len(items))
	}

	catStats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if catStats.Sources != 2 {
		t.Errorf("expected both imports recorded as sources, got %d", catStats.Sources)
	}
}

func TestApplyBatchReuse(t *testing.T) {
	s := newTestStore(t)

	seed := createBatch(matcher.NewItem{Title: "Patch management coverage", Dimension: "operations", Procedure: "Sample servers and check patch levels"})
	if _, err := s.ApplyBatch(seed, false); err != nil {
		t.Fatalf("seed ApplyBatch failed: %v", err)
	}

	reuse := matcher.NewBatchResult("checklist2.csv")
	reuse.Verified = true
	reuse.MergeSuggestions = append(reuse.MergeSuggestions, &matcher.MatchSuggestion{
		SuggestionID: "M001",
		NewItem:      matcher.NewItem{Title: "Coverage of patch management", Dimension: "operations", Procedure: "Check WSUS deployment reports"},
		MatchResult: matcher.MatchResult{
			ExistingItemID: strPtr("OPE-0001"),
			ExistingTitle:  strPtr("Patch management coverage"),
			Similarity:     0.91,
			Action:         matcher.ActionReuse,
		},
		ProcedureMatch: &matcher.ProcedureMatch{
			Similarity: 0.35,
			Action:     matcher.ProcedureCreate,
		},
		VectorConfidence: matcher.ConfidenceHigh,
	})

	stats, err := s.ApplyBatch(reuse, false)
	if err != nil {
		t.Fatalf("reuse ApplyBatch failed: %v", err)
	}
	if stats.ReusedItems != 1 || stats.CreatedItems != 0 {
		t.Errorf("expected 1 reuse and 0 creates, got %+v", stats)
	}
	if stats.AddedProcedures != 1 {
		t.Errorf("expected 1 appended procedure, got %d", stats.AddedProcedures)
	}

	items, err := s.ListItems()
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("reuse must not create a new item, got %d items", len(items))
	}
	if len(items[0].Procedures) != 2 {
		t.Errorf("expected 2 procedures after reuse, got %d", len(items[0].Procedures))
	}

	catStats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if catStats.Sources != 2 {
		t.Errorf("expected 2 source rows, got %d", catStats.Sources)
	}
}

func TestApplyBatchRejectsUnverified(t *testing.T) {
	s := newTestStore(t)

	batch := createBatch(matcher.NewItem{Title: "Backup restore testing", Dimension: "operations"})
	batch.Verified = false

	if _, err := s.ApplyBatch(batch, false); err != ErrUnverifiedBatch {
		t.Fatalf("expected ErrUnverifiedBatch, got %v", err)
	}

	if _, err := s.ApplyBatch(batch, true); err != nil {
		t.Fatalf("forced ApplyBatch failed: %v", err)
	}
}

func TestApplyBatchPendingResolution(t *testing.T) {
	s := newTestStore(t)

	seed := createBatch(matcher.NewItem{Title: "Log retention policy", Dimension: "security"})
	if _, err := s.ApplyBatch(seed, false); err != nil {
		t.Fatalf("seed ApplyBatch failed: %v", err)
	}

	batch := matcher.NewBatchResult("checklist3.csv")
	batch.Verified = true
	batch.PendingReview = append(batch.PendingReview,
		&matcher.PendingCandidate{
			SuggestionID:     "P001",
			NewItem:          matcher.NewItem{Title: "Retention of security logs", Dimension: "security"},
			VectorConfidence: matcher.ConfidenceLow,
			MatchResult: &matcher.MatchResult{
				ExistingItemID: strPtr("SEC-0001"),
				ExistingTitle:  strPtr("Log retention policy"),
				Similarity:     0.72,
				Action:         matcher.ActionReuse,
			},
		},
		&matcher.PendingCandidate{
			SuggestionID:     "P002",
			NewItem:          matcher.NewItem{Title: "Ambiguous unresolved item", Dimension: "security"},
			VectorConfidence: matcher.ConfidenceLow,
		},
	)

	stats, err := s.ApplyBatch(batch, false)
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if stats.ReusedItems != 1 {
		t.Errorf("expected resolved pending to count as reuse, got %d", stats.ReusedItems)
	}
	if stats.SkippedPending != 1 {
		t.Errorf("expected 1 skipped pending, got %d", stats.SkippedPending)
	}
}

func TestApplyBatchReuseTargetMissing(t *testing.T) {
	s := newTestStore(t)

	batch := matcher.NewBatchResult("checklist.csv")
	batch.Verified = true
	batch.MergeSuggestions = append(batch.MergeSuggestions, &matcher.MatchSuggestion{
		SuggestionID: "M001",
		NewItem:      matcher.NewItem{Title: "Orphan reuse", Dimension: "misc"},
		MatchResult: matcher.MatchResult{
			ExistingItemID: strPtr("XXX-9999"),
			Similarity:     0.9,
			Action:         matcher.ActionReuse,
		},
		VectorConfidence: matcher.ConfidenceHigh,
	})

	if _, err := s.ApplyBatch(batch, false); err == nil {
		t.Fatal("expected error for missing reuse target")
	}

	// The failed apply must not leave partial rows behind.
	stats, err := s.Statistics()
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.Items != 0 || stats.Sources != 0 {
		t.Errorf("expected rollback to leave catalogue empty, got %+v", stats)
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.0, 0.0}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatalf("decodeVector failed: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d floats, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("element %d: got %v, want %v", i, out[i], in[i])
		}
	}

	if v, err := decodeVector(nil); err != nil || v != nil {
		t.Errorf("nil blob should decode to nil, got %v, %v", v, err)
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

type stubProvider struct {
	vectors map[string][]float32
}

func (p *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	v, ok := p.vectors[text]
	if !ok {
		return []float32{1, 0}, nil
	}
	return v, nil
}

func (p *stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *stubProvider) Dimensions() int { return 2 }
func (p *stubProvider) Name() string    { return "stub" }

func TestBackfillTitleVectors(t *testing.T) {
	s := newTestStore(t)

	batch := createBatch(
		matcher.NewItem{Title: "alpha", Dimension: "dim"},
		matcher.NewItem{Title: "beta", Dimension: "dim"},
	)
	if _, err := s.ApplyBatch(batch, false); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	provider := &stubProvider{vectors: map[string][]float32{
		"alpha": {1, 0},
		"beta":  {0, 1},
	}}

	n, err := s.BackfillTitleVectors(context.Background(), provider)
	if err != nil {
		t.Fatalf("BackfillTitleVectors failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 backfilled vectors, got %d", n)
	}

	// Second run has nothing left to do.
	n, err = s.BackfillTitleVectors(context.Background(), provider)
	if err != nil {
		t.Fatalf("second BackfillTitleVectors failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 backfilled vectors on second run, got %d", n)
	}

	items, err := s.ListItems()
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	for _, item := range items {
		if item.TitleVector == nil {
			t.Errorf("item %s missing cached vector", item.ID)
		}
	}
}

func TestSearchSimilarScan(t *testing.T) {
	s := newTestStore(t)

	batch := createBatch(
		matcher.NewItem{Title: "east", Dimension: "dim"},
		matcher.NewItem{Title: "north", Dimension: "dim"},
		matcher.NewItem{Title: "northeast", Dimension: "dim"},
	)
	if _, err := s.ApplyBatch(batch, false); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	diag := float32(1.0 / math.Sqrt2)
	provider := &stubProvider{vectors: map[string][]float32{
		"east":      {1, 0},
		"north":     {0, 1},
		"northeast": {diag, diag},
	}}
	if _, err := s.BackfillTitleVectors(context.Background(), provider); err != nil {
		t.Fatalf("BackfillTitleVectors failed: %v", err)
	}

	got, err := s.SearchSimilar([]float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("SearchSimilar failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].ExistingTitle != "east" {
		t.Errorf("expected east ranked first, got %s", got[0].ExistingTitle)
	}
	if got[1].ExistingTitle != "northeast" {
		t.Errorf("expected northeast ranked second, got %s", got[1].ExistingTitle)
	}
	if got[0].Similarity < got[1].Similarity {
		t.Error("candidates must be ordered by descending similarity")
	}
}
