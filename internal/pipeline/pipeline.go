// Package pipeline wires ingestion, matching, verification, and the
// catalogue store into the end-to-end reconciliation flow: parse a
// checklist, classify every row against the catalogue, run the
// adjudicator loop, and write the batch artifact.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"auditkb/internal/catalog"
	"auditkb/internal/config"
	"auditkb/internal/embedding"
	"auditkb/internal/ingest"
	"auditkb/internal/logging"
	"auditkb/internal/matcher"
	"auditkb/internal/review"
)

// maxParallelFiles bounds concurrent file processing. Each file costs
// embedding calls; more parallelism mostly queues at the provider.
const maxParallelFiles = 4

// Pipeline runs checklist files through match and verify against one
// catalogue.
type Pipeline struct {
	cfg      *config.Config
	store    *catalog.Store
	provider embedding.Provider
	matcher  *matcher.Matcher
	verifier *review.Verifier
}

// Options controls one processing run.
type Options struct {
	// SkipVerify bypasses the adjudicator loop; the batch artifact is
	// written unverified.
	SkipVerify bool

	// OutputDir receives batch artifacts. Defaults to the directory of
	// the input file.
	OutputDir string
}

// Outcome is the result of processing one checklist file.
type Outcome struct {
	Batch        *matcher.BatchResult
	Parse        *ingest.Result
	ArtifactPath string
}

// New assembles a pipeline from its parts.
func New(cfg *config.Config, store *catalog.Store, provider embedding.Provider, adjudicator review.Adjudicator) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		provider: provider,
		matcher:  matcher.New(provider, matcherConfig(cfg.Matcher)),
		verifier: review.NewVerifier(adjudicator, cfg.LLM.MaxRounds),
	}
}

func matcherConfig(cfg config.MatcherConfig) matcher.Config {
	return matcher.Config{
		HighThreshold:       cfg.HighThreshold,
		MediumThreshold:     cfg.MediumThreshold,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ProcedureThreshold:  cfg.ProcedureThreshold,
		TopK:                cfg.TopK,
	}
}

// ProcessFile runs one checklist through the full flow and writes the
// batch artifact next to it (or into opts.OutputDir).
func (p *Pipeline) ProcessFile(ctx context.Context, path string, opts Options) (*Outcome, error) {
	timer := logging.StartTimer(logging.CategoryMatcher, "Pipeline.ProcessFile")
	defer timer.Stop()

	logging.Matcher("Processing checklist: %s", path)

	parsed, err := ingest.ParseFile(path, ingest.Options{ProcedureField: p.cfg.Ingest.ProcedureField})
	if err != nil {
		return nil, err
	}

	existing, err := p.store.ListItems()
	if err != nil {
		return nil, fmt.Errorf("failed to load catalogue: %w", err)
	}

	batch, err := p.matcher.BatchMatch(ctx, parsed.Items(), existing)
	if err != nil {
		return nil, fmt.Errorf("matching failed for %s: %w", path, err)
	}
	batch.SourceFile = filepath.Base(path)

	if opts.SkipVerify {
		logging.Review("Verification skipped for %s", batch.SourceFile)
	} else {
		batch = p.verifier.IterativeVerify(ctx, batch)
	}

	artifactPath, err := p.writeArtifact(batch, path, opts)
	if err != nil {
		return nil, err
	}

	logging.Matcher("Finished %s: %d create, %d reuse, %d pending (verified=%v)",
		batch.SourceFile, batch.Summary.SuggestedNewItems,
		batch.Summary.SuggestedReuseItems, batch.Summary.PendingReview, batch.Verified)

	return &Outcome{Batch: batch, Parse: parsed, ArtifactPath: artifactPath}, nil
}

// ProcessFiles runs several checklists in parallel. Outcomes are
// returned in input order. The first failure cancels the remaining
// files.
func (p *Pipeline) ProcessFiles(ctx context.Context, paths []string, opts Options) ([]*Outcome, error) {
	outcomes := make([]*Outcome, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFiles)
	for i, path := range paths {
		g.Go(func() error {
			out, err := p.ProcessFile(ctx, path, opts)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Apply loads a batch artifact and persists its decisions into the
// catalogue, then backfills title vectors for the items it created.
func (p *Pipeline) Apply(ctx context.Context, artifactPath string, force bool) (*catalog.ApplyStats, error) {
	batch, err := matcher.LoadBatchResult(artifactPath)
	if err != nil {
		return nil, err
	}

	stats, err := p.store.ApplyBatch(batch, force)
	if err != nil {
		return nil, err
	}

	n, err := p.store.BackfillTitleVectors(ctx, p.provider)
	if err != nil {
		// The rows are committed; a failed backfill only costs a
		// re-embed on the next match.
		logging.Get(logging.CategoryStore).Warn("Vector backfill failed after apply: %v", err)
	} else if n > 0 {
		logging.Store("Backfilled %d title vectors after apply", n)
	}

	return stats, nil
}

// writeArtifact saves the batch JSON and returns its path.
func (p *Pipeline) writeArtifact(batch *matcher.BatchResult, inputPath string, opts Options) (string, error) {
	dir := opts.OutputDir
	if dir == "" {
		dir = filepath.Dir(inputPath)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	name := fmt.Sprintf("batch_%s_%s.json", base, time.Now().Format("20060102-150405"))
	path := filepath.Join(dir, name)

	if err := batch.Save(path); err != nil {
		return "", err
	}
	logging.Matcher("Batch artifact written: %s", path)
	return path, nil
}
