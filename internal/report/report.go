// Package report renders batch results and catalogue statistics for
// humans: console summaries and CSV exports for review outside the tool.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"auditkb/internal/catalog"
	"auditkb/internal/logging"
	"auditkb/internal/matcher"
)

// WriteBatchSummary prints a human-readable summary of one batch result.
func WriteBatchSummary(w io.Writer, batch *matcher.BatchResult) error {
	timer := logging.StartTimer(logging.CategoryReport, "WriteBatchSummary")
	defer timer.Stop()

	line := func(format string, args ...interface{}) error {
		_, err := fmt.Fprintf(w, format+"\n", args...)
		return err
	}

	if err := line("Batch: %s (created %s)", batch.SourceFile, batch.CreatedAt); err != nil {
		return err
	}
	if err := line("  New items parsed:   %d", batch.Summary.TotalNewItems); err != nil {
		return err
	}
	if err := line("  Catalogue size:     %d", batch.Summary.TotalExistingItems); err != nil {
		return err
	}
	if err := line("  Suggested creates:  %d", batch.Summary.SuggestedNewItems); err != nil {
		return err
	}
	if err := line("  Suggested reuses:   %d", batch.Summary.SuggestedReuseItems); err != nil {
		return err
	}
	if err := line("  Pending review:     %d", batch.Summary.PendingReview); err != nil {
		return err
	}

	switch {
	case batch.Verified:
		if err := line("  Verification:       passed (%d round(s))", len(batch.ReviewHistory)); err != nil {
			return err
		}
	case batch.FailureReport != nil:
		if err := line("  Verification:       FAILED after %d round(s)", batch.FailureReport.TotalRounds); err != nil {
			return err
		}
		if err := line("  Recommendation:     %s", batch.FailureReport.Recommendation); err != nil {
			return err
		}
	default:
		if err := line("  Verification:       not run"); err != nil {
			return err
		}
	}

	for _, pend := range batch.PendingReview {
		if pend.MatchResult != nil {
			continue
		}
		if err := line("  ? %s %q needs a decision (%d candidates)",
			pend.SuggestionID, pend.NewItem.Title, len(pend.Candidates)); err != nil {
			return err
		}
	}
	return nil
}

// batchCSVHeader is the column layout of ExportBatchCSV.
var batchCSVHeader = []string{
	"suggestion_id", "title", "dimension", "action",
	"existing_item_id", "existing_title", "similarity", "confidence",
	"procedure_action", "adjusted", "adjustment_reason",
}

// ExportBatchCSV writes every decision in the batch, one row per
// suggestion or pending candidate, for spreadsheet review.
func ExportBatchCSV(w io.Writer, batch *matcher.BatchResult) error {
	timer := logging.StartTimer(logging.CategoryReport, "ExportBatchCSV")
	defer timer.Stop()

	cw := csv.NewWriter(w)
	if err := cw.Write(batchCSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, sug := range batch.MergeSuggestions {
		procAction := ""
		if sug.ProcedureMatch != nil {
			procAction = string(sug.ProcedureMatch.Action)
		}
		row := []string{
			sug.SuggestionID,
			sug.NewItem.Title,
			sug.NewItem.Dimension,
			string(sug.MatchResult.Action),
			strDeref(sug.MatchResult.ExistingItemID),
			strDeref(sug.MatchResult.ExistingTitle),
			formatSim(sug.MatchResult.Similarity),
			string(sug.VectorConfidence),
			procAction,
			strconv.FormatBool(sug.Adjusted),
			sug.AdjustmentReason,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write suggestion row: %w", err)
		}
	}

	for _, pend := range batch.PendingReview {
		action, itemID, title, sim := "pending", "", "", ""
		if pend.MatchResult != nil {
			action = string(pend.MatchResult.Action)
			itemID = strDeref(pend.MatchResult.ExistingItemID)
			title = strDeref(pend.MatchResult.ExistingTitle)
			sim = formatSim(pend.MatchResult.Similarity)
		} else if len(pend.Candidates) > 0 {
			itemID = pend.Candidates[0].ExistingItemID
			title = pend.Candidates[0].ExistingTitle
			sim = formatSim(pend.Candidates[0].Similarity)
		}
		row := []string{
			pend.SuggestionID,
			pend.NewItem.Title,
			pend.NewItem.Dimension,
			action,
			itemID,
			title,
			sim,
			string(pend.VectorConfidence),
			"",
			strconv.FormatBool(pend.Adjusted),
			pend.AdjustmentReason,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write pending row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteCatalogStats prints catalogue counts, dimensions sorted by size.
func WriteCatalogStats(w io.Writer, stats *catalog.Stats) error {
	if _, err := fmt.Fprintf(w, "Catalogue: %d items in %d dimensions, %d procedures, %d sources\n",
		stats.Items, stats.Dimensions, stats.Procedures, stats.Sources); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Title vectors: %d cached, %d missing\n",
		stats.CachedVecs, stats.MissingVecs); err != nil {
		return err
	}

	type dimCount struct {
		name string
		n    int
	}
	dims := make([]dimCount, 0, len(stats.ByDimension))
	for name, n := range stats.ByDimension {
		dims = append(dims, dimCount{name, n})
	}
	sort.Slice(dims, func(i, j int) bool {
		if dims[i].n != dims[j].n {
			return dims[i].n > dims[j].n
		}
		return dims[i].name < dims[j].name
	})
	for _, d := range dims {
		if _, err := fmt.Fprintf(w, "  %-30s %d\n", d.name, d.n); err != nil {
			return err
		}
	}
	return nil
}

// ExportCatalogCSV writes the full item catalogue for external review.
func ExportCatalogCSV(w io.Writer, items []matcher.ExistingItem) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"item_code", "title", "dimension", "procedures"}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, item := range items {
		if err := cw.Write([]string{
			item.ID, item.Title, item.Dimension,
			strconv.Itoa(len(item.Procedures)),
		}); err != nil {
			return fmt.Errorf("failed to write item row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatSim(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
