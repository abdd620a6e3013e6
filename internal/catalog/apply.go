package catalog

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"auditkb/internal/logging"
	"auditkb/internal/matcher"
)

// ErrUnverifiedBatch is returned when a batch that never passed the
// verification loop is applied without force.
var ErrUnverifiedBatch = errors.New("batch result is not verified")

// ApplyStats summarizes what one ApplyBatch call changed.
type ApplyStats struct {
	ImportBatch     string `json:"import_batch"`
	CreatedItems    int    `json:"created_items"`
	ReusedItems     int    `json:"reused_items"`
	AddedProcedures int    `json:"added_procedures"`
	SkippedPending  int    `json:"skipped_pending"`
}

// ApplyBatch persists a verified batch result into the catalogue:
// create suggestions become new items, reuse suggestions attach a new
// source (and possibly a new action text) to the matched item. Pending
// candidates are applied only when the verification loop resolved them;
// the rest are left for human review and counted as skipped.
//
// Unverified batches are rejected unless force is set.
func (s *Store) ApplyBatch(batch *matcher.BatchResult, force bool) (*ApplyStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ApplyBatch")
	defer timer.Stop()

	if batch == nil {
		return nil, errors.New("nil batch result")
	}
	if !batch.Verified && !force {
		return nil, ErrUnverifiedBatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &ApplyStats{ImportBatch: uuid.New().String()}
	logging.Store("Applying batch from %s (import_batch=%s)", batch.SourceFile, stats.ImportBatch)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	for _, sug := range batch.MergeSuggestions {
		if err := s.applyDecision(tx, batch, stats, sug.NewItem, sug.MatchResult, sug.ProcedureMatch); err != nil {
			return nil, fmt.Errorf("apply %s: %w", sug.SuggestionID, err)
		}
	}
	for _, pend := range batch.PendingReview {
		if pend.MatchResult == nil {
			stats.SkippedPending++
			continue
		}
		if err := s.applyDecision(tx, batch, stats, pend.NewItem, *pend.MatchResult, nil); err != nil {
			return nil, fmt.Errorf("apply %s: %w", pend.SuggestionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit apply transaction: %w", err)
	}

	logging.Store("Batch applied: %d created, %d reused, %d procedures added, %d pending skipped",
		stats.CreatedItems, stats.ReusedItems, stats.AddedProcedures, stats.SkippedPending)
	return stats, nil
}

// txLike is satisfied by *sql.Tx; it keeps the apply helpers testable
// against either a transaction or the raw connection.
type txLike interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *Store) applyDecision(tx txLike, batch *matcher.BatchResult, stats *ApplyStats,
	item matcher.NewItem, match matcher.MatchResult, proc *matcher.ProcedureMatch) error {

	switch match.Action {
	case matcher.ActionCreate:
		return s.applyCreate(tx, batch, stats, item)
	case matcher.ActionReuse:
		if match.ExistingItemID == nil {
			return errors.New("reuse decision without a target item")
		}
		return s.applyReuse(tx, batch, stats, item, *match.ExistingItemID, proc)
	default:
		return fmt.Errorf("unknown action %q", match.Action)
	}
}

func (s *Store) applyCreate(tx txLike, batch *matcher.BatchResult, stats *ApplyStats, item matcher.NewItem) error {
	// A create decision for a title the catalogue already carries means
	// the matcher could not see the existing item (typically a missing
	// title vector). Attach the source to it instead of duplicating.
	if existing, err := activeItemByTitle(tx, item.Title); err != nil {
		return err
	} else if existing != "" {
		logging.Get(logging.CategoryStore).Warn(
			"Create decision for existing title %q, reusing %s", item.Title, existing)
		return s.applyReuse(tx, batch, stats, item, existing, nil)
	}

	dimID, err := s.getOrCreateDimension(tx, item.Dimension)
	if err != nil {
		return err
	}

	code, err := s.nextItemCode(tx, item.Dimension, dimID)
	if err != nil {
		return err
	}

	res, err := tx.Exec(
		"INSERT INTO audit_items (item_code, dimension_id, title) VALUES (?, ?, ?)",
		code, dimID, item.Title)
	if err != nil {
		return fmt.Errorf("failed to insert item %q: %w", item.Title, err)
	}
	itemID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read item id: %w", err)
	}

	sourceID, err := s.insertSource(tx, itemID, batch, item.Title, stats.ImportBatch)
	if err != nil {
		return err
	}

	if item.Procedure != "" {
		if _, err := tx.Exec(
			"INSERT INTO audit_procedures (item_id, procedure_text, source_id, is_primary) VALUES (?, ?, ?, 1)",
			itemID, item.Procedure, sourceID); err != nil {
			return fmt.Errorf("failed to insert procedure for %s: %w", code, err)
		}
		stats.AddedProcedures++
	}

	stats.CreatedItems++
	logging.StoreDebug("Created item %s: %s", code, item.Title)
	return nil
}

func (s *Store) applyReuse(tx txLike, batch *matcher.BatchResult, stats *ApplyStats,
	item matcher.NewItem, targetCode string, proc *matcher.ProcedureMatch) error {

	var itemID int64
	err := tx.QueryRow("SELECT id FROM audit_items WHERE item_code = ?", targetCode).Scan(&itemID)
	if err != nil {
		return fmt.Errorf("reuse target %q not found: %w", targetCode, err)
	}

	sourceID, err := s.insertSource(tx, itemID, batch, item.Title, stats.ImportBatch)
	if err != nil {
		return err
	}

	if proc != nil && proc.Action == matcher.ProcedureCreate && item.Procedure != "" {
		if _, err := tx.Exec(
			"INSERT INTO audit_procedures (item_id, procedure_text, source_id) VALUES (?, ?, ?)",
			itemID, item.Procedure, sourceID); err != nil {
			return fmt.Errorf("failed to append procedure to %s: %w", targetCode, err)
		}
		stats.AddedProcedures++
	}

	if _, err := tx.Exec(
		"UPDATE audit_items SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", itemID); err != nil {
		return fmt.Errorf("failed to touch item %s: %w", targetCode, err)
	}

	stats.ReusedItems++
	logging.StoreDebug("Reused item %s for %q", targetCode, item.Title)
	return nil
}

func (s *Store) insertSource(tx txLike, itemID int64, batch *matcher.BatchResult,
	rawTitle, importBatch string) (int64, error) {

	res, err := tx.Exec(
		"INSERT INTO audit_item_sources (item_id, source_type, source_file, raw_title, import_batch) VALUES (?, 'file', ?, ?, ?)",
		itemID, batch.SourceFile, rawTitle, importBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to record source for item %d: %w", itemID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read source id: %w", err)
	}
	return id, nil
}

// activeItemByTitle returns the item_code of the active item with this
// exact title, or "" when none exists.
func activeItemByTitle(tx txLike, title string) (string, error) {
	var code string
	err := tx.QueryRow(
		"SELECT item_code FROM audit_items WHERE title = ? AND status = 'active'", title).Scan(&code)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check title existence: %w", err)
	}
	return code, nil
}

// nextItemCode allocates the next code in a dimension's sequence,
// e.g. "GOV-0016". Probes past gaps left by earlier imports.
func (s *Store) nextItemCode(tx txLike, dimension string, dimID int64) (string, error) {
	prefix := dimensionCode(dimension)

	var n int
	if err := tx.QueryRow("SELECT COUNT(*) FROM audit_items WHERE dimension_id = ?", dimID).Scan(&n); err != nil {
		return "", fmt.Errorf("failed to count items in dimension: %w", err)
	}

	for seq := n + 1; ; seq++ {
		code := fmt.Sprintf("%s-%04d", prefix, seq)
		var exists int64
		err := tx.QueryRow("SELECT id FROM audit_items WHERE item_code = ?", code).Scan(&exists)
		if err == sql.ErrNoRows {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to probe item code %s: %w", code, err)
		}
	}
}
