package catalog

import (
	"context"
	"fmt"
	"sort"

	"auditkb/internal/embedding"
	"auditkb/internal/logging"
	"auditkb/internal/matcher"
)

// BackfillTitleVectors embeds every item title that has no cached vector
// yet and stores the result. Returns the number of items updated. New
// items land without vectors; running this after apply keeps the next
// match from re-embedding the whole catalogue.
func (s *Store) BackfillTitleVectors(ctx context.Context, provider embedding.Provider) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "BackfillTitleVectors")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, title FROM audit_items WHERE title_vector IS NULL ORDER BY id")
	if err != nil {
		return 0, fmt.Errorf("failed to list items missing vectors: %w", err)
	}
	var ids []int64
	var titles []string
	for rows.Next() {
		var id int64
		var title string
		if err := rows.Scan(&id, &title); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan item: %w", err)
		}
		ids = append(ids, id)
		titles = append(titles, title)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate items: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	logging.Store("Backfilling title vectors for %d items", len(ids))

	vectors, err := provider.EmbedBatch(ctx, titles)
	if err != nil {
		return 0, fmt.Errorf("failed to embed %d titles: %w", len(titles), err)
	}
	if len(vectors) != len(ids) {
		return 0, fmt.Errorf("provider returned %d vectors for %d titles", len(vectors), len(ids))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin backfill transaction: %w", err)
	}
	defer tx.Rollback()

	for i, id := range ids {
		vec := embedding.Normalize(vectors[i])
		if _, err := tx.Exec(
			"UPDATE audit_items SET title_vector = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			encodeVector(vec), id); err != nil {
			return 0, fmt.Errorf("failed to store vector for item %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit backfill: %w", err)
	}
	return len(ids), nil
}

// SearchSimilar finds the topK catalogue items closest to the query
// vector. Uses sqlite-vec's vec_distance_cosine when the extension is
// loaded, otherwise scans the cached vectors in process.
func (s *Store) SearchSimilar(queryVec []float32, topK int) ([]matcher.Candidate, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchSimilar")
	defer timer.Stop()

	if topK <= 0 {
		topK = 3
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		return s.searchVec(queryVec, topK)
	}
	return s.searchScan(queryVec, topK)
}

func (s *Store) searchVec(queryVec []float32, topK int) ([]matcher.Candidate, error) {
	rows, err := s.db.Query(`
		SELECT item_code, title, vec_distance_cosine(title_vector, ?) AS distance
		FROM audit_items
		WHERE title_vector IS NOT NULL AND status = 'active'
		ORDER BY distance ASC
		LIMIT ?`, encodeVector(queryVec), topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var out []matcher.Candidate
	for rows.Next() {
		var c matcher.Candidate
		var distance float64
		if err := rows.Scan(&c.ExistingItemID, &c.ExistingTitle, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		// Cosine distance is 1 - similarity.
		c.Similarity = 1.0 - distance
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) searchScan(queryVec []float32, topK int) ([]matcher.Candidate, error) {
	rows, err := s.db.Query(`
		SELECT item_code, title, title_vector
		FROM audit_items
		WHERE title_vector IS NOT NULL AND status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("catalogue scan failed: %w", err)
	}
	defer rows.Close()

	var out []matcher.Candidate
	for rows.Next() {
		var c matcher.Candidate
		var blob []byte
		if err := rows.Scan(&c.ExistingItemID, &c.ExistingTitle, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan catalogue row: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping corrupt vector for %s: %v", c.ExistingItemID, err)
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		c.Similarity = sim
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
