// Package catalog persists the accepted audit-item knowledge base in SQLite.
// It keeps dimensions, items with cached title embeddings, their action
// texts, and the provenance of every import.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"auditkb/internal/logging"
	"auditkb/internal/matcher"
)

// Store is the SQLite-backed audit-item catalogue.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec available
}

// NewStore opens (or creates) the catalogue database at the given path.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	logging.Store("Opening catalogue store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	store.detectVecExtension()
	if store.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.StoreDebug("sqlite-vec extension not available; falling back to in-process scan")
	}

	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_dimensions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code VARCHAR(20) UNIQUE NOT NULL,
		name VARCHAR(100) NOT NULL,
		level INTEGER DEFAULT 1,
		display_order INTEGER DEFAULT 0,
		is_active BOOLEAN DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS audit_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_code VARCHAR(30) UNIQUE NOT NULL,
		dimension_id INTEGER NOT NULL,
		title VARCHAR(500) NOT NULL,
		title_vector BLOB,
		description TEXT,
		severity VARCHAR(10) DEFAULT 'medium',
		status VARCHAR(20) DEFAULT 'active',
		version VARCHAR(20) DEFAULT 'v1',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (dimension_id) REFERENCES audit_dimensions(id)
	);

	CREATE TABLE IF NOT EXISTS audit_procedures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL,
		procedure_text TEXT NOT NULL,
		source_id INTEGER,
		is_primary BOOLEAN DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (item_id) REFERENCES audit_items(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS audit_item_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL,
		source_type VARCHAR(20) NOT NULL,
		source_file VARCHAR(200),
		source_row INTEGER,
		raw_title VARCHAR(500),
		import_batch VARCHAR(50),
		imported_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (item_id) REFERENCES audit_items(id)
	);

	CREATE INDEX IF NOT EXISTS idx_items_dimension ON audit_items(dimension_id);
	CREATE INDEX IF NOT EXISTS idx_items_status ON audit_items(status);
	CREATE INDEX IF NOT EXISTS idx_procedures_item ON audit_procedures(item_id);
	CREATE INDEX IF NOT EXISTS idx_sources_item ON audit_item_sources(item_id);
	CREATE INDEX IF NOT EXISTS idx_sources_batch ON audit_item_sources(import_batch);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create catalogue schema: %w", err)
	}
	return nil
}

// detectVecExtension probes for sqlite-vec. The extension is only present
// when the binary was built with the sqlite_vec tag.
func (s *Store) detectVecExtension() {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		s.vectorExt = false
		return
	}
	s.vectorExt = true
	logging.StoreDebug("sqlite-vec version: %s", version)
}

// HasVectorExt reports whether sqlite-vec is loaded into this connection.
func (s *Store) HasVectorExt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorExt
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logging.Store("Catalogue store closed")
	return err
}

// GetOrCreateDimension resolves a dimension name to its row id, creating
// the dimension on first sight.
func (s *Store) GetOrCreateDimension(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateDimension(s.db, name)
}

// getOrCreateDimension runs against q, which must be the open transaction
// when called from inside ApplyBatch: the pool is limited to a single
// connection, so a stray s.db query while a transaction holds it would
// block forever.
func (s *Store) getOrCreateDimension(q txLike, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "general"
	}

	var id int64
	err := q.QueryRow("SELECT id FROM audit_dimensions WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up dimension %q: %w", name, err)
	}

	code := dimensionCode(name)
	res, err := q.Exec(
		"INSERT INTO audit_dimensions (code, name, level, display_order) VALUES (?, ?, 1, 0)",
		code, name,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create dimension %q: %w", name, err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read dimension id: %w", err)
	}
	logging.StoreDebug("Created dimension %q (code=%s, id=%d)", name, code, id)
	return id, nil
}

// dimensionCode derives a short uppercase code from a dimension name.
// Takes up to the first three non-space runes so non-ASCII names stay
// intact and multi-word names don't embed whitespace in item codes.
func dimensionCode(name string) string {
	runes := []rune(strings.Join(strings.Fields(name), ""))
	if len(runes) == 0 {
		return "GEN"
	}
	if len(runes) > 3 {
		runes = runes[:3]
	}
	return strings.ToUpper(string(runes))
}

// ListItems loads every active catalogue item with its action texts and
// cached title embedding, in the shape the matcher consumes.
func (s *Store) ListItems() ([]matcher.ExistingItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListItems")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT ai.id, ai.item_code, ai.title, ai.title_vector, ad.name
		FROM audit_items ai
		JOIN audit_dimensions ad ON ai.dimension_id = ad.id
		WHERE ai.status = 'active'
		ORDER BY ai.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalogue items: %w", err)
	}
	defer rows.Close()

	var items []matcher.ExistingItem
	ids := make([]int64, 0)
	for rows.Next() {
		var (
			id   int64
			item matcher.ExistingItem
			blob []byte
		)
		if err := rows.Scan(&id, &item.ID, &item.Title, &blob, &item.Dimension); err != nil {
			return nil, fmt.Errorf("failed to scan catalogue item: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Dropping corrupt title vector for %s: %v", item.ID, err)
			vec = nil
		}
		item.TitleVector = vec
		items = append(items, item)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate catalogue items: %w", err)
	}

	for i, rowID := range ids {
		procs, err := s.proceduresForItem(rowID)
		if err != nil {
			return nil, err
		}
		items[i].Procedures = procs
	}

	logging.StoreDebug("Loaded %d catalogue items", len(items))
	return items, nil
}

func (s *Store) proceduresForItem(itemID int64) ([]matcher.ProcedureRecord, error) {
	rows, err := s.db.Query(
		"SELECT procedure_text FROM audit_procedures WHERE item_id = ? ORDER BY is_primary DESC, id",
		itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load procedures for item %d: %w", itemID, err)
	}
	defer rows.Close()

	var procs []matcher.ProcedureRecord
	for rows.Next() {
		var p matcher.ProcedureRecord
		if err := rows.Scan(&p.Text); err != nil {
			return nil, fmt.Errorf("failed to scan procedure: %w", err)
		}
		procs = append(procs, p)
	}
	return procs, rows.Err()
}

// itemRowIDByCode resolves an item_code to its internal row id.
func (s *Store) itemRowIDByCode(code string) (int64, error) {
	var id int64
	err := s.db.QueryRow("SELECT id FROM audit_items WHERE item_code = ?", code).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("catalogue item %q not found", code)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve item %q: %w", code, err)
	}
	return id, nil
}

// Stats is a point-in-time count of catalogue content.
type Stats struct {
	Dimensions  int            `json:"dimensions"`
	Items       int            `json:"items"`
	Procedures  int            `json:"procedures"`
	Sources     int            `json:"sources"`
	ByDimension map[string]int `json:"by_dimension"`
	CachedVecs  int            `json:"cached_vectors"`
	MissingVecs int            `json:"missing_vectors"`
}

// Statistics counts catalogue rows per table and per dimension.
func (s *Store) Statistics() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{ByDimension: make(map[string]int)}
	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM audit_dimensions", &st.Dimensions},
		{"SELECT COUNT(*) FROM audit_items", &st.Items},
		{"SELECT COUNT(*) FROM audit_procedures", &st.Procedures},
		{"SELECT COUNT(*) FROM audit_item_sources", &st.Sources},
		{"SELECT COUNT(*) FROM audit_items WHERE title_vector IS NOT NULL", &st.CachedVecs},
		{"SELECT COUNT(*) FROM audit_items WHERE title_vector IS NULL", &st.MissingVecs},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count catalogue rows: %w", err)
		}
	}

	rows, err := s.db.Query(`
		SELECT ad.name, COUNT(ai.id)
		FROM audit_dimensions ad
		LEFT JOIN audit_items ai ON ai.dimension_id = ad.id
		GROUP BY ad.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count items per dimension: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("failed to scan dimension count: %w", err)
		}
		st.ByDimension[name] = n
	}
	return st, rows.Err()
}
