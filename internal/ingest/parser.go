// Package ingest parses audit checklist files into new items ready for
// matching. Checklists arrive as CSV exports with inconsistent column
// headings, so the parser locates the header row and maps columns by a
// table of known aliases.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"auditkb/internal/logging"
	"auditkb/internal/matcher"
)

// ErrNoHeader is returned when no row in the file looks like a checklist
// header.
var ErrNoHeader = errors.New("no recognizable header row found")

// headerSearchRows bounds how deep into the file the header scan looks.
// Checklists often carry a title block above the real header.
const headerSearchRows = 10

// Column alias tables. Matching is case-insensitive on the trimmed cell;
// the Chinese aliases cover the checklist formats the catalogue grew from.
var (
	dimensionAliases = []string{
		"dimension", "domain", "category", "area", "topic", "audit area",
		"一级主题", "项目", "审计领域", "检查类别", "维度", "领域", "主题",
	}
	titleAliases = []string{
		"title", "item", "audit item", "check item", "checkpoint", "question",
		"审计项", "标题", "检查项", "问题", "项目名称", "检查内容",
	}
	procedureAliases = []string{
		"procedure", "audit procedure", "check method", "test steps",
		"审计程序", "检查方法", "检查程序", "审计方法", "检查要点",
	}
	descriptionAliases = []string{
		"description", "details", "issue", "finding",
		"存在问题", "描述", "问题描述", "详细描述",
	}
	severityAliases = []string{
		"severity", "risk level", "priority", "importance",
		"严重程度", "风险等级", "重要性", "优先级",
	}
)

var severityLevels = map[string][]string{
	"high":   {"high", "critical", "major", "高", "重大", "关键", "严重"},
	"medium": {"medium", "moderate", "中", "一般"},
	"low":    {"low", "minor", "低", "轻微"},
}

// Row is one parsed checklist entry with its file position.
type Row struct {
	Item      matcher.NewItem
	Severity  string
	SourceRow int // 1-based row number in the file
}

// Result is the outcome of parsing one checklist file.
type Result struct {
	File    string
	Rows    []Row
	Skipped int // blank titles and repeated header rows
	Dupes   int // in-file duplicate titles
}

// Items returns just the new items, in file order.
func (r *Result) Items() []matcher.NewItem {
	items := make([]matcher.NewItem, len(r.Rows))
	for i, row := range r.Rows {
		items[i] = row.Item
	}
	return items
}

// Options tunes parsing for a deployment's checklist conventions.
type Options struct {
	// ProcedureField adds a deployment-specific column heading to the
	// procedure alias table.
	ProcedureField string
}

// ParseFile parses the checklist CSV at path.
func ParseFile(path string, opts Options) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryIngest, "ParseFile")
	defer timer.Stop()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checklist %s: %w", path, err)
	}
	defer f.Close()

	result, err := Parse(f, filepath.Base(path), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return result, nil
}

// Parse reads checklist rows from r. The name is recorded on the result
// and used only for logging.
func Parse(r io.Reader, name string, opts Options) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // checklists are frequently ragged
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv read failed: %w", err)
	}

	procAliases := procedureAliases
	if extra := normalizeCell(opts.ProcedureField); extra != "" {
		procAliases = append([]string{extra}, procedureAliases...)
	}

	headerIdx := findHeaderRow(records, procAliases)
	if headerIdx < 0 {
		return nil, ErrNoHeader
	}

	cols := mapColumns(records[headerIdx], procAliases)
	if cols.title < 0 {
		return nil, ErrNoHeader
	}

	result := &Result{File: name}
	seen := make(map[string]bool)

	for i := headerIdx + 1; i < len(records); i++ {
		row := records[i]
		title := cellAt(row, cols.title)
		if title == "" || isAlias(title, titleAliases) {
			result.Skipped++
			continue
		}
		if seen[title] {
			result.Dupes++
			continue
		}
		seen[title] = true

		item := matcher.NewItem{
			Title:     title,
			Dimension: cellAt(row, cols.dimension),
			Procedure: cellAt(row, cols.procedure),
		}
		result.Rows = append(result.Rows, Row{
			Item:      item,
			Severity:  normalizeSeverity(cellAt(row, cols.severity)),
			SourceRow: i + 1,
		})
	}

	logging.Ingest("Parsed %s: %d rows (%d skipped, %d in-file duplicates)",
		name, len(result.Rows), result.Skipped, result.Dupes)
	return result, nil
}

type columnMap struct {
	dimension   int
	title       int
	procedure   int
	description int
	severity    int
}

// findHeaderRow scans the leading rows for one where at least two cells
// match known column aliases.
func findHeaderRow(records [][]string, procAliases []string) int {
	limit := len(records)
	if limit > headerSearchRows {
		limit = headerSearchRows
	}
	for i := 0; i < limit; i++ {
		matches := 0
		for _, cell := range records[i] {
			v := normalizeCell(cell)
			if v == "" {
				continue
			}
			if isAlias(v, dimensionAliases) || isAlias(v, titleAliases) ||
				isAlias(v, procAliases) || isAlias(v, descriptionAliases) ||
				isAlias(v, severityAliases) {
				matches++
			}
		}
		if matches >= 2 {
			return i
		}
	}
	return -1
}

func mapColumns(header []string, procAliases []string) columnMap {
	cols := columnMap{dimension: -1, title: -1, procedure: -1, description: -1, severity: -1}
	for i, cell := range header {
		v := normalizeCell(cell)
		switch {
		case cols.dimension < 0 && isAlias(v, dimensionAliases):
			cols.dimension = i
		case cols.title < 0 && isAlias(v, titleAliases):
			cols.title = i
		case cols.procedure < 0 && isAlias(v, procAliases):
			cols.procedure = i
		case cols.description < 0 && isAlias(v, descriptionAliases):
			cols.description = i
		case cols.severity < 0 && isAlias(v, severityAliases):
			cols.severity = i
		}
	}
	return cols
}

func isAlias(cell string, aliases []string) bool {
	v := normalizeCell(cell)
	for _, a := range aliases {
		if v == normalizeCell(a) {
			return true
		}
	}
	return false
}

func normalizeCell(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func normalizeSeverity(value string) string {
	if value == "" {
		return "medium"
	}
	v := normalizeCell(value)
	for level, aliases := range severityLevels {
		for _, a := range aliases {
			if v == normalizeCell(a) {
				return level
			}
		}
	}
	return "medium"
}
