// Package ingest loads CSV exports into the structured store and mirrors
// each row into the similarity index so the zero-row fallback has something
// to search.
package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

const typeSniffRows = 100

var identStart = regexp.MustCompile(`^[a-z_]`)
var identClean = regexp.MustCompile(`[^a-z0-9_]+`)

// Vectorizer is the similarity-index surface ingestion writes to.
type Vectorizer interface {
	EnsureCollection(ctx context.Context, collection string) error
	InsertDocument(ctx context.Context, collection, sourceID, sourceTable, content string) error
}

// Summary reports what one load did.
type Summary struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Rows    int      `json:"rows"`
	Vectors int      `json:"vectors"`
}

// Loader owns one ingestion run's targets.
type Loader struct {
	db     *sql.DB
	vec    Vectorizer
	logger *log.Logger
}

// NewLoader builds a loader. vec may be nil, which skips the similarity
// mirror.
func NewLoader(db *sql.DB, vec Vectorizer) *Loader {
	return &Loader{
		db:     db,
		vec:    vec,
		logger: log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

// LoadCSV creates (if needed) and fills the table from the CSV stream, then
// mirrors the rows into the "<table>_vectors" collection.
func (l *Loader) LoadCSV(ctx context.Context, table string, r io.Reader) (*Summary, error) {
	table = SanitizeIdentifier(table)
	if table == "" {
		return nil, fmt.Errorf("ingest: empty table name")
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("ingest: reading header: %w", err)
	}
	columns := sanitizeColumns(header)

	var rows [][]string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: reading row %d: %w", len(rows)+2, err)
		}
		if len(rec) != len(columns) {
			return nil, fmt.Errorf("ingest: row %d has %d fields, header has %d", len(rows)+2, len(rec), len(columns))
		}
		rows = append(rows, rec)
	}

	// rows need a stable identifier for evidence tracking and fallback
	// hydration; synthesize one when the export has none
	idIdx := indexOf(columns, "id")
	if idIdx < 0 {
		columns = append([]string{"id"}, columns...)
		for i := range rows {
			rows[i] = append([]string{fmt.Sprintf("%s_%d", table, i+1)}, rows[i]...)
		}
		idIdx = 0
	}

	types := sniffColumnTypes(columns, rows)
	if err := l.createTable(ctx, table, columns, types); err != nil {
		return nil, err
	}
	if err := l.copyRows(ctx, table, columns, types, rows); err != nil {
		return nil, err
	}

	summary := &Summary{Table: table, Columns: columns, Rows: len(rows)}
	if l.vec != nil {
		vectors, err := l.mirrorRows(ctx, table, columns, rows, idIdx)
		if err != nil {
			return nil, err
		}
		summary.Vectors = vectors
	}
	l.logger.Printf("loaded %d rows into %s (%d vectors)", summary.Rows, table, summary.Vectors)
	return summary, nil
}

func (l *Loader) createTable(ctx context.Context, table string, columns, types []string) error {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", col, types[i])
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ingest: creating table %s: %w", table, err)
	}
	return nil
}

func (l *Loader) copyRows(ctx context.Context, table string, columns, types []string, rows [][]string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ingest: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return fmt.Errorf("ingest: preparing copy: %w", err)
	}
	for _, row := range rows {
		args := make([]interface{}, len(row))
		for i, v := range row {
			args[i] = convertValue(v, types[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			stmt.Close()
			return fmt.Errorf("ingest: copying row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("ingest: flushing copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("ingest: closing copy: %w", err)
	}
	return tx.Commit()
}

func (l *Loader) mirrorRows(ctx context.Context, table string, columns []string, rows [][]string, idIdx int) (int, error) {
	collection := table + "_vectors"
	if err := l.vec.EnsureCollection(ctx, collection); err != nil {
		return 0, fmt.Errorf("ingest: ensuring collection %s: %w", collection, err)
	}
	inserted := 0
	for _, row := range rows {
		content := BuildContent(columns, row)
		if err := l.vec.InsertDocument(ctx, collection, row[idIdx], table, content); err != nil {
			return inserted, fmt.Errorf("ingest: inserting vector for %s: %w", row[idIdx], err)
		}
		inserted++
	}
	return inserted, nil
}

// SanitizeIdentifier lowercases and strips a name down to a safe SQL
// identifier.
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = identClean.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return ""
	}
	if !identStart.MatchString(name) {
		name = "t_" + name
	}
	return name
}

func sanitizeColumns(header []string) []string {
	seen := map[string]int{}
	columns := make([]string, len(header))
	for i, h := range header {
		col := SanitizeIdentifier(h)
		if col == "" {
			col = fmt.Sprintf("column_%d", i+1)
		}
		if n, dup := seen[col]; dup {
			seen[col] = n + 1
			col = fmt.Sprintf("%s_%d", col, n+1)
		}
		seen[col] = 1
		columns[i] = col
	}
	return columns
}

// sniffColumnTypes samples rows and assigns DOUBLE PRECISION, DATE or TEXT
// per column. A single non-conforming value demotes the column to TEXT.
func sniffColumnTypes(columns []string, rows [][]string) []string {
	types := make([]string, len(columns))
	for i := range columns {
		numeric := true
		date := true
		sampled := 0
		for _, row := range rows {
			if sampled >= typeSniffRows {
				break
			}
			v := strings.TrimSpace(row[i])
			if v == "" {
				continue
			}
			sampled++
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				numeric = false
			}
			if !isDateValue(v) {
				date = false
			}
			if !numeric && !date {
				break
			}
		}
		switch {
		case sampled == 0:
			types[i] = "TEXT"
		case date:
			types[i] = "DATE"
		case numeric:
			types[i] = "DOUBLE PRECISION"
		default:
			types[i] = "TEXT"
		}
	}
	return types
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006", time.RFC3339}

func isDateValue(v string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

func convertValue(v, sqlType string) interface{} {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if sqlType == "DOUBLE PRECISION" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return nil
	}
	return v
}

// BuildContent renders one row as the text document stored in the
// similarity index.
func BuildContent(columns []string, row []string) string {
	parts := make([]string, 0, len(columns))
	for i, col := range columns {
		v := strings.TrimSpace(row[i])
		if v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", col, v))
	}
	return strings.Join(parts, "; ")
}

func indexOf(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}
