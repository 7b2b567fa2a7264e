package backends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresBackend implements Structured over database/sql with lib/pq.
type PostgresBackend struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresBackend opens a connection pool against the given DSN.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresBackend{
		db:     db,
		logger: log.New(log.Writer(), "[POSTGRES] ", log.LstdFlags),
	}, nil
}

// NewPostgresBackendFromDB wraps an existing pool, mainly for tests.
func NewPostgresBackendFromDB(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{
		db:     db,
		logger: log.New(log.Writer(), "[POSTGRES] ", log.LstdFlags),
	}
}

// Query runs an arbitrary read query and returns the rows as open records.
// Syntax-class failures (SQLSTATE 42xxx) are wrapped as QueryShapeError.
func (b *PostgresBackend) Query(ctx context.Context, query string) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, b.classify(query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []Record
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			rec[col] = normalizeSQLValue(vals[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LookupByIDs fetches full rows for the given identifiers, used to hydrate
// similarity-search hits back into structured records.
func (b *PostgresBackend) LookupByIDs(ctx context.Context, table string, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE id = ANY($1)", table)
	rows, err := b.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, b.classify(query, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	var out []Record
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			rec[col] = normalizeSQLValue(vals[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SchemaSummary renders the public tables and their columns as a compact
// text block for the planning prompt.
func (b *PostgresBackend) SchemaSummary(ctx context.Context) (string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return "", fmt.Errorf("schema query: %w", err)
	}
	defer rows.Close()

	tables := map[string][]string{}
	var names []string
	for rows.Next() {
		var table, column, dtype string
		if err := rows.Scan(&table, &column, &dtype); err != nil {
			return "", fmt.Errorf("schema scan: %w", err)
		}
		if _, ok := tables[table]; !ok {
			names = append(names, table)
		}
		tables[table] = append(tables[table], fmt.Sprintf("%s %s", column, dtype))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "TABLE %s (%s)\n", name, strings.Join(tables[name], ", "))
	}
	return sb.String(), nil
}

// Tables lists the public table names.
func (b *PostgresBackend) Tables(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DB exposes the underlying pool for ingestion.
func (b *PostgresBackend) DB() *sql.DB { return b.db }

func (b *PostgresBackend) Close() error { return b.db.Close() }

// classify wraps syntax-class Postgres failures (SQLSTATE class 42, e.g.
// syntax_error, undefined_column, undefined_table) as QueryShapeError so the
// gateway knows a rewrite is worth attempting.
func (b *PostgresBackend) classify(query string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && strings.HasPrefix(string(pqErr.Code), "42") {
		return &QueryShapeError{Backend: "postgres", Query: query, Err: err}
	}
	return fmt.Errorf("postgres query: %w", err)
}

// normalizeSQLValue converts driver-level values into JSON-friendly ones.
func normalizeSQLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}
