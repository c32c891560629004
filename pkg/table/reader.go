// Package table opens forensic input containers read-only and enumerates
// their columns and rows (spec §4.1, component C1).
//
// A container is any DuckDB-openable source: a native DuckDB file, or a
// SQLite file attached through DuckDB's sqlite_scanner extension (the
// common shape for exported process-execution caches, journal tables,
// registry-derived tables, and similar forensic artifacts).
package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// Sentinel errors matching the taxonomy in spec §7. Callers classify
// failures with errors.Is against these.
var (
	ErrInvalidSource     = errors.New("table: source is not openable")
	ErrNoDataTables      = errors.New("table: container has no non-metadata tables")
	ErrEmptyPrimaryTable = errors.New("table: selected primary table has zero rows")
)

// metadataTables are conventional table names skipped when enumerating a
// container's data tables (spec §6).
var metadataTables = map[string]bool{
	"sqlite_sequence":  true,
	"sqlite_master":    true,
	"feather_metadata": true,
	"import_history":   true,
	"data_lineage":     true,
}

func isMetadataTable(name string) bool {
	if metadataTables[name] {
		return true
	}
	return strings.HasPrefix(name, "sqlite_")
}

// Column describes one column of the primary data table.
type Column struct {
	Name string
	Type string
}

// Table is an opened, read-only handle onto one container's selected
// primary data table.
type Table struct {
	log *slog.Logger
	db  *sql.DB

	sourcePath  string
	schema      string
	PrimaryName string
	columns     []Column
	rowCount    int64
}

// Open attaches the container at path read-only, selects its primary data
// table following the rule in spec §4.1, and returns a handle onto it.
//
// primaryOverride, if non-empty, names the table to use when the config
// names an explicit primary-table override for this source (spec §4.9).
func Open(ctx context.Context, log *slog.Logger, path string, primaryOverride string) (*Table, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open duckdb handle: %v", ErrInvalidSource, err)
	}

	schema := attachSchemaName(path)
	attachSQL := attachStatement(path, schema)
	if _, err := db.ExecContext(ctx, attachSQL); err != nil {
		// Native DuckDB files and SQLite files attach differently; if the
		// SQLite-typed attach failed, retry assuming the container is
		// itself a DuckDB file.
		if altSQL := fmt.Sprintf("ATTACH '%s' AS %s (READ_ONLY)", escapeSQL(path), schema); altSQL != attachSQL {
			if _, altErr := db.ExecContext(ctx, altSQL); altErr == nil {
				db.Close()
				return openAttached(ctx, log, path, schema, primaryOverride)
			}
		}
		db.Close()
		return nil, fmt.Errorf("%w: failed to attach %q: %v", ErrInvalidSource, path, err)
	}

	return openAttachedWithDB(ctx, log, db, path, schema, primaryOverride)
}

func attachSchemaName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	var b strings.Builder
	b.WriteString("src_")
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func attachStatement(path, schema string) string {
	return fmt.Sprintf("ATTACH '%s' AS %s (TYPE SQLITE, READ_ONLY)", escapeSQL(path), schema)
}

func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// openAttached re-opens a fresh connection and re-attaches, used after
// Open's probing native attach succeeded on a handle it then closed.
func openAttached(ctx context.Context, log *slog.Logger, path, schema, primaryOverride string) (*Table, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	altSQL := fmt.Sprintf("ATTACH '%s' AS %s (READ_ONLY)", escapeSQL(path), schema)
	if _, err := db.ExecContext(ctx, altSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to attach %q: %v", ErrInvalidSource, path, err)
	}
	return openAttachedWithDB(ctx, log, db, path, schema, primaryOverride)
}

func openAttachedWithDB(ctx context.Context, log *slog.Logger, db *sql.DB, path, schema, primaryOverride string) (*Table, error) {
	names, err := dataTableNames(ctx, db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	if len(names) == 0 {
		db.Close()
		return nil, fmt.Errorf("%w: %q", ErrNoDataTables, path)
	}

	primary, err := selectPrimary(ctx, db, schema, names, primaryOverride)
	if err != nil {
		db.Close()
		return nil, err
	}

	cols, err := columnsOf(ctx, db, schema, primary)
	if err != nil {
		db.Close()
		return nil, err
	}

	count, err := rowCountOf(ctx, db, schema, primary)
	if err != nil {
		db.Close()
		return nil, err
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("%w: %q.%q", ErrEmptyPrimaryTable, path, primary)
	}

	return &Table{
		log:         log,
		db:          db,
		sourcePath:  path,
		schema:      schema,
		PrimaryName: primary,
		columns:     cols,
		rowCount:    count,
	}, nil
}

func dataTableNames(ctx context.Context, db *sql.DB, schema string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables WHERE table_schema = ?`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if !isMetadataTable(name) {
			names = append(names, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error enumerating tables: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// selectPrimary implements the primary-table rule of spec §4.1.
func selectPrimary(ctx context.Context, db *sql.DB, schema string, names []string, override string) (string, error) {
	contains := func(name string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}

	if override != "" && contains(override) {
		return override, nil
	}
	if contains("feather_data") {
		return "feather_data", nil
	}
	if len(names) == 1 {
		return names[0], nil
	}

	type candidate struct {
		name string
		rows int64
	}
	candidates := make([]candidate, 0, len(names))
	for _, name := range names {
		n, err := rowCountOf(ctx, db, schema, name)
		if err != nil {
			return "", err
		}
		candidates = append(candidates, candidate{name: name, rows: n})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rows != candidates[j].rows {
			return candidates[i].rows > candidates[j].rows
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].name, nil
}

func columnsOf(ctx context.Context, db *sql.DB, schema, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate columns of %q: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func rowCountOf(ctx context.Context, db *sql.DB, schema, table string) (int64, error) {
	var n int64
	q := fmt.Sprintf(`SELECT count(*) FROM %s.%s`, quoteIdent(schema), quoteIdent(table))
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %q: %w", table, err)
	}
	return n, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Columns returns the primary table's column listing.
func (t *Table) Columns() []Column { return t.columns }

// RowCount returns the primary table's row count.
func (t *Table) RowCount() int64 { return t.rowCount }

// SourcePath returns the path this Table was opened from.
func (t *Table) SourcePath() string { return t.sourcePath }

// Row is one row of the primary table, keyed by column name.
type Row map[string]any

// Get returns the value of column, and whether it was present.
func (r Row) Get(column string) (any, bool) {
	v, ok := r[column]
	return v, ok
}

// Rows streams every row of the primary table in table order, invoking fn
// for each. Iteration stops early, without error, if fn returns false.
func (t *Table) Rows(ctx context.Context, fn func(rowID int64, row Row) (bool, error)) error {
	colNames := make([]string, len(t.columns))
	for i, c := range t.columns {
		colNames[i] = quoteIdent(c.Name)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s.%s`, strings.Join(colNames, ", "), quoteIdent(t.schema), quoteIdent(t.PrimaryName))

	rows, err := t.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to stream rows of %q: %w", t.PrimaryName, err)
	}
	defer rows.Close()

	values := make([]any, len(t.columns))
	ptrs := make([]any, len(t.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	var rowID int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("failed to scan row %d: %w", rowID, err)
		}
		row := make(Row, len(t.columns))
		for i, c := range t.columns {
			row[c.Name] = values[i]
		}
		cont, err := fn(rowID, row)
		if err != nil {
			return err
		}
		rowID++
		if !cont {
			break
		}
	}
	return rows.Err()
}

// Close releases the container handle.
func (t *Table) Close() error {
	return t.db.Close()
}
