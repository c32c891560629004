// Package store is the relational Result Store: four tables (identities,
// anchors, evidence, runs) written transactionally per run, queried
// read-only by pkg/query (spec §4.7, component C7).
//
// Two backends share this implementation: a local DuckDB file (the
// default) and a PostgreSQL URL, selected by the scheme of the
// configured location ("file://" or "postgres(ql)://").
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/forensictl/correlate/pkg/correlate"
	"github.com/forensictl/correlate/pkg/evidence"
)

// dialect distinguishes the small SQL syntax differences between the two
// backends (placeholder style, JSON column type).
type dialect string

const (
	dialectDuckDB   dialect = "duckdb"
	dialectPostgres dialect = "postgres"
)

// Store is a relational Result Store handle.
type Store struct {
	log     *slog.Logger
	db      *sql.DB
	dialect dialect
}

// Open connects to the Result Store named by location, a "file://" path
// (DuckDB, created if absent) or a "postgres://"/"postgresql://" URL.
func Open(ctx context.Context, log *slog.Logger, location string) (*Store, error) {
	var driver string
	var dsn string
	var d dialect

	switch {
	case strings.HasPrefix(location, "file://"):
		driver, dsn, d = "duckdb", strings.TrimPrefix(location, "file://"), dialectDuckDB
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		driver, dsn, d = "pgx", location, dialectPostgres
	default:
		return nil, fmt.Errorf("store: unsupported location %q (want file:// or postgres:// )", location)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %q: %w", location, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect to %q: %w", location, err)
	}

	s := &Store{log: log, db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the store's connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) jsonType() string {
	if s.dialect == dialectPostgres {
		return "JSONB"
	}
	return "JSON"
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			status TEXT,
			config_snapshot_json %s,
			counts_json %s,
			warnings_json %s
		)`, s.jsonType(), s.jsonType(), s.jsonType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS identities (
			identity_id TEXT PRIMARY KEY,
			identity_type TEXT,
			identity_value TEXT,
			primary_display_name TEXT,
			normalized_key TEXT,
			first_seen TIMESTAMP,
			last_seen TIMESTAMP,
			confidence DOUBLE PRECISION,
			match_method TEXT,
			artifacts_involved %s,
			run_id TEXT
		)`, s.jsonType()),
		`CREATE TABLE IF NOT EXISTS anchors (
			anchor_id TEXT PRIMARY KEY,
			identity_id TEXT,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			primary_artifact TEXT,
			primary_row_id BIGINT,
			primary_count INTEGER,
			secondary_count INTEGER,
			run_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anchors_identity_start ON anchors (identity_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_anchors_start_end ON anchors (start_time, end_time)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS evidence (
			evidence_id TEXT PRIMARY KEY,
			identity_id TEXT,
			anchor_id TEXT,
			artifact TEXT,
			source_table TEXT,
			row_id BIGINT,
			timestamp TIMESTAMP,
			role TEXT,
			has_anchor BOOLEAN,
			confidence DOUBLE PRECISION,
			match_method TEXT,
			raw_json %s,
			extracted_json %s,
			run_id TEXT
		)`, s.jsonType(), s.jsonType()),
		`CREATE INDEX IF NOT EXISTS idx_evidence_identity ON evidence (identity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_anchor ON evidence (anchor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_timestamp ON evidence (timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: failed to apply schema: %w", err)
		}
	}
	return nil
}

// Run is the run-level metadata persisted alongside one run's content
// rows (spec §3 Run Report, §4.7 runs table).
type Run struct {
	RunID          string
	StartedAt      time.Time
	EndedAt        time.Time
	Status         string
	ConfigSnapshot any
	Counts         map[string]int
	Warnings       []string
}

// WriteRun persists one run's Identities (with their Anchors and
// Evidence) and run record, all within a single transaction (spec §4.7:
// "writes are transactional per run, all-or-nothing at the run
// boundary"). Every failed attempt is retried with exponential backoff,
// whatever the error, until ctx is done or the backoff gives up; the last
// error is then returned and is fatal to the run (spec §7 StoreWriteError).
func (s *Store) WriteRun(ctx context.Context, run Run, identities []*correlate.Identity) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	operation := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := s.writeRunRow(ctx, tx, run); err != nil {
			return err
		}
		for _, id := range identities {
			if err := s.writeIdentity(ctx, tx, run.RunID, id); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: failed to commit run %s: %w", run.RunID, err)
		}
		return nil
	}

	if err := backoff.Retry(operation, b); err != nil {
		return fmt.Errorf("store: write failed for run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) writeRunRow(ctx context.Context, tx *sql.Tx, run Run) error {
	configJSON, err := json.Marshal(run.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("store: failed to marshal config snapshot: %w", err)
	}
	countsJSON, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("store: failed to marshal run counts: %w", err)
	}
	warningsJSON, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("store: failed to marshal run warnings: %w", err)
	}

	q := s.rebind(`INSERT INTO runs (run_id, started_at, ended_at, status, config_snapshot_json, counts_json, warnings_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, q, run.RunID, run.StartedAt, run.EndedAt, run.Status, string(configJSON), string(countsJSON), string(warningsJSON)); err != nil {
		return fmt.Errorf("store: failed to insert run row: %w", err)
	}
	return nil
}

func (s *Store) writeIdentity(ctx context.Context, tx *sql.Tx, runID string, id *correlate.Identity) error {
	artifacts := make([]string, 0, len(id.ArtifactsInvolved))
	for a := range id.ArtifactsInvolved {
		artifacts = append(artifacts, a)
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("store: failed to marshal artifacts_involved for %s: %w", id.IdentityID, err)
	}

	q := s.rebind(`INSERT INTO identities
		(identity_id, identity_type, identity_value, primary_display_name, normalized_key, first_seen, last_seen, confidence, match_method, artifacts_involved, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, q,
		id.IdentityID, string(id.IdentityType), id.IdentityValue, id.PrimaryDisplayName, id.NormalizedKey,
		nullableTime(id.FirstSeen), nullableTime(id.LastSeen), id.Confidence, id.MatchMethod, string(artifactsJSON), runID,
	); err != nil {
		return fmt.Errorf("store: failed to insert identity %s: %w", id.IdentityID, err)
	}

	for _, anchor := range id.Anchors {
		if err := s.writeAnchor(ctx, tx, runID, anchor); err != nil {
			return err
		}
	}
	for _, ev := range id.AllEvidence {
		if err := s.writeEvidence(ctx, tx, runID, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeAnchor(ctx context.Context, tx *sql.Tx, runID string, a *correlate.Anchor) error {
	q := s.rebind(`INSERT INTO anchors
		(anchor_id, identity_id, start_time, end_time, primary_artifact, primary_row_id, primary_count, secondary_count, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, q,
		a.AnchorID, a.IdentityRef, a.StartTime, a.EndTime, a.PrimaryArtifact, a.PrimaryRowID, a.PrimaryCount, a.SecondaryCount, runID,
	); err != nil {
		return fmt.Errorf("store: failed to insert anchor %s: %w", a.AnchorID, err)
	}
	return nil
}

func (s *Store) writeEvidence(ctx context.Context, tx *sql.Tx, runID string, ev *evidence.Evidence) error {
	rawJSON, err := json.Marshal(ev.Raw)
	if err != nil {
		return fmt.Errorf("store: failed to marshal raw fields: %w", err)
	}
	extractedJSON, err := json.Marshal(ev.Extracted)
	if err != nil {
		return fmt.Errorf("store: failed to marshal extracted fields: %w", err)
	}

	evidenceID := evidenceID(runID, ev)
	q := s.rebind(`INSERT INTO evidence
		(evidence_id, identity_id, anchor_id, artifact, source_table, row_id, timestamp, role, has_anchor, confidence, match_method, raw_json, extracted_json, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, q,
		evidenceID, ev.IdentityRef, nullableString(ev.AnchorRef), ev.Artifact, ev.SourceTable, ev.RowID,
		nullableTime(ev.Timestamp), string(ev.Role), ev.AnchorRef != "", ev.Confidence, ev.MatchMethod,
		string(rawJSON), string(extractedJSON), runID,
	); err != nil {
		return fmt.Errorf("store: failed to insert evidence for %s row %d: %w", ev.SourceTable, ev.RowID, err)
	}
	return nil
}

// evidenceID derives a stable id for an evidence row from its natural
// key, avoiding a dependency on random id generation for content that is
// otherwise a pure function of the inputs (spec §8 Determinism).
func evidenceID(runID string, ev *evidence.Evidence) string {
	return runID + ":" + ev.SourceTable + ":" + strconv.FormatInt(ev.RowID, 10)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rebind converts "?" placeholders to PostgreSQL's "$N" style when the
// backend is postgres; DuckDB accepts "?" natively.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB exposes the underlying connection for the Query Interface, which
// opens its own read-only operations against the same store (spec §5:
// "writer and readers do not overlap within a run").
func (s *Store) DB() *sql.DB { return s.db }

// Query runs a read-only query, rebinding "?" placeholders for the
// active backend dialect.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// QueryRow runs a read-only single-row query, rebinding placeholders.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}
