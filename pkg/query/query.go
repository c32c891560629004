// Package query is the read-only Query Interface over the Result Store:
// filtered/paginated identity queries, aggregates, and single-identity
// lookup with its full evidence tree (spec §4.8, component C8).
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forensictl/correlate/pkg/store"
)

// Filter narrows a QueryIdentities call (spec §4.8 operation 1).
type Filter struct {
	// TimeRangeStart/TimeRangeEnd, when both set, keep only identities with
	// at least one anchor intersecting [TimeRangeStart, TimeRangeEnd].
	TimeRangeStart *time.Time
	TimeRangeEnd   *time.Time
	// IdentityType, when non-empty, restricts to that identity_type.
	IdentityType string
	// ValueSubstring, when non-empty, is matched case-insensitively against
	// identity_value.
	ValueSubstring string
	// ConfidenceFloor is the minimum identity confidence to include.
	ConfidenceFloor float64
}

// Page requests one page of results.
type Page struct {
	Page     int
	PageSize int
}

func (p Page) normalized() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 50
	}
	return p
}

// PageResult is the pagination envelope of spec §4.8 operation 4.
type PageResult struct {
	Page        int
	PageSize    int
	TotalCount  int
	TotalPages  int
	HasNext     bool
	HasPrevious bool
}

// EvidenceView is one evidence row as returned to a query caller.
type EvidenceView struct {
	EvidenceID  string
	Artifact    string
	SourceTable string
	RowID       int64
	Timestamp   *time.Time
	Role        string
	Confidence  float64
	MatchMethod string
	Extracted   map[string]any
	Raw         map[string]any
}

// AnchorView is one anchor with its member evidence.
type AnchorView struct {
	AnchorID        string
	StartTime       time.Time
	EndTime         time.Time
	PrimaryArtifact string
	PrimaryRowID    int64
	PrimaryCount    int
	SecondaryCount  int
	Evidence        []EvidenceView
}

// IdentityView is one identity with its anchors (filtered to those
// intersecting a requested time range) and supporting evidence.
type IdentityView struct {
	IdentityID         string
	IdentityType       string
	IdentityValue      string
	PrimaryDisplayName string
	NormalizedKey      string
	FirstSeen          *time.Time
	LastSeen           *time.Time
	Confidence         float64
	MatchMethod        string
	ArtifactsInvolved  []string
	Anchors            []AnchorView
	SupportingEvidence []EvidenceView
}

// Aggregates is the output of operation 3.
type Aggregates struct {
	CountByArtifact     map[string]int
	CountByRole         map[string]int
	CountByIdentityType map[string]int
	EarliestTimestamp   *time.Time
	LatestTimestamp     *time.Time
}

// Interface is the Query Interface, bound to one run's Result Store.
type Interface struct {
	store *store.Store
	runID string
}

// New constructs a query Interface scoped to one run's persisted rows.
func New(s *store.Store, runID string) *Interface {
	return &Interface{store: s, runID: runID}
}

// QueryIdentities implements spec §4.8 operation 1: filtered, paginated
// identities with their anchors and evidence. An identity whose anchors
// are entirely filtered out by the time range is omitted, unless no time
// range was requested.
func (q *Interface) QueryIdentities(ctx context.Context, filter Filter, page Page) ([]IdentityView, PageResult, error) {
	page = page.normalized()

	where := []string{"run_id = ?"}
	args := []any{q.runID}

	if filter.IdentityType != "" {
		where = append(where, "identity_type = ?")
		args = append(args, filter.IdentityType)
	}
	if filter.ValueSubstring != "" {
		where = append(where, "lower(identity_value) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.ValueSubstring)+"%")
	}
	if filter.ConfidenceFloor > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, filter.ConfidenceFloor)
	}

	countQuery := fmt.Sprintf("SELECT count(*) FROM identities WHERE %s", strings.Join(where, " AND "))
	var total int
	if err := q.store.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, PageResult{}, fmt.Errorf("query: failed to count identities: %w", err)
	}

	listQuery := fmt.Sprintf(
		"SELECT identity_id, identity_type, identity_value, primary_display_name, normalized_key, first_seen, last_seen, confidence, match_method, artifacts_involved FROM identities WHERE %s ORDER BY normalized_key LIMIT ? OFFSET ?",
		strings.Join(where, " AND "),
	)
	listArgs := append(append([]any{}, args...), page.PageSize, (page.Page-1)*page.PageSize)

	rows, err := q.store.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, PageResult{}, fmt.Errorf("query: failed to list identities: %w", err)
	}
	defer rows.Close()

	var views []IdentityView
	for rows.Next() {
		v, err := scanIdentity(rows)
		if err != nil {
			return nil, PageResult{}, err
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, PageResult{}, fmt.Errorf("query: error listing identities: %w", err)
	}

	for i := range views {
		anchors, err := q.anchorsForIdentity(ctx, views[i].IdentityID, filter.TimeRangeStart, filter.TimeRangeEnd)
		if err != nil {
			return nil, PageResult{}, err
		}
		views[i].Anchors = anchors

		supporting, err := q.supportingEvidence(ctx, views[i].IdentityID)
		if err != nil {
			return nil, PageResult{}, err
		}
		views[i].SupportingEvidence = supporting
	}

	if filter.TimeRangeStart != nil && filter.TimeRangeEnd != nil {
		filtered := views[:0]
		for _, v := range views {
			if len(v.Anchors) > 0 {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}

	totalPages := (total + page.PageSize - 1) / page.PageSize
	if totalPages == 0 {
		totalPages = 1
	}
	result := PageResult{
		Page:        page.Page,
		PageSize:    page.PageSize,
		TotalCount:  total,
		TotalPages:  totalPages,
		HasNext:     page.Page < totalPages,
		HasPrevious: page.Page > 1,
	}
	return views, result, nil
}

// GetIdentity implements spec §4.8 operation 2: one identity with all of
// its evidence, anchored evidence grouped by anchor plus supporting
// evidence.
func (q *Interface) GetIdentity(ctx context.Context, identityID string) (*IdentityView, error) {
	row := q.store.QueryRow(ctx, `SELECT identity_id, identity_type, identity_value, primary_display_name, normalized_key, first_seen, last_seen, confidence, match_method, artifacts_involved
		FROM identities WHERE identity_id = ? AND run_id = ?`, identityID, q.runID)

	v, err := scanIdentityRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("query: identity %s not found: %w", identityID, err)
		}
		return nil, fmt.Errorf("query: failed to get identity %s: %w", identityID, err)
	}

	anchors, err := q.anchorsForIdentity(ctx, v.IdentityID, nil, nil)
	if err != nil {
		return nil, err
	}
	v.Anchors = anchors

	supporting, err := q.supportingEvidence(ctx, v.IdentityID)
	if err != nil {
		return nil, err
	}
	v.SupportingEvidence = supporting

	return &v, nil
}

// Aggregates implements spec §4.8 operation 3.
func (q *Interface) Aggregates(ctx context.Context) (Aggregates, error) {
	agg := Aggregates{
		CountByArtifact:     map[string]int{},
		CountByRole:         map[string]int{},
		CountByIdentityType: map[string]int{},
	}

	rows, err := q.store.Query(ctx, `SELECT artifact, count(*) FROM evidence WHERE run_id = ? GROUP BY artifact`, q.runID)
	if err != nil {
		return agg, fmt.Errorf("query: failed to aggregate by artifact: %w", err)
	}
	if err := scanCounts(rows, agg.CountByArtifact); err != nil {
		return agg, err
	}

	rows, err = q.store.Query(ctx, `SELECT role, count(*) FROM evidence WHERE run_id = ? GROUP BY role`, q.runID)
	if err != nil {
		return agg, fmt.Errorf("query: failed to aggregate by role: %w", err)
	}
	if err := scanCounts(rows, agg.CountByRole); err != nil {
		return agg, err
	}

	rows, err = q.store.Query(ctx, `SELECT identity_type, count(*) FROM identities WHERE run_id = ? GROUP BY identity_type`, q.runID)
	if err != nil {
		return agg, fmt.Errorf("query: failed to aggregate by identity type: %w", err)
	}
	if err := scanCounts(rows, agg.CountByIdentityType); err != nil {
		return agg, err
	}

	var earliest, latest sql.NullTime
	err = q.store.QueryRow(ctx, `SELECT min(timestamp), max(timestamp) FROM evidence WHERE run_id = ? AND timestamp IS NOT NULL`, q.runID).Scan(&earliest, &latest)
	if err != nil {
		return agg, fmt.Errorf("query: failed to compute timestamp bounds: %w", err)
	}
	if earliest.Valid {
		agg.EarliestTimestamp = &earliest.Time
	}
	if latest.Valid {
		agg.LatestTimestamp = &latest.Time
	}

	return agg, nil
}

func scanCounts(rows *sql.Rows, into map[string]int) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("query: failed to scan aggregate row: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

// anchorsForIdentity returns identityID's anchors, filtered to those
// intersecting [start, end] when both are set. Filter semantics (spec
// §4.8): an anchor [s, e] matches [S, E] iff s <= E and e >= S.
func (q *Interface) anchorsForIdentity(ctx context.Context, identityID string, start, end *time.Time) ([]AnchorView, error) {
	query := `SELECT anchor_id, start_time, end_time, primary_artifact, primary_row_id, primary_count, secondary_count
		FROM anchors WHERE identity_id = ?`
	args := []any{identityID}
	if start != nil && end != nil {
		query += ` AND start_time <= ? AND end_time >= ?`
		args = append(args, *end, *start)
	}
	query += ` ORDER BY start_time`

	rows, err := q.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: failed to list anchors for %s: %w", identityID, err)
	}
	defer rows.Close()

	var anchors []AnchorView
	for rows.Next() {
		var a AnchorView
		if err := rows.Scan(&a.AnchorID, &a.StartTime, &a.EndTime, &a.PrimaryArtifact, &a.PrimaryRowID, &a.PrimaryCount, &a.SecondaryCount); err != nil {
			return nil, fmt.Errorf("query: failed to scan anchor: %w", err)
		}
		anchors = append(anchors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: error listing anchors: %w", err)
	}

	for i := range anchors {
		evs, err := q.evidenceForAnchor(ctx, anchors[i].AnchorID)
		if err != nil {
			return nil, err
		}
		anchors[i].Evidence = evs
	}
	return anchors, nil
}

func (q *Interface) evidenceForAnchor(ctx context.Context, anchorID string) ([]EvidenceView, error) {
	rows, err := q.store.Query(ctx, `SELECT evidence_id, artifact, source_table, row_id, timestamp, role, confidence, match_method, raw_json, extracted_json
		FROM evidence WHERE anchor_id = ? ORDER BY timestamp, source_table, row_id`, anchorID)
	if err != nil {
		return nil, fmt.Errorf("query: failed to list evidence for anchor %s: %w", anchorID, err)
	}
	return scanEvidenceRows(rows)
}

func (q *Interface) supportingEvidence(ctx context.Context, identityID string) ([]EvidenceView, error) {
	rows, err := q.store.Query(ctx, `SELECT evidence_id, artifact, source_table, row_id, timestamp, role, confidence, match_method, raw_json, extracted_json
		FROM evidence WHERE identity_id = ? AND anchor_id IS NULL ORDER BY source_table, row_id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("query: failed to list supporting evidence for %s: %w", identityID, err)
	}
	return scanEvidenceRows(rows)
}

func scanEvidenceRows(rows *sql.Rows) ([]EvidenceView, error) {
	defer rows.Close()
	var out []EvidenceView
	for rows.Next() {
		var v EvidenceView
		var ts sql.NullTime
		var rawJSON, extractedJSON string
		if err := rows.Scan(&v.EvidenceID, &v.Artifact, &v.SourceTable, &v.RowID, &ts, &v.Role, &v.Confidence, &v.MatchMethod, &rawJSON, &extractedJSON); err != nil {
			return nil, fmt.Errorf("query: failed to scan evidence: %w", err)
		}
		if ts.Valid {
			v.Timestamp = &ts.Time
		}
		if rawJSON != "" {
			_ = json.Unmarshal([]byte(rawJSON), &v.Raw)
		}
		if extractedJSON != "" {
			_ = json.Unmarshal([]byte(extractedJSON), &v.Extracted)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanIdentity(rows *sql.Rows) (IdentityView, error) {
	var v IdentityView
	var firstSeen, lastSeen sql.NullTime
	var artifactsJSON string
	if err := rows.Scan(&v.IdentityID, &v.IdentityType, &v.IdentityValue, &v.PrimaryDisplayName, &v.NormalizedKey, &firstSeen, &lastSeen, &v.Confidence, &v.MatchMethod, &artifactsJSON); err != nil {
		return v, fmt.Errorf("query: failed to scan identity: %w", err)
	}
	if firstSeen.Valid {
		v.FirstSeen = &firstSeen.Time
	}
	if lastSeen.Valid {
		v.LastSeen = &lastSeen.Time
	}
	if artifactsJSON != "" {
		_ = json.Unmarshal([]byte(artifactsJSON), &v.ArtifactsInvolved)
	}
	return v, nil
}

func scanIdentityRow(row *sql.Row) (IdentityView, error) {
	var v IdentityView
	var firstSeen, lastSeen sql.NullTime
	var artifactsJSON string
	if err := row.Scan(&v.IdentityID, &v.IdentityType, &v.IdentityValue, &v.PrimaryDisplayName, &v.NormalizedKey, &firstSeen, &lastSeen, &v.Confidence, &v.MatchMethod, &artifactsJSON); err != nil {
		return v, err
	}
	if firstSeen.Valid {
		v.FirstSeen = &firstSeen.Time
	}
	if lastSeen.Valid {
		v.LastSeen = &lastSeen.Time
	}
	if artifactsJSON != "" {
		_ = json.Unmarshal([]byte(artifactsJSON), &v.ArtifactsInvolved)
	}
	return v, nil
}
