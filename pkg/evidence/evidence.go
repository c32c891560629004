// Package evidence turns table rows into Evidence records, the atomic
// unit the Correlation Engine groups into Identities and Anchors
// (spec §3, §4.5, component C5).
package evidence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/forensictl/correlate/pkg/detect"
	"github.com/forensictl/correlate/pkg/identity"
	"github.com/forensictl/correlate/pkg/tstamp"
)

// SemanticTag is one annotation a Semantic Annotator may attach to an
// Evidence record; the Evidence Builder and Correlation Engine never
// branch on its content, only store it verbatim (spec §6).
type SemanticTag struct {
	Category   string
	Meaning    string
	Severity   string
	Confidence float64
	Source     string
}

// Role is an Evidence record's position within its Anchor.
type Role string

const (
	RolePrimary    Role = "primary"
	RoleSecondary  Role = "secondary"
	RoleSupporting Role = "supporting"
)

// Fields is the small map of canonical values the Identity Extractor
// sourced from a row.
type Fields struct {
	Name    string
	Path    string
	Hash    string
	Display string
}

// Evidence is a reference to one row in one input table (spec §3). It is
// built in the "unassigned" state: no anchor, role defaulted to
// secondary (or supporting if it carries no timestamp). The Correlation
// Engine assigns AnchorRef and IdentityRef and may demote/promote Role.
type Evidence struct {
	Artifact    string
	SourceTable string
	RowID       int64
	Timestamp   *time.Time
	Extracted   Fields
	Raw         map[string]any
	Role        Role
	AnchorRef   string
	IdentityKey string // normalized name; resolved to an Identity by the Correlation Engine
	IdentityRef string // identity_id, set once the Correlation Engine forms Identities
	Confidence  float64
	MatchMethod string
	// SemanticData holds whatever a Semantic Annotator returned for this
	// Evidence, verbatim. Nil when no Annotator is configured.
	SemanticData []SemanticTag
}

// Failure records one row that produced no usable identity, sampled for
// the Run Report (spec §4.5, §7 ExtractionFailure).
type Failure struct {
	RowID   int64
	Preview string
}

// Summary accumulates extraction outcomes for one source table.
type Summary struct {
	RowsRead        int
	Built           int
	ExtractionFails int
	Samples         []Failure
}

// Builder constructs Evidence from rows of a single source table. One
// Builder is used per table; failure samples are therefore scoped per
// source without needing synchronization across concurrent table
// ingestion.
type Builder struct {
	artifact    string
	sourceTable string
	extractor   *identity.Extractor
	parser      *tstamp.Parser
	assignment  detect.Assignment
	sampleLimit int

	summary Summary
}

// Config controls Builder construction.
type Config struct {
	Artifact    string
	SourceTable string
	Extractor   *identity.Extractor
	Parser      *tstamp.Parser
	Assignment  detect.Assignment
	// SampleLimit bounds how many failing-row previews are retained for
	// diagnostics; default 5.
	SampleLimit int
}

// NewBuilder constructs a Builder for one source table.
func NewBuilder(cfg Config) *Builder {
	limit := cfg.SampleLimit
	if limit <= 0 {
		limit = 5
	}
	return &Builder{
		artifact:    cfg.Artifact,
		sourceTable: cfg.SourceTable,
		extractor:   cfg.Extractor,
		parser:      cfg.Parser,
		assignment:  cfg.Assignment,
		sampleLimit: limit,
	}
}

// Build extracts, parses, and assembles one Evidence record from row. ok
// is false when the row yields no usable identity: no name, even after
// deriving one from the path (a row carrying only a hash, or a path with
// no filename component, has none). Such rows are dropped and counted as
// extraction failures.
func (b *Builder) Build(rowID int64, row map[string]any) (Evidence, bool) {
	b.summary.RowsRead++

	extracted, ok := b.extractor.Extract(b.artifact, row, b.assignment)
	if !ok {
		b.summary.ExtractionFails++
		if len(b.summary.Samples) < b.sampleLimit {
			b.summary.Samples = append(b.summary.Samples, Failure{
				RowID:   rowID,
				Preview: previewRow(row),
			})
		}
		return Evidence{}, false
	}

	var ts *time.Time
	var confidence float64 = 1.0
	if raw, ok := firstTimestampValue(row, b.assignment.Timestamp); ok {
		if parsed, ok := b.parser.Parse(raw); ok {
			t := parsed
			ts = &t
		}
	}

	role := RoleSecondary
	if ts == nil {
		role = RoleSupporting
		confidence = 0.6
	}

	ev := Evidence{
		Artifact:    b.artifact,
		SourceTable: b.sourceTable,
		RowID:       rowID,
		Timestamp:   ts,
		Extracted: Fields{
			Name:    extracted.Name,
			Path:    extracted.Path,
			Hash:    extracted.Hash,
			Display: extracted.Display,
		},
		Raw:         row,
		Role:        role,
		IdentityKey: extracted.IdentityKey,
		Confidence:  confidence,
		MatchMethod: extracted.MatchMethod,
	}

	b.summary.Built++
	return ev, true
}

// Summary returns the accumulated outcome counters for this table.
func (b *Builder) Summary() Summary {
	return b.summary
}

func firstTimestampValue(row map[string]any, columns []string) (any, bool) {
	for _, col := range columns {
		if v, ok := row[col]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// previewRow renders a short, stable "field=value" preview of a failing
// row for diagnostic sampling.
func previewRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for i, k := range keys {
		if i >= 4 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
	}
	return strings.Join(parts, ", ")
}
