// Package pipeline is the Pipeline Driver (spec §4.10, component C10):
// it sequences a run across many input tables through the Table
// Reader, Column Detector, Evidence Builder, and Correlation Engine,
// then flushes once to the Result Store under a single run record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/forensictl/correlate/pkg/config"
	"github.com/forensictl/correlate/pkg/correlate"
	"github.com/forensictl/correlate/pkg/detect"
	"github.com/forensictl/correlate/pkg/evidence"
	"github.com/forensictl/correlate/pkg/identity"
	"github.com/forensictl/correlate/pkg/metrics"
	"github.com/forensictl/correlate/pkg/store"
	"github.com/forensictl/correlate/pkg/table"
	"github.com/forensictl/correlate/pkg/tstamp"
)

// ErrorKind closes the error taxonomy of spec §7 so the Run Report can
// count occurrences by kind without string matching.
type ErrorKind string

const (
	KindInvalidSource          ErrorKind = "InvalidSource"
	KindNoDataTables           ErrorKind = "NoDataTables"
	KindEmptyPrimaryTable      ErrorKind = "EmptyPrimaryTable"
	KindSchemaDetectionFailure ErrorKind = "SchemaDetectionFailure"
	KindExtractionFailure      ErrorKind = "ExtractionFailure"
	KindParseFailure           ErrorKind = "ParseFailure"
	KindStoreWriteError        ErrorKind = "StoreWriteError"
	KindCancelled              ErrorKind = "Cancelled"
)

// Status values for the Run Report (spec §3).
const (
	StatusCompleted = "Completed"
	StatusCancelled = "Cancelled"
	StatusFailed    = "Failed"
)

// ProgressObserver is the collaborator interface of spec §6: the core
// publishes run lifecycle events; it never branches on what a subscriber
// does with them. A nil Observer in Config is replaced with NoopObserver.
type ProgressObserver interface {
	RunStarted(runID string)
	TableStarted(tableID string, estimatedRows int64)
	TableProgressed(tableID string, processed, total int64)
	TableFinished(tableID string, summary evidence.Summary)
	PhaseStarted(phase string)
	RunFinished(status string, report RunReport)
}

// NoopObserver implements ProgressObserver with no behavior, the default
// when a run has no subscriber.
type NoopObserver struct{}

func (NoopObserver) RunStarted(string)                      {}
func (NoopObserver) TableStarted(string, int64)             {}
func (NoopObserver) TableProgressed(string, int64, int64)   {}
func (NoopObserver) TableFinished(string, evidence.Summary) {}
func (NoopObserver) PhaseStarted(string)                    {}
func (NoopObserver) RunFinished(string, RunReport)          {}

// SemanticAnnotator is the collaborator interface of spec §6: given a
// built Evidence record, it returns tags the driver stores verbatim on
// evidence.Evidence.SemanticData and never branches on.
type SemanticAnnotator interface {
	Annotate(ev *evidence.Evidence) []evidence.SemanticTag
}

// ScoringPolicy is the collaborator interface of spec §6: given a
// finalized Identity, it returns a result the driver stores verbatim on
// correlate.Identity.Scoring and never consumes.
type ScoringPolicy interface {
	Score(id *correlate.Identity, weights map[string]float64) correlate.ScoringResult
}

// RunReport is the per-execution summary of spec §3.
type RunReport struct {
	RunID                 string
	StartedAt             time.Time
	EndedAt               time.Time
	Duration              time.Duration
	IdentityCount         int
	AnchorCount           int
	EvidenceCount         int
	IdentitiesByType      map[string]int
	EvidenceByRole        map[string]int
	EvidenceWithAnchor    int
	EvidenceWithoutAnchor int
	ArtifactsProcessed    []string
	Warnings              []string
	ErrorCounts           map[ErrorKind]int
	Status                string
	StoreLocation         string
}

// Config controls Driver construction. Logger and Clock are threaded
// explicitly; there are no package-level globals (spec §9).
type Config struct {
	Config   *config.Config
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Observer ProgressObserver
	Metrics  *metrics.Metrics
	// Annotator, if set, is invoked once per built Evidence record
	// (spec §6). Nil leaves evidence.Evidence.SemanticData unset.
	Annotator SemanticAnnotator
	// Scorer, if set, is invoked once per finalized Identity (spec §6).
	// Nil leaves correlate.Identity.Scoring at its zero value.
	Scorer ScoringPolicy
	// WallClockTimeout, if non-zero, triggers cancellation once exceeded
	// (spec §5: "the driver may impose a run-wide wall-clock bound").
	WallClockTimeout time.Duration
}

// Driver sequences one run: C1 -> C2 -> C5 (fed by C3/C4) -> C6 -> C7.
type Driver struct {
	cfg       *config.Config
	log       *slog.Logger
	clock     clockwork.Clock
	observer  ProgressObserver
	metrics   *metrics.Metrics
	annotator SemanticAnnotator
	scorer    ScoringPolicy
	timeout   time.Duration
}

// NewDriver constructs a Driver from cfg, applying documented defaults.
func NewDriver(cfg Config) *Driver {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NoopObserver{}
	}
	return &Driver{
		cfg:       cfg.Config,
		log:       log,
		clock:     clock,
		observer:  observer,
		metrics:   cfg.Metrics,
		annotator: cfg.Annotator,
		scorer:    cfg.Scorer,
		timeout:   cfg.WallClockTimeout,
	}
}

// sourceOutcome is what one source table ingestion produced, reported
// back to the single-writer correlation stage.
type sourceOutcome struct {
	artifact string
	tableID  string
	evidence []*evidence.Evidence
	summary  evidence.Summary
	warnings []string
	errKind  ErrorKind // set when the source was aborted
	err      error
}

// Source names one input container and the artifact tag its primary
// table should be classified under.
type Source struct {
	Path     string
	Artifact string
}

// Run executes one end-to-end pipeline run over sources, writing results
// to storeLocation (spec §4.10).
func (d *Driver) Run(ctx context.Context, sources []Source, storeLocation string) (*RunReport, error) {
	runID := uuid.NewString()
	startedAt := d.clock.Now().UTC()
	d.observer.RunStarted(runID)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	detector, err := detect.New(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: failed to construct column detector: %w", err)
	}
	extractor := identity.New()
	parser := tstamp.New(tstamp.Config{
		CustomLayouts: d.cfg.CustomTimeLayouts,
		SubstituteNow: d.cfg.SubstituteNow,
		Clock:         d.clock,
	})

	engine := correlate.New(correlate.Config{
		Window:           d.cfg.AnchorWindow(),
		ArtifactPriority: d.cfg.ArtifactPriority,
	})

	d.observer.PhaseStarted("ingest")
	outcomes := d.ingest(ctx, sources, detector, extractor, parser)

	errorCounts := map[ErrorKind]int{}
	var warnings []string
	var artifacts []string
	seenArtifacts := map[string]bool{}

	for _, outcome := range outcomes {
		if outcome.errKind != "" {
			errorCounts[outcome.errKind]++
			warnings = append(warnings, fmt.Sprintf("%s: %v", outcome.tableID, outcome.err))
			continue
		}
		if !seenArtifacts[outcome.artifact] {
			seenArtifacts[outcome.artifact] = true
			artifacts = append(artifacts, outcome.artifact)
		}
		errorCounts[KindExtractionFailure] += outcome.summary.ExtractionFails
		warnings = append(warnings, outcome.warnings...)

		for _, ev := range outcome.evidence {
			engine.Add(ev)
		}
		d.observer.TableFinished(outcome.tableID, outcome.summary)
	}

	d.observer.PhaseStarted("correlate")
	result := engine.Finalize(ctx)
	if result.Cancelled {
		errorCounts[KindCancelled]++
	}

	if d.scorer != nil {
		for _, id := range result.Identities {
			id.Scoring = d.scorer.Score(id, d.cfg.ScoringWeights)
		}
	}

	report := d.buildReport(runID, startedAt, result, artifacts, warnings, errorCounts, storeLocation)

	d.observer.PhaseStarted("persist")
	s, err := store.Open(ctx, d.log, storeLocation)
	if err != nil {
		report.Status = StatusFailed
		return report, fmt.Errorf("pipeline: failed to open result store: %w", err)
	}
	defer s.Close()

	writeStart := d.clock.Now()
	runRow := store.Run{
		RunID:          runID,
		StartedAt:      startedAt,
		EndedAt:        report.EndedAt,
		Status:         report.Status,
		ConfigSnapshot: d.cfg,
		Counts: map[string]int{
			"identities": report.IdentityCount,
			"anchors":    report.AnchorCount,
			"evidence":   report.EvidenceCount,
		},
		Warnings: report.Warnings,
	}
	if err := s.WriteRun(ctx, runRow, result.Identities); err != nil {
		errorCounts[KindStoreWriteError]++
		report.Status = StatusFailed
		return report, fmt.Errorf("pipeline: %w", err)
	}
	if d.metrics != nil {
		d.metrics.StoreWriteSeconds.Observe(d.clock.Since(writeStart).Seconds())
		d.metrics.IdentitiesFormed.Set(float64(report.IdentityCount))
		d.metrics.AnchorsSealed.Set(float64(report.AnchorCount))
	}

	d.observer.RunFinished(report.Status, *report)
	return report, nil
}

// ingest fans out across sources with bounded parallelism (spec §5:
// ingestion may run as bounded parallel workers while correlation stays
// single-writer), collecting each source's built Evidence for the
// correlation stage that follows.
func (d *Driver) ingest(ctx context.Context, sources []Source, detector *detect.Detector, extractor *identity.Extractor, parser *tstamp.Parser) []sourceOutcome {
	maxConcurrency := d.cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	pool := pond.NewResultPool[sourceOutcome](maxConcurrency)
	group := pool.NewGroupContext(ctx)

	for _, src := range sources {
		src := src
		group.SubmitErr(func() (sourceOutcome, error) {
			return d.ingestOne(ctx, src, detector, extractor, parser), nil
		})
	}

	outcomes, _ := group.Wait() // SubmitErr tasks never return an error here; outcomes carry their own errKind.
	return outcomes
}

func (d *Driver) ingestOne(ctx context.Context, src Source, detector *detect.Detector, extractor *identity.Extractor, parser *tstamp.Parser) sourceOutcome {
	override := d.cfg.PrimaryTableOverride[src.Path]

	t, err := table.Open(ctx, d.log, src.Path, override)
	if err != nil {
		return d.classifyOpenError(src, err)
	}
	defer t.Close()

	d.observer.TableStarted(t.PrimaryName, t.RowCount())

	columns := make([]string, len(t.Columns()))
	for i, c := range t.Columns() {
		columns[i] = c.Name
	}
	assignment, warnings := detector.Detect(src.Artifact, t.PrimaryName, columns)
	if len(assignment.Name) == 0 && len(assignment.Path) == 0 {
		warnings = append(warnings, fmt.Sprintf("%s: no name or path columns detected", t.PrimaryName))
	}

	builder := evidence.NewBuilder(evidence.Config{
		Artifact:    src.Artifact,
		SourceTable: t.PrimaryName,
		Extractor:   extractor,
		Parser:      parser,
		Assignment:  assignment,
	})

	var built []*evidence.Evidence
	var processed int64
	total := t.RowCount()

	err = t.Rows(ctx, func(rowID int64, row table.Row) (bool, error) {
		if ev, ok := builder.Build(rowID, row); ok {
			if d.annotator != nil {
				ev.SemanticData = d.annotator.Annotate(&ev)
			}
			built = append(built, &ev)
		}
		processed++
		if processed%1000 == 0 {
			d.observer.TableProgressed(t.PrimaryName, processed, total)
		}
		return true, nil
	})
	if err != nil {
		return sourceOutcome{tableID: t.PrimaryName, artifact: src.Artifact, errKind: KindInvalidSource, err: err}
	}

	if d.metrics != nil {
		d.metrics.RowsRead.Add(float64(builder.Summary().RowsRead))
		d.metrics.EvidenceExtracted.Add(float64(builder.Summary().Built))
		d.metrics.ExtractionFailed.Add(float64(builder.Summary().ExtractionFails))
	}

	return sourceOutcome{
		artifact: src.Artifact,
		tableID:  t.PrimaryName,
		evidence: built,
		summary:  builder.Summary(),
		warnings: warnings,
	}
}

func (d *Driver) classifyOpenError(src Source, err error) sourceOutcome {
	kind := KindInvalidSource
	switch {
	case errors.Is(err, table.ErrNoDataTables):
		kind = KindNoDataTables
	case errors.Is(err, table.ErrEmptyPrimaryTable):
		kind = KindEmptyPrimaryTable
	}
	return sourceOutcome{tableID: src.Path, artifact: src.Artifact, errKind: kind, err: err}
}

func (d *Driver) buildReport(runID string, startedAt time.Time, result *correlate.Result, artifacts, warnings []string, errorCounts map[ErrorKind]int, storeLocation string) *RunReport {
	endedAt := d.clock.Now().UTC()

	identitiesByType := map[string]int{}
	evidenceByRole := map[string]int{}
	anchorCount := 0
	evidenceCount := 0
	withAnchor := 0
	withoutAnchor := 0

	for _, id := range result.Identities {
		identitiesByType[string(id.IdentityType)]++
		anchorCount += len(id.Anchors)
		for _, ev := range id.AllEvidence {
			evidenceCount++
			evidenceByRole[string(ev.Role)]++
			if ev.AnchorRef != "" {
				withAnchor++
			} else {
				withoutAnchor++
			}
		}
	}

	status := StatusCompleted
	if result.Cancelled {
		status = StatusCancelled
	}

	return &RunReport{
		RunID:                 runID,
		StartedAt:             startedAt,
		EndedAt:               endedAt,
		Duration:              endedAt.Sub(startedAt),
		IdentityCount:         len(result.Identities),
		AnchorCount:           anchorCount,
		EvidenceCount:         evidenceCount,
		IdentitiesByType:      identitiesByType,
		EvidenceByRole:        evidenceByRole,
		EvidenceWithAnchor:    withAnchor,
		EvidenceWithoutAnchor: withoutAnchor,
		ArtifactsProcessed:    artifacts,
		Warnings:              warnings,
		ErrorCounts:           errorCounts,
		Status:                status,
		StoreLocation:         storeLocation,
	}
}
