package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/forensictl/correlate/pkg/config"
	"github.com/forensictl/correlate/pkg/correlate"
	"github.com/forensictl/correlate/pkg/evidence"
	"github.com/forensictl/correlate/pkg/identity"
	"github.com/forensictl/correlate/pkg/table"
)

func TestNoopObserverSatisfiesInterface(t *testing.T) {
	var _ ProgressObserver = NoopObserver{}
}

func TestClassifyOpenErrorMapsSentinels(t *testing.T) {
	d := &Driver{}

	out := d.classifyOpenError(Source{Path: "x.db", Artifact: "prefetch"}, table.ErrNoDataTables)
	require.Equal(t, KindNoDataTables, out.errKind)

	out = d.classifyOpenError(Source{Path: "x.db", Artifact: "prefetch"}, table.ErrEmptyPrimaryTable)
	require.Equal(t, KindEmptyPrimaryTable, out.errKind)

	out = d.classifyOpenError(Source{Path: "x.db", Artifact: "prefetch"}, errors.New("boom"))
	require.Equal(t, KindInvalidSource, out.errKind)
}

func TestBuildReportCountsByTypeAndRole(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &Driver{clock: clock}

	ts := clock.Now()
	primaryEv := &evidence.Evidence{Role: evidence.RolePrimary, AnchorRef: "a1"}
	secondaryEv := &evidence.Evidence{Role: evidence.RoleSecondary, AnchorRef: "a1"}
	supportingEv := &evidence.Evidence{Role: evidence.RoleSupporting}

	id := &correlate.Identity{
		IdentityID:   "id-1",
		IdentityType: identity.TypeName,
		Anchors:      []*correlate.Anchor{{AnchorID: "a1", StartTime: ts, EndTime: ts}},
		AllEvidence:  []*evidence.Evidence{primaryEv, secondaryEv, supportingEv},
	}
	result := &correlate.Result{Identities: []*correlate.Identity{id}}

	report := d.buildReport("run-1", ts, result, []string{"prefetch"}, nil, map[ErrorKind]int{}, "file:///tmp/x.duckdb")

	require.Equal(t, 1, report.IdentityCount)
	require.Equal(t, 1, report.AnchorCount)
	require.Equal(t, 3, report.EvidenceCount)
	require.Equal(t, 1, report.IdentitiesByType[string(identity.TypeName)])
	require.Equal(t, 1, report.EvidenceByRole[string(evidence.RolePrimary)])
	require.Equal(t, 2, report.EvidenceWithAnchor)
	require.Equal(t, 1, report.EvidenceWithoutAnchor)
	require.Equal(t, StatusCompleted, report.Status)
}

func TestBuildReportMarksCancelledStatus(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	d := &Driver{clock: clock}

	result := &correlate.Result{Cancelled: true}
	report := d.buildReport("run-1", clock.Now(), result, nil, nil, map[ErrorKind]int{}, "file:///tmp/x.duckdb")

	require.Equal(t, StatusCancelled, report.Status)
}

type fakeAnnotator struct{}

func (fakeAnnotator) Annotate(ev *evidence.Evidence) []evidence.SemanticTag {
	return []evidence.SemanticTag{{Category: "test", Meaning: "synthetic", Source: "fakeAnnotator"}}
}

type fakeScorer struct{}

func (fakeScorer) Score(id *correlate.Identity, weights map[string]float64) correlate.ScoringResult {
	return correlate.ScoringResult{Score: 1, Tier: "high", Interpretation: "synthetic"}
}

func TestNewDriverWiresAnnotatorAndScorer(t *testing.T) {
	d := NewDriver(Config{
		Config:    &config.Config{},
		Annotator: fakeAnnotator{},
		Scorer:    fakeScorer{},
	})

	require.NotNil(t, d.annotator)
	require.NotNil(t, d.scorer)

	ev := evidence.Evidence{}
	tags := d.annotator.Annotate(&ev)
	require.Equal(t, []evidence.SemanticTag{{Category: "test", Meaning: "synthetic", Source: "fakeAnnotator"}}, tags)

	id := &correlate.Identity{}
	result := d.scorer.Score(id, nil)
	require.Equal(t, correlate.ScoringResult{Score: 1, Tier: "high", Interpretation: "synthetic"}, result)
}
