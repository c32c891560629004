package query

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forensictl/correlate/pkg/correlate"
	"github.com/forensictl/correlate/pkg/evidence"
	"github.com/forensictl/correlate/pkg/identity"
	"github.com/forensictl/correlate/pkg/store"
)

func seededStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "results.duckdb")
	s, err := store.Open(context.Background(), slog.Default(), "file://"+dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := &evidence.Evidence{
		Artifact: "prefetch", SourceTable: "prefetch_entries", RowID: 1,
		Timestamp: &ts, Role: evidence.RolePrimary, AnchorRef: "anchor-1", IdentityRef: "identity-1",
		Confidence: 1.0, Extracted: evidence.Fields{Name: "chrome"}, Raw: map[string]any{"executable_name": "Chrome.exe"},
	}
	anchor := &correlate.Anchor{
		AnchorID: "anchor-1", IdentityRef: "identity-1", StartTime: ts, EndTime: ts,
		Evidence: []*evidence.Evidence{ev}, PrimaryArtifact: "prefetch", PrimaryRowID: 1, PrimaryCount: 1,
	}
	id := &correlate.Identity{
		IdentityID: "identity-1", IdentityType: identity.TypeName, IdentityValue: "chrome",
		PrimaryDisplayName: "Chrome.exe", NormalizedKey: "chrome", FirstSeen: &ts, LastSeen: &ts,
		Anchors: []*correlate.Anchor{anchor}, AllEvidence: []*evidence.Evidence{ev},
		ArtifactsInvolved: map[string]bool{"prefetch": true}, Confidence: 1.0,
	}

	run := store.Run{RunID: "run-1", StartedAt: ts, EndedAt: ts, Status: "Completed", Counts: map[string]int{}}
	require.NoError(t, s.WriteRun(context.Background(), run, []*correlate.Identity{id}))
	return s, "run-1"
}

func TestQueryIdentitiesReturnsSeededIdentity(t *testing.T) {
	s, runID := seededStore(t)
	q := New(s, runID)

	views, page, err := q.QueryIdentities(context.Background(), Filter{}, Page{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalCount)
	require.Len(t, views, 1)
	require.Equal(t, "chrome", views[0].NormalizedKey)
	require.Len(t, views[0].Anchors, 1)
	require.Len(t, views[0].Anchors[0].Evidence, 1)
}

func TestQueryIdentitiesTimeRangeExcludesNonIntersecting(t *testing.T) {
	s, runID := seededStore(t)
	q := New(s, runID)

	outside := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	start := outside
	end := outside.Add(time.Hour)
	views, _, err := q.QueryIdentities(context.Background(), Filter{TimeRangeStart: &start, TimeRangeEnd: &end}, Page{Page: 1, PageSize: 10})
	require.NoError(t, err)
	require.Empty(t, views)
}

func TestGetIdentityReturnsFullTree(t *testing.T) {
	s, runID := seededStore(t)
	q := New(s, runID)

	v, err := q.GetIdentity(context.Background(), "identity-1")
	require.NoError(t, err)
	require.Equal(t, "chrome", v.NormalizedKey)
	require.Len(t, v.Anchors, 1)
}

func TestAggregatesCountsByArtifactAndRole(t *testing.T) {
	s, runID := seededStore(t)
	q := New(s, runID)

	agg, err := q.Aggregates(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, agg.CountByArtifact["prefetch"])
	require.Equal(t, 1, agg.CountByRole["primary"])
	require.NotNil(t, agg.EarliestTimestamp)
}
