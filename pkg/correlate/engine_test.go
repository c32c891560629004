package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forensictl/correlate/pkg/evidence"
)

func mustTime(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestTwoSourceJoinSameBinary(t *testing.T) {
	e := New(Config{
		Window:           5 * time.Minute,
		ArtifactPriority: map[string]int{"prefetch": 100, "srum": 90},
	})

	a := &evidence.Evidence{
		Artifact: "prefetch", SourceTable: "prefetch_entries", RowID: 1,
		Timestamp: mustTime("2024-03-01T10:00:00Z"), IdentityKey: "chrome", Role: evidence.RoleSecondary,
	}
	b := &evidence.Evidence{
		Artifact: "srum", SourceTable: "srum_entries", RowID: 1,
		Timestamp: mustTime("2024-03-01T10:02:00Z"), IdentityKey: "chrome", Role: evidence.RoleSecondary,
	}
	e.Add(a)
	e.Add(b)

	result := e.Finalize(context.Background())
	require.False(t, result.Cancelled)
	require.Len(t, result.Identities, 1)

	id := result.Identities[0]
	require.Equal(t, "chrome", id.NormalizedKey)
	require.Len(t, id.Anchors, 1)

	anchor := id.Anchors[0]
	require.Len(t, anchor.Evidence, 2)
	require.Equal(t, "prefetch", anchor.PrimaryArtifact)
	require.Equal(t, evidence.RolePrimary, a.Role)
	require.Equal(t, evidence.RoleSecondary, b.Role)
}

func TestWindowSplit(t *testing.T) {
	e := New(Config{Window: 5 * time.Minute})

	a := &evidence.Evidence{Artifact: "prefetch", SourceTable: "t", RowID: 1, Timestamp: mustTime("2024-03-01T10:00:00Z"), IdentityKey: "chrome"}
	b := &evidence.Evidence{Artifact: "prefetch", SourceTable: "t", RowID: 2, Timestamp: mustTime("2024-03-01T10:10:00Z"), IdentityKey: "chrome"}
	e.Add(a)
	e.Add(b)

	result := e.Finalize(context.Background())
	require.Len(t, result.Identities, 1)
	require.Len(t, result.Identities[0].Anchors, 2)
	for _, anchor := range result.Identities[0].Anchors {
		require.Len(t, anchor.Evidence, 1)
		require.Equal(t, evidence.RolePrimary, anchor.Evidence[0].Role)
	}
}

func TestSupportingOnlyIdentity(t *testing.T) {
	e := New(Config{Window: 5 * time.Minute})
	a := &evidence.Evidence{Artifact: "amcache", SourceTable: "t", RowID: 1, IdentityKey: "notepad", Role: evidence.RoleSupporting}
	e.Add(a)

	result := e.Finalize(context.Background())
	require.Len(t, result.Identities, 1)
	id := result.Identities[0]
	require.Empty(t, id.Anchors)
	require.Len(t, id.AllEvidence, 1)
	require.Nil(t, id.FirstSeen)
	require.Nil(t, id.LastSeen)
}

func TestWindowMonotonicityMergesNotSplits(t *testing.T) {
	build := func(window time.Duration) *Result {
		e := New(Config{Window: window})
		e.Add(&evidence.Evidence{Artifact: "a", SourceTable: "t", RowID: 1, Timestamp: mustTime("2024-03-01T10:00:00Z"), IdentityKey: "x"})
		e.Add(&evidence.Evidence{Artifact: "a", SourceTable: "t", RowID: 2, Timestamp: mustTime("2024-03-01T10:10:00Z"), IdentityKey: "x"})
		return e.Finalize(context.Background())
	}

	narrow := build(5 * time.Minute)
	wide := build(20 * time.Minute)
	require.Len(t, narrow.Identities[0].Anchors, 2)
	require.Len(t, wide.Identities[0].Anchors, 1)
}

func TestEveryAnchorHasExactlyOnePrimary(t *testing.T) {
	e := New(Config{Window: time.Hour, ArtifactPriority: map[string]int{"prefetch": 10}})
	e.Add(&evidence.Evidence{Artifact: "prefetch", SourceTable: "t", RowID: 1, Timestamp: mustTime("2024-01-01T00:00:00Z"), IdentityKey: "x"})
	e.Add(&evidence.Evidence{Artifact: "srum", SourceTable: "t", RowID: 2, Timestamp: mustTime("2024-01-01T00:05:00Z"), IdentityKey: "x"})
	e.Add(&evidence.Evidence{Artifact: "mft", SourceTable: "t", RowID: 3, Timestamp: mustTime("2024-01-01T00:10:00Z"), IdentityKey: "x"})

	result := e.Finalize(context.Background())
	for _, id := range result.Identities {
		for _, anchor := range id.Anchors {
			primaries := 0
			for _, ev := range anchor.Evidence {
				if ev.Role == evidence.RolePrimary {
					primaries++
				}
			}
			require.Equal(t, 1, primaries)
		}
	}
}

func TestCancellationDemotesUnprocessedTimestampedEvidence(t *testing.T) {
	e := New(Config{Window: 5 * time.Minute})
	e.Add(&evidence.Evidence{Artifact: "a", SourceTable: "t", RowID: 1, Timestamp: mustTime("2024-01-01T00:00:00Z"), IdentityKey: "x"})
	e.Add(&evidence.Evidence{Artifact: "a", SourceTable: "t", RowID: 2, Timestamp: mustTime("2024-01-01T00:01:00Z"), IdentityKey: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.Finalize(ctx)
	require.True(t, result.Cancelled)

	for _, id := range result.Identities {
		for _, ev := range id.AllEvidence {
			if ev.AnchorRef == "" {
				require.Nil(t, ev.Timestamp)
				require.Equal(t, evidence.RoleSupporting, ev.Role)
			}
		}
	}
}

func TestIdentitiesOrderedByNormalizedKey(t *testing.T) {
	e := New(Config{Window: time.Minute})
	e.Add(&evidence.Evidence{Artifact: "a", SourceTable: "t", RowID: 1, IdentityKey: "zebra", Role: evidence.RoleSupporting})
	e.Add(&evidence.Evidence{Artifact: "a", SourceTable: "t", RowID: 2, IdentityKey: "apple", Role: evidence.RoleSupporting})

	result := e.Finalize(context.Background())
	require.Len(t, result.Identities, 2)
	require.Equal(t, "apple", result.Identities[0].NormalizedKey)
	require.Equal(t, "zebra", result.Identities[1].NormalizedKey)
}
