package evidence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensictl/correlate/pkg/detect"
	"github.com/forensictl/correlate/pkg/identity"
	"github.com/forensictl/correlate/pkg/tstamp"
)

func newTestBuilder(artifact, sourceTable string, assignment detect.Assignment) *Builder {
	return NewBuilder(Config{
		Artifact:    artifact,
		SourceTable: sourceTable,
		Extractor:   identity.New(),
		Parser:      tstamp.New(tstamp.Config{}),
		Assignment:  assignment,
	})
}

func TestBuildTimestampedEvidenceIsSecondary(t *testing.T) {
	b := newTestBuilder("prefetch", "prefetch_entries", detect.Assignment{Timestamp: []string{"run_timestamp"}})
	row := map[string]any{
		"executable_name": "Chrome.exe",
		"run_timestamp":   "2024-03-01T10:00:00Z",
	}
	ev, ok := b.Build(1, row)
	require.True(t, ok)
	require.Equal(t, RoleSecondary, ev.Role)
	require.NotNil(t, ev.Timestamp)
	require.Equal(t, "chrome", ev.IdentityKey)
}

func TestBuildNoTimestampIsSupporting(t *testing.T) {
	b := newTestBuilder("prefetch", "prefetch_entries", detect.Assignment{})
	row := map[string]any{"executable_name": "Chrome.exe"}
	ev, ok := b.Build(2, row)
	require.True(t, ok)
	require.Equal(t, RoleSupporting, ev.Role)
	require.Nil(t, ev.Timestamp)
}

func TestBuildUnparseableTimestampDemotesToSupporting(t *testing.T) {
	b := newTestBuilder("prefetch", "prefetch_entries", detect.Assignment{Timestamp: []string{"run_timestamp"}})
	row := map[string]any{
		"executable_name": "Chrome.exe",
		"run_timestamp":   "not a date",
	}
	ev, ok := b.Build(3, row)
	require.True(t, ok)
	require.Equal(t, RoleSupporting, ev.Role)
}

func TestBuildDropsRowWithNoIdentity(t *testing.T) {
	b := newTestBuilder("unknown", "mystery_table", detect.Assignment{})
	row := map[string]any{"unrelated": "1"}
	_, ok := b.Build(4, row)
	require.False(t, ok)

	summary := b.Summary()
	require.Equal(t, 1, summary.ExtractionFails)
	require.Len(t, summary.Samples, 1)
	require.Equal(t, int64(4), summary.Samples[0].RowID)
}

func TestSummaryCountsRowsRead(t *testing.T) {
	b := newTestBuilder("prefetch", "prefetch_entries", detect.Assignment{})
	b.Build(1, map[string]any{"executable_name": "a.exe"})
	b.Build(2, map[string]any{"unrelated": "x"})
	summary := b.Summary()
	require.Equal(t, 2, summary.RowsRead)
	require.Equal(t, 1, summary.Built)
	require.Equal(t, 1, summary.ExtractionFails)
}
