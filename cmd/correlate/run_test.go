package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensictl/correlate/pkg/pipeline"
)

func TestParseSourcesValid(t *testing.T) {
	srcs, err := parseSources([]string{"prefetch=/data/prefetch.db", "srum=/data/srum.db"})
	require.NoError(t, err)
	require.Equal(t, []pipeline.Source{
		{Artifact: "prefetch", Path: "/data/prefetch.db"},
		{Artifact: "srum", Path: "/data/srum.db"},
	}, srcs)
}

func TestParseSourcesRejectsMissingEquals(t *testing.T) {
	_, err := parseSources([]string{"prefetch-only-path"})
	require.Error(t, err)
}

func TestExitCodeForStatus(t *testing.T) {
	require.Equal(t, exitCompleted, exitCodeForStatus(pipeline.StatusCompleted))
	require.Equal(t, exitCancelled, exitCodeForStatus(pipeline.StatusCancelled))
	require.Equal(t, exitFailed, exitCodeForStatus(pipeline.StatusFailed))
}
