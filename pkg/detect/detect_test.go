package detect

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensictl/correlate/pkg/config"
)

func TestDetectPatternMatch(t *testing.T) {
	d, err := New(config.Defaults())
	require.NoError(t, err)

	cols := []string{"executable_name", "full_path", "run_timestamp", "sha256_hash", "unrelated"}
	a, warnings := d.Detect("prefetch", "t1", cols)
	require.Empty(t, warnings)
	require.Equal(t, []string{"executable_name"}, a.Name)
	require.Equal(t, []string{"full_path"}, a.Path)
	require.Equal(t, []string{"run_timestamp"}, a.Timestamp)
	require.Equal(t, []string{"sha256_hash"}, a.Hash)
}

func TestDetectPathExcludesName(t *testing.T) {
	d, err := New(config.Defaults())
	require.NoError(t, err)

	// "file_path_name" matches both the name and path token lists; path
	// must win per the exclusion rule.
	cols := []string{"file_path_name"}
	a, _ := d.Detect("mft", "t2", cols)
	require.Empty(t, a.Name)
	require.Equal(t, []string{"file_path_name"}, a.Path)
}

func TestDetectManualOverrideWarnsOnMissingColumn(t *testing.T) {
	cfg := config.Defaults()
	cfg.NameColumns = map[string][]string{
		"prefetch": {"executable_name", "does_not_exist"},
	}
	d, err := New(cfg)
	require.NoError(t, err)

	cols := []string{"executable_name", "full_path"}
	a, warnings := d.Detect("prefetch", "t3", cols)
	require.Equal(t, []string{"executable_name"}, a.Name)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "does_not_exist")
}

func TestDetectOverrideDoesNotFallBackToPatterns(t *testing.T) {
	cfg := config.Defaults()
	cfg.NameColumns = map[string][]string{"prefetch": {"nonexistent"}}
	d, err := New(cfg)
	require.NoError(t, err)

	cols := []string{"executable_name"}
	a, _ := d.Detect("prefetch", "t4", cols)
	require.Empty(t, a.Name)
}

func TestDetectCachesDecisionPerTable(t *testing.T) {
	d, err := New(config.Defaults())
	require.NoError(t, err)

	cols := []string{"executable_name"}
	first, _ := d.Detect("prefetch", "cached-table", cols)
	second, _ := d.Detect("prefetch", "cached-table", cols)
	require.Equal(t, first, second)
}
