package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensictl/correlate/pkg/detect"
)

func TestExtractPrefetchArtifactField(t *testing.T) {
	e := New()
	row := map[string]any{"executable_name": "Chrome.exe"}
	got, ok := e.Extract("prefetch", row, detect.Assignment{})
	require.True(t, ok)
	require.Equal(t, "chrome", got.IdentityKey)
	require.Equal(t, TypeName, got.IdentityType)
}

func TestExtractSrumNameAndPath(t *testing.T) {
	e := New()
	row := map[string]any{
		"app_name": "CHROME.exe",
		"app_path": `C:\Program Files\Google\Chrome\chrome.exe`,
	}
	got, ok := e.Extract("srum", row, detect.Assignment{})
	require.True(t, ok)
	require.Equal(t, "chrome", got.IdentityKey)
	require.Equal(t, "c:/program files/google/chrome/chrome.exe", got.Path)
	require.Equal(t, TypeComposite, got.IdentityType)
}

func TestExtractDerivesNameFromPath(t *testing.T) {
	e := New()
	row := map[string]any{"full_path": `D:\tools\setup.exe`}
	got, ok := e.Extract("usn_journal", row, detect.Assignment{})
	require.True(t, ok)
	require.Equal(t, "setup", got.IdentityKey)
}

func TestExtractHeuristicFallback(t *testing.T) {
	e := New()
	row := map[string]any{"weird_process_field": "notepad.exe"}
	candidates := detect.Assignment{Name: []string{"weird_process_field"}}
	got, ok := e.Extract("unknown_artifact", row, candidates)
	require.True(t, ok)
	require.Equal(t, "notepad", got.IdentityKey)
}

func TestExtractDropsRowWithNoUsableIdentity(t *testing.T) {
	e := New()
	row := map[string]any{"unrelated_field": "12345"}
	_, ok := e.Extract("unknown_artifact", row, detect.Assignment{})
	require.False(t, ok)
}

func TestNormalizeNameStripsExtensionAndCopyMarkers(t *testing.T) {
	names := []string{"Installer (1).exe", "installer.exe", "Installer - Copy.exe"}
	for _, n := range names {
		require.Equal(t, "installer", NormalizeName(n), "input %q", n)
	}
}

func TestNormalizeNameIdempotent(t *testing.T) {
	once := NormalizeName("Installer (1).exe")
	twice := NormalizeName(once)
	require.Equal(t, once, twice)
}

func TestNormalizePathCollapsesSlashesAndCase(t *testing.T) {
	got := NormalizePath(`C:\Windows\\System32\Drivers//`)
	require.Equal(t, "c:/windows/system32/drivers", got)
}

func TestNormalizePathIdempotent(t *testing.T) {
	once := NormalizePath(`C:\Windows\System32\\`)
	twice := NormalizePath(once)
	require.Equal(t, once, twice)
}

func TestNormalizeHashIdempotent(t *testing.T) {
	once := NormalizeHash("  ABCDEF123  ")
	twice := NormalizeHash(once)
	require.Equal(t, once, twice)
	require.Equal(t, "abcdef123", once)
}
