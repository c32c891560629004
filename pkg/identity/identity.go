// Package identity normalizes raw names, paths, and hashes extracted from
// forensic artifact rows into a canonical identity key (spec §4.4,
// component C4).
package identity

import (
	"path"
	"regexp"
	"strings"

	"github.com/forensictl/correlate/pkg/detect"
)

// Type records which fields were available when an Identity was formed,
// by precedence hash > path > name > composite (spec §4.4 step 5). The
// grouping key itself is always the normalized name.
type Type string

const (
	TypeHash      Type = "hash"
	TypePath      Type = "path"
	TypeName      Type = "name"
	TypeComposite Type = "composite"
)

// Extracted holds the normalized fields sourced from one row, and the
// resulting identity key.
type Extracted struct {
	Name string
	Path string
	Hash string
	// Display is the sourced name before normalization, kept for
	// human-readable display (spec §3 Identity.primary_display_name).
	Display      string
	IdentityKey  string
	IdentityType Type
	MatchMethod  string
}

// artifactFields is the declarative, per-artifact field table of step 1:
// exact row field names to consult before falling back to the generic
// table or heuristic scoring. Configuration data, not code branches
// (spec §9).
var artifactFields = map[string]map[detect.Purpose][]string{
	"prefetch": {
		detect.PurposeName: {"executable_name", "filename"},
		detect.PurposePath: {"run_path", "volume_path"},
		detect.PurposeHash: {"prefetch_hash"},
	},
	"srum": {
		detect.PurposeName: {"app_name", "exe_info"},
		detect.PurposePath: {"app_path"},
	},
	"mft": {
		detect.PurposeName: {"fn_filename"},
		detect.PurposePath: {"reconstructed_path", "parent_path"},
	},
	"usn_journal": {
		detect.PurposeName: {"filename"},
		detect.PurposePath: {"full_path"},
	},
	"registry_run_key": {
		detect.PurposeName: {"value_name"},
		detect.PurposePath: {"value_data", "command"},
	},
	"shellbags": {
		detect.PurposeName: {"folder_name"},
		detect.PurposePath: {"shell_path"},
	},
	"jumplist": {
		detect.PurposeName: {"target_name"},
		detect.PurposePath: {"target_path"},
		detect.PurposeHash: {"app_id"},
	},
	"lnk": {
		detect.PurposeName: {"lnk_name"},
		detect.PurposePath: {"target_path", "working_directory"},
	},
	"browser_history": {
		detect.PurposeName: {"title"},
		detect.PurposePath: {"url"},
	},
	"amcache": {
		detect.PurposeName: {"name"},
		detect.PurposePath: {"path"},
		detect.PurposeHash: {"sha1"},
	},
}

// genericFields is the fallback pattern table of step 1's second tier:
// common field names tried when the artifact table has no entry, or the
// entry's fields are absent from the row.
var genericFields = map[detect.Purpose][]string{
	detect.PurposeName: {"name", "filename", "file_name", "title", "display_name"},
	detect.PurposePath: {"path", "full_path", "file_path", "url", "location"},
	detect.PurposeHash: {"hash", "sha256", "sha1", "md5"},
}

// nameIndicativeTokens and pathIndicativeTokens drive heuristic scoring
// (step 1, tier 3) over whatever textual fields remain unclaimed.
var nameIndicativeTokens = []string{"name", "title", "file", "exe", "process", "image"}
var pathIndicativeTokens = []string{"path", "dir", "folder", "location", "url"}

var executableSuffixes = []string{".exe", ".dll", ".sys", ".bat", ".cmd", ".ps1", ".scr", ".com", ".jar", ".py"}

// copySuffixPatterns strip duplicate/copy markers during name
// normalization (spec §4.4 step 3).
var copySuffixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\s*\(\d+\)$`),
	regexp.MustCompile(`(?i)\s*-\s*copy$`),
	regexp.MustCompile(`(?i)_copy$`),
	regexp.MustCompile(`\s*v\d+$`),
	regexp.MustCompile(`\s*\d+(\.\d+)+$`),
}

// extensionsToStrip is the fixed set of trailing extensions removed
// during name normalization.
var extensionsToStrip = []string{
	".exe", ".lnk", ".dll", ".msi", ".bat", ".cmd", ".ps1", ".vbs", ".js",
	".com", ".scr", ".pif", ".application", ".gadget", ".msp", ".hta",
	".cpl", ".msc", ".jar", ".py", ".pyc", ".pyw",
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Extractor sources and normalizes identity fields from raw rows.
type Extractor struct{}

// New constructs an Extractor. It is stateless; config-driven behavior
// (column overrides) lives upstream in the Column Detector, whose
// assignment this extractor consumes as its heuristic candidate pool.
func New() *Extractor {
	return &Extractor{}
}

// Extract sources name/path/hash from row for artifact, normalizes them,
// and derives the identity key. ok is false when no name could be
// produced even after filename derivation — such a row yields no
// identity and is dropped by the caller (spec §4.4 step 4).
func (e *Extractor) Extract(artifact string, row map[string]any, candidates detect.Assignment) (Extracted, bool) {
	name, nameMethod := sourceField(artifact, detect.PurposeName, row, candidates.Name)
	rawPath, pathMethod := sourceField(artifact, detect.PurposePath, row, candidates.Path)
	hash, hashMethod := sourceField(artifact, detect.PurposeHash, row, candidates.Hash)

	method := firstNonEmpty(nameMethod, pathMethod, hashMethod)

	normalizedPath := NormalizePath(rawPath)
	if name == "" && normalizedPath != "" {
		if derived := deriveFilename(normalizedPath); derived != "" {
			name = derived
			if method == "" {
				method = "derived-from-path"
			}
		}
	}

	display := name
	normalizedName := NormalizeName(name)
	normalizedHash := NormalizeHash(hash)

	if normalizedName == "" {
		return Extracted{}, false
	}

	return Extracted{
		Name:         normalizedName,
		Path:         normalizedPath,
		Hash:         normalizedHash,
		Display:      display,
		IdentityKey:  normalizedName,
		IdentityType: classifyType(normalizedHash, normalizedPath, normalizedName),
		MatchMethod:  method,
	}, true
}

// classifyType applies the precedence hash > path > name > composite
// (spec §4.4 step 5): a single available field gives that field's type;
// more than one available field makes the identity composite.
func classifyType(hash, path, name string) Type {
	return ClassifyType(hash != "", path != "", name != "")
}

// ClassifyType is the field-presence form of the precedence rule,
// exported so the Correlation Engine can classify a whole Identity from
// the union of fields its member Evidence contributed.
func ClassifyType(hasHash, hasPath, hasName bool) Type {
	present := 0
	for _, b := range []bool{hasHash, hasPath, hasName} {
		if b {
			present++
		}
	}
	if present > 1 {
		return TypeComposite
	}
	switch {
	case hasHash:
		return TypeHash
	case hasPath:
		return TypePath
	default:
		return TypeName
	}
}

// sourceField implements the three-tier field-sourcing pipeline of
// spec §4.4 step 1 for a single purpose.
func sourceField(artifact string, purpose detect.Purpose, row map[string]any, candidateColumns []string) (value string, method string) {
	// Tier 1: artifact-specific field table.
	if fields, ok := artifactFields[artifact]; ok {
		for _, field := range fields[purpose] {
			if v, ok := stringValue(row, field); ok {
				return v, "artifact-field:" + field
			}
		}
	}

	// Tier 2: generic field-name table.
	for _, field := range genericFields[purpose] {
		if v, ok := stringValue(row, field); ok {
			return v, "generic-field:" + field
		}
	}

	// Tier 3: heuristic scoring over the Column Detector's candidates.
	if best, field, ok := heuristicBest(purpose, row, candidateColumns); ok {
		return best, "heuristic:" + field
	}

	return "", ""
}

func stringValue(row map[string]any, field string) (string, bool) {
	v, ok := row[field]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// heuristicBest scores each candidate column by column-name tokens and
// value shape, returning the highest-scoring non-empty field (the first
// one on a tie). A field that scores 0 is never returned.
func heuristicBest(purpose detect.Purpose, row map[string]any, candidateColumns []string) (string, string, bool) {
	type scored struct {
		value string
		field string
		score int
	}
	var best scored

	for _, field := range candidateColumns {
		v, ok := stringValue(row, field)
		if !ok {
			continue
		}
		score := scoreField(purpose, field, v)
		if score > best.score || (score == best.score && best.field == "" && score > 0) {
			best = scored{value: v, field: field, score: score}
		}
	}
	if best.field == "" {
		return "", "", false
	}
	return best.value, best.field, true
}

func scoreField(purpose detect.Purpose, field, value string) int {
	lower := strings.ToLower(field)
	score := 0

	tokens := nameIndicativeTokens
	if purpose == detect.PurposePath {
		tokens = pathIndicativeTokens
	}
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			score++
		}
	}

	switch purpose {
	case detect.PurposeName:
		for _, suf := range executableSuffixes {
			if strings.HasSuffix(strings.ToLower(value), suf) {
				score += 2
				break
			}
		}
	case detect.PurposePath:
		if strings.ContainsAny(value, `\/`) || hasDriveLetterPrefix(value) {
			score += 2
		}
	}
	return score
}

func hasDriveLetterPrefix(s string) bool {
	return len(s) >= 2 && s[1] == ':' && ((s[0] >= 'a' && s[0] <= 'z') || (s[0] >= 'A' && s[0] <= 'Z'))
}

// deriveFilename takes the last path component when it looks like a
// filename (spec §4.4 step 2): it contains a '.' or has a known
// executable suffix.
func deriveFilename(normalizedPath string) string {
	base := path.Base(normalizedPath)
	if base == "" || base == "." || base == "/" {
		return ""
	}
	lower := strings.ToLower(base)
	if strings.Contains(base, ".") {
		return base
	}
	for _, suf := range executableSuffixes {
		if strings.HasSuffix(lower, suf) {
			return base
		}
	}
	return ""
}

// NormalizeName applies spec §4.4 step 3's name normalization.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return ""
	}

	for _, ext := range extensionsToStrip {
		if strings.HasSuffix(s, ext) {
			s = strings.TrimSuffix(s, ext)
			break
		}
	}

	for _, pat := range copySuffixPatterns {
		s = pat.ReplaceAllString(s, "")
	}

	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.Trim(s, " \t\r\n-_.")
	return s
}

// NormalizePath applies spec §4.4 step 3's path normalization.
func NormalizePath(p string) string {
	s := strings.ToLower(strings.TrimSpace(p))
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, `\`, "/")
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.TrimSuffix(s, "/")
	return s
}

// NormalizeHash applies spec §4.4 step 3's hash normalization.
func NormalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
