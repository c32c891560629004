// Package detect classifies a table's columns into name / path /
// timestamp / hash purposes from configured overrides and pattern lists
// (spec §4.2, component C2).
package detect

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/forensictl/correlate/pkg/config"
)

// Purpose is one of the disjoint roles a column can be classified into.
type Purpose string

const (
	PurposeName      Purpose = "name"
	PurposePath      Purpose = "path"
	PurposeTimestamp Purpose = "timestamp"
	PurposeHash      Purpose = "hash"
)

// defaultPatterns are the built-in token lists consulted when the config
// names no explicit override for a purpose. A column matches a purpose if
// its lowercased name contains any one of these tokens.
var defaultPatterns = map[Purpose][]string{
	PurposeName:      {"name", "filename", "file_name", "executable", "process", "title", "app_name", "program", "image"},
	PurposePath:      {"path", "location", "url", "directory", "folder", "full_path", "target"},
	PurposeTimestamp: {"time", "date", "timestamp", "created", "modified", "accessed", "_ts", "_at", "run_"},
	PurposeHash:      {"hash", "sha1", "sha256", "md5", "checksum"},
}

// Assignment is the per-table result of column classification: the set of
// column names assigned to each purpose.
type Assignment struct {
	Name      []string
	Path      []string
	Timestamp []string
	Hash      []string
}

// Columns returns every column assigned to purpose.
func (a Assignment) Columns(p Purpose) []string {
	switch p {
	case PurposeName:
		return a.Name
	case PurposePath:
		return a.Path
	case PurposeTimestamp:
		return a.Timestamp
	case PurposeHash:
		return a.Hash
	default:
		return nil
	}
}

// Detector classifies a table's columns, caching its decision per table
// (spec §4.2: "The detector caches its decision per table").
type Detector struct {
	cfg   *config.Config
	cache *ristretto.Cache
}

// New constructs a Detector backed by a small decision cache.
func New(cfg *config.Config) (*Detector, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct column-detection cache: %w", err)
	}
	return &Detector{cfg: cfg, cache: cache}, nil
}

// Detect classifies columns for one table belonging to artifact, returning
// the assignment plus any warnings (e.g. an overridden column that does
// not exist in the table).
func (d *Detector) Detect(artifact, tableID string, columns []string) (Assignment, []string) {
	key := cacheKey(artifact, tableID, columns)
	if v, ok := d.cache.Get(key); ok {
		if cached, ok := v.(cachedAssignment); ok {
			return cached.assignment, cached.warnings
		}
	}

	assignment, warnings := d.classify(artifact, columns)
	d.cache.Set(key, cachedAssignment{assignment: assignment, warnings: warnings}, 1)
	d.cache.Wait()
	return assignment, warnings
}

type cachedAssignment struct {
	assignment Assignment
	warnings   []string
}

func cacheKey(artifact, tableID string, columns []string) string {
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	return artifact + "\x00" + tableID + "\x00" + strings.Join(sorted, ",")
}

func (d *Detector) classify(artifact string, columns []string) (Assignment, []string) {
	var warnings []string

	resolve := func(p Purpose, overrides map[string][]string) []string {
		explicit, warn := lookupOverride(artifact, p, overrides, columns)
		if warn != "" {
			warnings = append(warnings, warn)
		}
		if explicit != nil {
			return explicit
		}
		return patternMatch(columns, defaultPatterns[p])
	}

	nameCols := resolve(PurposeName, d.cfg.NameColumns)
	pathCols := resolve(PurposePath, d.cfg.PathColumns)
	// Timestamp detection always runs via pattern match; spec §4.9 exposes
	// no override list for it.
	tsCols := patternMatch(columns, defaultPatterns[PurposeTimestamp])
	hashCols := patternMatch(columns, defaultPatterns[PurposeHash])

	// Exclusion rule: a column matched as path is not also used as name.
	nameCols = subtract(nameCols, pathCols)

	return Assignment{
		Name:      nameCols,
		Path:      pathCols,
		Timestamp: tsCols,
		Hash:      hashCols,
	}, warnings
}

// lookupOverride resolves a manual override for purpose p, checking the
// artifact-specific entry first and the global ("") entry second. It
// returns nil (meaning: fall through to pattern matching) when no
// override is configured for this purpose at all.
func lookupOverride(artifact string, p Purpose, overrides map[string][]string, columns []string) (explicit []string, warning string) {
	if overrides == nil {
		return nil, ""
	}
	named, has := overrides[artifact]
	if !has {
		named, has = overrides[""]
	}
	if !has {
		return nil, ""
	}

	exists := make(map[string]bool, len(columns))
	for _, c := range columns {
		exists[c] = true
	}

	var kept []string
	var missing []string
	for _, name := range named {
		if exists[name] {
			kept = append(kept, name)
		} else {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		warning = fmt.Sprintf("configured %s column(s) not present in table: %s", p, strings.Join(missing, ", "))
	}
	if kept == nil {
		kept = []string{}
	}
	return kept, warning
}

func patternMatch(columns []string, tokens []string) []string {
	var matched []string
	for _, col := range columns {
		lower := strings.ToLower(col)
		for _, tok := range tokens {
			if strings.Contains(lower, tok) {
				matched = append(matched, col)
				break
			}
		}
	}
	return matched
}

func subtract(from, remove []string) []string {
	excluded := make(map[string]bool, len(remove))
	for _, r := range remove {
		excluded[r] = true
	}
	var kept []string
	for _, c := range from {
		if !excluded[c] {
			kept = append(kept, c)
		}
	}
	return kept
}
