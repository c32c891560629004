// Package correlate groups Evidence into Identities and clusters each
// Identity's timestamped Evidence into time-bounded Anchors, classifying
// the role of every Evidence within its Anchor (spec §4.6, component
// C6). The algorithm is two-phase and deterministic: identity clustering
// (Phase A), then a single global temporal sweep partitioned by identity
// (Phase B).
package correlate

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forensictl/correlate/pkg/evidence"
	"github.com/forensictl/correlate/pkg/identity"
)

// ScoringResult is the output of a Scoring Policy (spec §6); the engine
// stores it on the Identity it was computed for but never consumes it.
type ScoringResult struct {
	Score          float64
	Tier           string
	Interpretation string
}

// Anchor is a bounded time window grouping timestamped Evidence for one
// Identity (spec §3).
type Anchor struct {
	AnchorID        string
	IdentityRef     string
	StartTime       time.Time
	EndTime         time.Time
	Evidence        []*evidence.Evidence
	PrimaryArtifact string
	PrimaryRowID    int64
	PrimaryCount    int
	SecondaryCount  int
	SourceTables    map[string]bool
}

// Duration returns end_time - start_time.
func (a *Anchor) Duration() time.Duration { return a.EndTime.Sub(a.StartTime) }

// MultiSource reports whether this Anchor's evidence spans more than one
// source table.
func (a *Anchor) MultiSource() bool { return len(a.SourceTables) > 1 }

// Identity is the logical entity inferred from one or more rows sharing a
// normalized key (spec §3).
type Identity struct {
	IdentityID         string
	IdentityType       identity.Type
	IdentityValue      string
	PrimaryDisplayName string
	NormalizedKey      string
	FirstSeen          *time.Time
	LastSeen           *time.Time
	Anchors            []*Anchor
	AllEvidence        []*evidence.Evidence
	ArtifactsInvolved  map[string]bool
	MatchMethod        string
	Confidence         float64
	// Scoring holds whatever a Scoring Policy returned for this Identity,
	// verbatim. Zero value when no Scoring Policy is configured.
	Scoring ScoringResult
}

// Config controls the Correlation Engine.
type Config struct {
	// Window is the anchor-clustering width W (spec §4.6 Phase B step 2).
	Window time.Duration
	// ArtifactPriority maps an artifact tag to an integer priority used to
	// pick an Anchor's primary evidence; tags absent from the map get
	// priority 0.
	ArtifactPriority map[string]int
}

// Result is the engine's output for one run.
type Result struct {
	Identities []*Identity
	Cancelled  bool
}

// group is Phase A's per-identity-key accumulator. first_seen/last_seen
// are deliberately not tracked here: they are computed from final
// Evidence state after Phase B, so that a cancellation-truncated sweep
// (which strips the timestamp from unprocessed Evidence) is reflected
// correctly rather than from a stale Phase A snapshot.
type group struct {
	key               string
	evidence          []*evidence.Evidence
	artifactsInvolved map[string]bool
	firstHash         string
	firstPath         string
	firstDisplay      string
	firstMatchMethod  string
}

// Engine accumulates Evidence (Phase A) and, on Finalize, clusters it
// into Anchors and Identities (Phase B).
type Engine struct {
	cfg    Config
	groups map[string]*group
	// keyOrder preserves first-seen order of identity keys so that ties
	// with no other tie-breaker remain deterministic.
	keyOrder []string
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	if cfg.ArtifactPriority == nil {
		cfg.ArtifactPriority = map[string]int{}
	}
	return &Engine{cfg: cfg, groups: make(map[string]*group)}
}

// Add folds one Evidence record into Phase A's identity clustering. It
// must be called for every Evidence produced by the Evidence Builder,
// including supporting (timestampless) evidence.
func (e *Engine) Add(ev *evidence.Evidence) {
	g, ok := e.groups[ev.IdentityKey]
	if !ok {
		g = &group{key: ev.IdentityKey, artifactsInvolved: map[string]bool{}}
		e.groups[ev.IdentityKey] = g
		e.keyOrder = append(e.keyOrder, ev.IdentityKey)
	}

	g.evidence = append(g.evidence, ev)
	g.artifactsInvolved[ev.Artifact] = true

	if g.firstHash == "" && ev.Extracted.Hash != "" {
		g.firstHash = ev.Extracted.Hash
	}
	if g.firstPath == "" && ev.Extracted.Path != "" {
		g.firstPath = ev.Extracted.Path
	}
	if g.firstDisplay == "" && ev.Extracted.Display != "" {
		g.firstDisplay = ev.Extracted.Display
	}
	if g.firstMatchMethod == "" {
		g.firstMatchMethod = ev.MatchMethod
	}
}

// timedItem is one timestamped Evidence staged for the global sweep.
type timedItem struct {
	ev  *evidence.Evidence
	key string
}

// Finalize runs Phase B and assembles the final Identities. Cancellation
// is cooperative: ctx is checked once per sweep iteration; if it is
// already done, the sweep stops and whatever Anchors were built from
// already-processed items are sealed as-is, with Result.Cancelled set.
func (e *Engine) Finalize(ctx context.Context) *Result {
	items := e.collectTimedItems()
	sortTimedItems(items)

	clusters, cancelled := e.sweep(ctx, items)

	anchorsByKey := make(map[string][]*Anchor)
	for _, cluster := range clusters {
		byIdentity := partitionByIdentity(cluster)
		for key, members := range byIdentity {
			anchor := e.buildAnchor(key, members)
			anchorsByKey[key] = append(anchorsByKey[key], anchor)
		}
	}

	if cancelled {
		demoteUnanchoredTimestampedEvidence(e.groups)
	}

	identities := make([]*Identity, 0, len(e.groups))
	for _, key := range e.keyOrder {
		g := e.groups[key]
		identities = append(identities, e.buildIdentity(g, anchorsByKey[key]))
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].NormalizedKey < identities[j].NormalizedKey
	})

	return &Result{Identities: identities, Cancelled: cancelled}
}

func (e *Engine) collectTimedItems() []timedItem {
	var items []timedItem
	for _, key := range e.keyOrder {
		g := e.groups[key]
		for _, ev := range g.evidence {
			if ev.Timestamp != nil {
				items = append(items, timedItem{ev: ev, key: key})
			}
		}
	}
	return items
}

// sortTimedItems sorts stably by timestamp ascending, tie-breaking by
// (identity key, source_table, row_id) (spec §4.6 Phase B step 1).
func sortTimedItems(items []timedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.ev.Timestamp.Equal(*b.ev.Timestamp) {
			return a.ev.Timestamp.Before(*b.ev.Timestamp)
		}
		if a.key != b.key {
			return a.key < b.key
		}
		if a.ev.SourceTable != b.ev.SourceTable {
			return a.ev.SourceTable < b.ev.SourceTable
		}
		return a.ev.RowID < b.ev.RowID
	})
}

// sweep performs the greedy window-W clustering of spec §4.6 Phase B
// step 2, returning disjoint time clusters covering every (processed)
// timestamped Evidence.
func (e *Engine) sweep(ctx context.Context, items []timedItem) ([][]timedItem, bool) {
	var clusters [][]timedItem
	var current []timedItem
	var clusterStart time.Time

	for i, item := range items {
		select {
		case <-ctx.Done():
			if len(current) > 0 {
				clusters = append(clusters, current)
			}
			return clusters, true
		default:
		}

		if i == 0 || item.ev.Timestamp.After(clusterStart.Add(e.cfg.Window)) {
			if len(current) > 0 {
				clusters = append(clusters, current)
			}
			current = nil
			clusterStart = *item.ev.Timestamp
		}
		current = append(current, item)
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters, false
}

// demoteUnanchoredTimestampedEvidence handles a cancellation-truncated
// sweep: Evidence whose timestamp was never processed into an Anchor
// must not retain a timestamp without one, per the invariant that
// timestamped Evidence always has an anchor (spec §8). Such Evidence is
// treated as if it had carried no timestamp at all.
func demoteUnanchoredTimestampedEvidence(groups map[string]*group) {
	for _, g := range groups {
		for _, ev := range g.evidence {
			if ev.Timestamp != nil && ev.AnchorRef == "" {
				ev.Timestamp = nil
				ev.Role = evidence.RoleSupporting
			}
		}
	}
}

func partitionByIdentity(cluster []timedItem) map[string][]timedItem {
	byIdentity := make(map[string][]timedItem)
	for _, item := range cluster {
		byIdentity[item.key] = append(byIdentity[item.key], item)
	}
	return byIdentity
}

// buildAnchor seals one Identity's partition of a time cluster into an
// Anchor, classifying roles per spec §4.6 "Role classification".
func (e *Engine) buildAnchor(identityKey string, members []timedItem) *Anchor {
	sourceTables := map[string]bool{}
	evs := make([]*evidence.Evidence, len(members))
	start := *members[0].ev.Timestamp
	end := start

	var primary *evidence.Evidence
	bestPriority := -1
	var bestTime time.Time

	for i, m := range members {
		evs[i] = m.ev
		sourceTables[m.ev.SourceTable] = true
		ts := *m.ev.Timestamp
		if ts.Before(start) {
			start = ts
		}
		if ts.After(end) {
			end = ts
		}

		priority := e.cfg.ArtifactPriority[m.ev.Artifact]
		if primary == nil || priority > bestPriority || (priority == bestPriority && ts.Before(bestTime)) {
			primary = m.ev
			bestPriority = priority
			bestTime = ts
		}
	}

	secondaryCount := 0
	for _, ev := range evs {
		if ev == primary {
			ev.Role = evidence.RolePrimary
		} else {
			ev.Role = evidence.RoleSecondary
			secondaryCount++
		}
	}

	anchorID := uuid.NewString()
	for _, ev := range evs {
		ev.AnchorRef = anchorID
	}

	return &Anchor{
		AnchorID:        anchorID,
		IdentityRef:     identityKey,
		StartTime:       start,
		EndTime:         end,
		Evidence:        evs,
		PrimaryArtifact: primary.Artifact,
		PrimaryRowID:    primary.RowID,
		PrimaryCount:    1,
		SecondaryCount:  secondaryCount,
		SourceTables:    sourceTables,
	}
}

func (e *Engine) buildIdentity(g *group, anchors []*Anchor) *Identity {
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].StartTime.Before(anchors[j].StartTime) })

	identityID := uuid.NewString()
	for _, a := range anchors {
		a.IdentityRef = identityID
	}
	for _, ev := range g.evidence {
		ev.IdentityRef = identityID
	}

	hasHash := g.firstHash != ""
	hasPath := g.firstPath != ""

	value := g.key
	switch {
	case hasHash:
		value = g.firstHash
	case hasPath:
		value = g.firstPath
	}

	display := g.firstDisplay
	if display == "" {
		display = g.key
	}

	confidence := averageConfidence(g.evidence)
	firstSeen, lastSeen := seenRange(g.evidence)

	return &Identity{
		IdentityID:         identityID,
		IdentityType:       identity.ClassifyType(hasHash, hasPath, true),
		IdentityValue:      value,
		PrimaryDisplayName: display,
		NormalizedKey:      g.key,
		FirstSeen:          firstSeen,
		LastSeen:           lastSeen,
		Anchors:            anchors,
		AllEvidence:        g.evidence,
		ArtifactsInvolved:  g.artifactsInvolved,
		MatchMethod:        g.firstMatchMethod,
		Confidence:         confidence,
	}
}

// seenRange computes first_seen/last_seen over an Identity's evidence,
// the min and max timestamp respectively (spec §3, §8). Both are nil
// when no member Evidence carries a timestamp.
func seenRange(evs []*evidence.Evidence) (first, last *time.Time) {
	for _, ev := range evs {
		if ev.Timestamp == nil {
			continue
		}
		if first == nil || ev.Timestamp.Before(*first) {
			t := *ev.Timestamp
			first = &t
		}
		if last == nil || ev.Timestamp.After(*last) {
			t := *ev.Timestamp
			last = &t
		}
	}
	return first, last
}

func averageConfidence(evs []*evidence.Evidence) float64 {
	if len(evs) == 0 {
		return 0
	}
	var sum float64
	for _, ev := range evs {
		sum += ev.Confidence
	}
	return sum / float64(len(evs))
}
