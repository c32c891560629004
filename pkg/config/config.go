// Package config loads and validates the declarative configuration bundle
// that controls column detection, identity extraction, timestamp parsing,
// and anchor clustering (spec §4.9).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative bundle controlling the correlation pipeline.
// Every field maps to a rule named in spec.md §4.9.
type Config struct {
	// Extraction flags.
	ExtractFromNames *bool `yaml:"extract_from_names"`
	ExtractFromPaths *bool `yaml:"extract_from_paths"`

	// Column overrides, keyed by artifact tag ("" applies to every artifact).
	NameColumns map[string][]string `yaml:"name_columns"`
	PathColumns map[string][]string `yaml:"path_columns"`

	// Timestamp parsing.
	CustomTimeLayouts []string `yaml:"custom_time_layouts"`
	DefaultTimezone   string   `yaml:"default_timezone"`
	SubstituteNow     bool     `yaml:"substitute_now"`

	// Anchor window, in minutes.
	AnchorWindowMinutes int `yaml:"anchor_window_minutes"`

	// ArtifactPriority maps an artifact tag to an integer priority used to
	// pick the primary evidence within an anchor (spec §4.6).
	ArtifactPriority map[string]int `yaml:"artifact_priority"`

	// PrimaryTableOverride names the table to treat as an input's primary
	// data table, when a container holds more than one non-metadata table.
	PrimaryTableOverride map[string]string `yaml:"primary_table_override"`

	// Store is the Result Store destination: a "file://" path (DuckDB,
	// local single-file database) or a "postgres://" URL.
	Store string `yaml:"store"`

	// MaxConcurrency bounds the number of input tables ingested in parallel
	// by the Pipeline Driver (spec §5).
	MaxConcurrency int `yaml:"max_concurrency"`

	// ScoringWeights is passed verbatim to a configured Scoring Policy
	// (spec §6); the core never interprets these weights itself.
	ScoringWeights map[string]float64 `yaml:"scoring_weights"`

	// warnings accumulated while loading (unknown keys, missing override
	// columns); surfaced in the Run Report.
	warnings []string
}

// Defaults returns the documented zero-value defaults (spec §4.9).
func Defaults() *Config {
	yes := true
	return &Config{
		ExtractFromNames:    &yes,
		ExtractFromPaths:    &yes,
		DefaultTimezone:     "UTC",
		SubstituteNow:       false,
		AnchorWindowMinutes: 180,
		ArtifactPriority:    map[string]int{},
		MaxConcurrency:      8,
	}
}

// Load reads a YAML configuration document from path, applying defaults for
// any field the document omits. Unknown top-level keys are reported as
// warnings, never errors, per spec §6.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document into a fully-defaulted, validated Config.
func Parse(raw []byte) (*Config, error) {
	cfg := Defaults()

	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(node.Content) > 0 {
		cfg.warnings = append(cfg.warnings, unknownKeys(node.Content[0])...)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.ExtractFromNames == nil {
		yes := true
		cfg.ExtractFromNames = &yes
	}
	if cfg.ExtractFromPaths == nil {
		yes := true
		cfg.ExtractFromPaths = &yes
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	if cfg.AnchorWindowMinutes <= 0 {
		cfg.AnchorWindowMinutes = 180
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.ArtifactPriority == nil {
		cfg.ArtifactPriority = map[string]int{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for internally inconsistent values.
func (c *Config) Validate() error {
	if c.AnchorWindowMinutes <= 0 {
		return fmt.Errorf("anchor_window_minutes must be positive")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil && c.DefaultTimezone != "UTC" {
		return fmt.Errorf("invalid default_timezone %q: %w", c.DefaultTimezone, err)
	}
	if c.Store != "" && !strings.HasPrefix(c.Store, "file://") &&
		!strings.HasPrefix(c.Store, "postgres://") && !strings.HasPrefix(c.Store, "postgresql://") {
		return fmt.Errorf("store must be a file:// path or postgres:// URL, got %q", c.Store)
	}
	return nil
}

// Warnings returns non-fatal issues observed while loading the config
// (unknown fields, etc.), surfaced in the Run Report.
func (c *Config) Warnings() []string {
	return c.warnings
}

// AnchorWindow returns the configured anchor window as a time.Duration.
func (c *Config) AnchorWindow() time.Duration {
	return time.Duration(c.AnchorWindowMinutes) * time.Minute
}

// Priority returns the configured priority for an artifact tag, defaulting
// to 0 for tags absent from the table (spec §4.6).
func (c *Config) Priority(artifact string) int {
	return c.ArtifactPriority[artifact]
}

// unknownKeys walks a YAML mapping node and reports keys outside the set
// Config understands, checked against a fixed list of Config's yaml tags.
func unknownKeys(n *yaml.Node) []string {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	known := map[string]bool{
		"extract_from_names": true, "extract_from_paths": true,
		"name_columns": true, "path_columns": true,
		"custom_time_layouts": true, "default_timezone": true, "substitute_now": true,
		"anchor_window_minutes": true, "artifact_priority": true,
		"primary_table_override": true, "store": true, "max_concurrency": true,
		"scoring_weights": true,
	}
	var warnings []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if !known[key] {
			warnings = append(warnings, fmt.Sprintf("unknown config field %q ignored", key))
		}
	}
	return warnings
}

// MarshalDefaults renders the fully-defaulted configuration as YAML, for
// `correlate run --print-defaults`.
func MarshalDefaults() ([]byte, error) {
	return yaml.Marshal(Defaults())
}
