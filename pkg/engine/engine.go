// Package engine parses and merges scan engine configurations. An engine
// is a YAML document with one section per stage naming the tools to run
// and their options; a scan can combine several engines into one merged
// document.
package engine

import (
	"errors"
	"fmt"
	"reflect"

	"gopkg.in/yaml.v3"
)

// Stage names, in conventional execution order
const (
	StageSubdomainDiscovery = "subdomain_discovery"
	StagePortScan           = "port_scan"
	StageSiteScan           = "site_scan"
	StageURLFetch           = "url_fetch"
	StageDirectoryScan      = "directory_scan"
	StageFingerprintDetect  = "fingerprint_detect"
	StageScreenshot         = "screenshot"
	StageVulnScan           = "vuln_scan"
)

// StageOrder is the canonical ordering used by execution plans and
// progress displays
var StageOrder = []string{
	StageSubdomainDiscovery,
	StagePortScan,
	StageSiteScan,
	StageURLFetch,
	StageDirectoryScan,
	StageFingerprintDetect,
	StageScreenshot,
	StageVulnScan,
}

// ErrConfigConflict indicates two engines configure the same stage with
// different tool maps
var ErrConfigConflict = errors.New("conflicting engine configurations")

// Timeout is either a fixed number of seconds or "auto", which defers to
// the per-stage formula
type Timeout struct {
	Auto    bool
	Seconds int
}

// UnmarshalYAML accepts an integer or the string "auto"
func (t *Timeout) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if s == "auto" {
			t.Auto = true
			return nil
		}
		return fmt.Errorf("invalid timeout %q", s)
	}
	var n int
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("invalid timeout %d", n)
	}
	t.Seconds = n
	return nil
}

// MarshalYAML renders the timeout back into its document form
func (t Timeout) MarshalYAML() (interface{}, error) {
	if t.Auto {
		return "auto", nil
	}
	return t.Seconds, nil
}

// ToolOptions configures one tool within a stage
type ToolOptions struct {
	Template        string   `yaml:"template,omitempty"`
	Timeout         Timeout  `yaml:"timeout,omitempty"`
	MaxWorkers      int      `yaml:"max_workers,omitempty"`
	Concurrency     int      `yaml:"concurrency,omitempty"`
	Rate            int      `yaml:"rate,omitempty"`
	WordlistName    string   `yaml:"wordlist_name,omitempty"`
	FingerprintLibs []string `yaml:"fingerprint_libs,omitempty"`
}

// StageConfig is one stage's section of an engine document
type StageConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Tools   map[string]ToolOptions `yaml:"tools,omitempty"`
}

// Config is a parsed engine document: stage name to section
type Config struct {
	Stages map[string]StageConfig
}

// Parse decodes one engine YAML document. Unknown stage names are
// rejected so typos fail at scan creation, not mid-run.
func Parse(data []byte) (*Config, error) {
	var stages map[string]StageConfig
	if err := yaml.Unmarshal(data, &stages); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	for name := range stages {
		if !knownStage(name) {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}
	if stages == nil {
		stages = make(map[string]StageConfig)
	}
	return &Config{Stages: stages}, nil
}

func knownStage(name string) bool {
	for _, s := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// Stage returns a stage's section; a missing section reads as disabled
func (c *Config) Stage(name string) StageConfig {
	return c.Stages[name]
}

// Enabled reports whether a stage is switched on
func (c *Config) Enabled(name string) bool {
	return c.Stages[name].Enabled
}

// EnabledStages lists the enabled stages in canonical order
func (c *Config) EnabledStages() []string {
	var out []string
	for _, name := range StageOrder {
		if c.Enabled(name) {
			out = append(out, name)
		}
	}
	return out
}

// Marshal renders the configuration back to YAML, as stored on scan rows
func (c *Config) Marshal() (string, error) {
	data, err := yaml.Marshal(c.Stages)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Merge combines several engine documents into one. A stage enabled by
// exactly one engine is taken as-is; a stage enabled by several must have
// identical tool maps or the merge fails with ErrConfigConflict.
func Merge(configs ...*Config) (*Config, error) {
	merged := &Config{Stages: make(map[string]StageConfig)}
	for _, cfg := range configs {
		for name, section := range cfg.Stages {
			existing, seen := merged.Stages[name]
			switch {
			case !seen:
				merged.Stages[name] = section
			case !section.Enabled:
				// A disabled section never overrides an enabled one
			case !existing.Enabled:
				merged.Stages[name] = section
			case !reflect.DeepEqual(existing.Tools, section.Tools):
				return nil, fmt.Errorf("%w: stage %s enabled with different tools",
					ErrConfigConflict, name)
			}
		}
	}
	return merged, nil
}

// GroupMode distinguishes sequential from parallel stage groups
type GroupMode string

const (
	GroupSequential GroupMode = "sequential"
	GroupParallel   GroupMode = "parallel"
)

// Group is one step of an execution plan
type Group struct {
	Mode   GroupMode
	Stages []string
}

// Plan builds the execution plan: discovery stages run sequentially, the
// enrichment stages fan out in parallel. Disabled stages are absent.
func (c *Config) Plan() []Group {
	sequential := []string{StageSubdomainDiscovery, StagePortScan, StageSiteScan}
	parallel := []string{
		StageURLFetch,
		StageDirectoryScan,
		StageFingerprintDetect,
		StageScreenshot,
		StageVulnScan,
	}

	var plan []Group
	if stages := c.filterEnabled(sequential); len(stages) > 0 {
		plan = append(plan, Group{Mode: GroupSequential, Stages: stages})
	}
	if stages := c.filterEnabled(parallel); len(stages) > 0 {
		plan = append(plan, Group{Mode: GroupParallel, Stages: stages})
	}
	return plan
}

func (c *Config) filterEnabled(names []string) []string {
	var out []string
	for _, name := range names {
		if c.Enabled(name) {
			out = append(out, name)
		}
	}
	return out
}
