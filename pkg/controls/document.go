// Package controls maps evidence sources to the compliance controls they
// satisfy.
//
// A mapping document is YAML:
//
//	version: 1.4.0
//	framework: CMMC-2.0/NIST-800-171
//	rules:
//	  - source: sast
//	    category: "*"
//	    controls: [SI.L2-3.14.1, RA.L2-3.11.2]
//	  - source: access-log
//	    category: privileged
//	    when: metadata.environment == "production"
//	    controls: [AU.L2-3.3.1]
//
// The registry serves immutable snapshots; a reload swaps the snapshot
// atomically.
package controls

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/attest/pkg/evidence"
)

// AnyCategory matches every category of a source.
const AnyCategory = "*"

// Document is the on-disk mapping format.
type Document struct {
	Version   string `yaml:"version" json:"version"`
	Framework string `yaml:"framework" json:"framework"`
	Rules     []Rule `yaml:"rules" json:"rules"`
}

// Rule maps (source, category) to controls, optionally guarded by a CEL
// expression over the ingest metadata.
type Rule struct {
	Source   string   `yaml:"source" json:"source"`
	Category string   `yaml:"category" json:"category"`
	Controls []string `yaml:"controls" json:"controls"`
	When     string   `yaml:"when,omitempty" json:"when,omitempty"`
}

// ParseDocument decodes and validates a mapping document. Unknown fields are
// rejected so that a typo never silently drops a rule.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse control mapping: %w", err)
	}
	if err := doc.normalize(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) normalize() error {
	if d.Version == "" {
		return fmt.Errorf("control mapping: version is required")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("control mapping: invalid version %q: %w", d.Version, err)
	}
	if d.Framework == "" {
		return fmt.Errorf("control mapping: framework is required")
	}
	if len(d.Rules) == 0 {
		return fmt.Errorf("control mapping: at least one rule is required")
	}

	for i := range d.Rules {
		r := &d.Rules[i]
		if _, err := evidence.ParseSource(r.Source); err != nil {
			return fmt.Errorf("control mapping: rule %d: %w", i, err)
		}
		if r.Category == "" {
			r.Category = AnyCategory
		}
		r.Controls = evidence.NormalizeControls(r.Controls)
		if len(r.Controls) == 0 {
			return fmt.Errorf("control mapping: rule %d (%s/%s) has no controls", i, r.Source, r.Category)
		}
	}

	sort.SliceStable(d.Rules, func(i, j int) bool {
		if d.Rules[i].Source != d.Rules[j].Source {
			return d.Rules[i].Source < d.Rules[j].Source
		}
		return d.Rules[i].Category < d.Rules[j].Category
	})
	return nil
}
