package proto

import (
	"encoding/json"
	"fmt"

	"orchestrator/pkg/logx"
)

// FeatureCategory distinguishes functional work from purely cosmetic work.
type FeatureCategory string

// Feature categories (spec §3).
const (
	FeatureFunctional FeatureCategory = "functional"
	FeatureStyle      FeatureCategory = "style"
)

// Feature is a single entry in the feature manifest (feature_list.json).
// Field order and JSON tags are load-bearing: other components (the LLM,
// the UI) parse this exact shape (spec §6).
//
//nolint:govet // logical field grouping preferred over byte-packing
type Feature struct {
	Category    FeatureCategory `json:"category"`
	Description string          `json:"description"`
	Steps       []string        `json:"steps"`
	Passes      bool            `json:"passes"`
	Blocking    *bool           `json:"blocking,omitempty"`
	DependsOn   []string        `json:"dependsOn,omitempty"`
}

// IsBlocking returns the effective blocking flag: true when unspecified,
// per spec §3 ("blocking (bool; default true if absent)").
func (f *Feature) IsBlocking() bool {
	return f.Blocking == nil || *f.Blocking
}

// Manifest is the parsed contents of feature_list.json. On the wire and at
// rest it is a bare JSON array of features (spec §6), not an object, so
// Manifest carries its own MarshalJSON/UnmarshalJSON rather than using the
// struct's default field-keyed encoding.
type Manifest struct {
	Features []Feature
}

// MarshalJSON encodes the manifest as a bare JSON array, matching
// feature_list.json's on-disk shape exactly (spec §6).
func (m *Manifest) MarshalJSON() ([]byte, error) {
	if m.Features == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.Features)
}

// UnmarshalJSON decodes a bare JSON array into the manifest.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var features []Feature
	if err := json.Unmarshal(data, &features); err != nil {
		return err
	}
	m.Features = features
	return nil
}

// ToJSON serializes the manifest to its feature_list.json array form.
func (m *Manifest) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, logx.Wrap(err, "marshal manifest")
	}
	return data, nil
}

// ManifestFromJSON parses feature_list.json's bare-array contents.
func ManifestFromJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, logx.Wrap(err, "unmarshal manifest")
	}
	return &m, nil
}

// Progress computes (completed, total) across all features.
func (m *Manifest) Progress() Progress {
	p := Progress{Total: len(m.Features)}
	for i := range m.Features {
		if m.Features[i].Passes {
			p.Completed++
		}
	}
	return p
}

// AllPass reports whether every feature in the manifest has passes=true.
// An empty manifest is never considered complete (spec §8 boundary case:
// "Manifest empty: planning is considered unfinished regardless of
// sentinel").
func (m *Manifest) AllPass() bool {
	if len(m.Features) == 0 {
		return false
	}
	for i := range m.Features {
		if !m.Features[i].Passes {
			return false
		}
	}
	return true
}

// Blocking returns the subset of features that must complete before the
// parallel phase may start.
func (m *Manifest) Blocking() []Feature {
	var out []Feature
	for _, f := range m.Features {
		if f.IsBlocking() {
			out = append(out, f)
		}
	}
	return out
}

// NonBlocking returns the subset eligible for the parallel phase.
func (m *Manifest) NonBlocking() []Feature {
	var out []Feature
	for _, f := range m.Features {
		if !f.IsBlocking() {
			out = append(out, f)
		}
	}
	return out
}

// ByDescription looks up a feature by its unique description.
func (m *Manifest) ByDescription(desc string) (*Feature, error) {
	for i := range m.Features {
		if m.Features[i].Description == desc {
			return &m.Features[i], nil
		}
	}
	return nil, fmt.Errorf("no feature with description %q", desc)
}

// Validate checks the manifest invariants from spec §3: descriptions are
// unique, and dependsOn forms a DAG when restricted to non-blocking
// (parallel-eligible) nodes.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Features))
	for _, f := range m.Features {
		if seen[f.Description] {
			return fmt.Errorf("duplicate feature description %q", f.Description)
		}
		seen[f.Description] = true
	}

	nonBlocking := make(map[string][]string, len(m.Features))
	for _, f := range m.Features {
		if !f.IsBlocking() {
			nonBlocking[f.Description] = f.DependsOn
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(nonBlocking))
	var visit func(desc string) error
	visit = func(desc string) error {
		switch state[desc] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("dependsOn cycle detected at feature %q", desc)
		}
		state[desc] = visiting
		for _, dep := range nonBlocking[desc] {
			if _, ok := nonBlocking[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[desc] = visited
		return nil
	}
	for desc := range nonBlocking {
		if err := visit(desc); err != nil {
			return err
		}
	}
	return nil
}

// SetPasses marks the named feature passing. Per spec §3, passes is
// monotonic and never reset false once true; a regression is rejected.
func (m *Manifest) SetPasses(description string, passes bool) error {
	f, err := m.ByDescription(description)
	if err != nil {
		return err
	}
	if f.Passes && !passes {
		return fmt.Errorf("feature %q: passes may not transition true -> false", description)
	}
	f.Passes = passes
	return nil
}
