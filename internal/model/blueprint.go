package model

import (
	"encoding/json"
	"fmt"
	"maps"

	"gopkg.in/yaml.v3"
)

// Blueprint is the configuration submitted alongside a prompt. Known fields
// are typed; everything else is kept in Extra and passed to the kernel as-is.
type Blueprint struct {
	Template   string         `json:"template,omitempty" yaml:"template,omitempty"`
	Toolchains []string       `json:"toolchains,omitempty" yaml:"toolchains,omitempty"`
	Speculate  bool           `json:"speculate,omitempty" yaml:"speculate,omitempty"`
	MaxAgents  int            `json:"max_agents,omitempty" yaml:"max_agents,omitempty"`
	Priority   int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Risk       string         `json:"risk,omitempty" yaml:"risk,omitempty"`
	Size       string         `json:"size,omitempty" yaml:"size,omitempty"`
	Extra      map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// ParseBlueprint decodes a blueprint from YAML or JSON (JSON is valid YAML).
// An empty document yields the zero Blueprint.
func ParseBlueprint(data []byte) (Blueprint, error) {
	var bp Blueprint
	if len(data) == 0 {
		return bp, nil
	}
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return Blueprint{}, fmt.Errorf("model: parse blueprint: %w", err)
	}
	if bp.MaxAgents < 0 {
		return Blueprint{}, fmt.Errorf("model: parse blueprint: max_agents must not be negative")
	}
	return bp, nil
}

// Clone returns a copy that shares no mutable state with b.
func (b Blueprint) Clone() Blueprint {
	c := b
	if b.Toolchains != nil {
		c.Toolchains = append([]string(nil), b.Toolchains...)
	}
	if b.Extra != nil {
		c.Extra = maps.Clone(b.Extra)
	}
	return c
}

// Fingerprint is a canonical JSON encoding used for submission idempotency.
func (b Blueprint) Fingerprint() string {
	data, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	return string(data)
}
