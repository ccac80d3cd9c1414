package synckit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the on-disk description of how each entity type resolves
// concurrent edits. It is read once at startup and turned into a Resolver.
//
//	version: "1"
//	default: lww
//	entities:
//	  tags:    {strategy: set-union}
//	  counter: {strategy: max}
//	  grade:   {strategy: manual, description: "instructor decides"}
type Policy struct {
	Version  string                  `json:"version" yaml:"version"`
	Default  string                  `json:"default,omitempty" yaml:"default,omitempty"`
	Entities map[string]EntityPolicy `json:"entities,omitempty" yaml:"entities,omitempty"`
}

// EntityPolicy selects the strategy for one entity type.
type EntityPolicy struct {
	Strategy    string `json:"strategy" yaml:"strategy"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// LoadPolicy reads a YAML or JSON policy file; the format follows the extension.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return ParsePolicy(data, detectFormat(path))
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte, format string) (*Policy, error) {
	var p Policy
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse YAML policy: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy format: %s", format)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every strategy name is known.
func (p *Policy) Validate() error {
	var problems []string
	if p.Default != "" {
		if _, err := MergerByName(p.Default); err != nil {
			problems = append(problems, "default: "+err.Error())
		}
	}
	types := make([]string, 0, len(p.Entities))
	for t := range p.Entities {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if t == "" {
			problems = append(problems, "entity type name cannot be empty")
			continue
		}
		if _, err := MergerByName(p.Entities[t].Strategy); err != nil {
			problems = append(problems, fmt.Sprintf("entities.%s: %v", t, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid policy: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Options converts the policy into Resolver options. Extra options are
// applied afterwards, so code-registered merge functions win over the file.
func (p *Policy) Options() ([]Option, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var opts []Option
	if p.Default != "" {
		m, _ := MergerByName(p.Default)
		opts = append(opts, WithDefault(normalizeName(p.Default), m))
	}
	for t, ep := range p.Entities {
		m, _ := MergerByName(ep.Strategy)
		opts = append(opts, WithStrategy(t, normalizeName(ep.Strategy), m))
	}
	return opts, nil
}

// BuildResolver is shorthand for NewResolver(p.Options()..., extra...).
func (p *Policy) BuildResolver(extra ...Option) (*Resolver, error) {
	opts, err := p.Options()
	if err != nil {
		return nil, err
	}
	return NewResolver(append(opts, extra...)...), nil
}

func normalizeName(name string) string {
	switch m, _ := MergerByName(name); m.(type) {
	case LastWriterWins:
		return StrategyLWW
	case SetUnion:
		return StrategySetUnion
	case NumericMax:
		return StrategyMax
	case NumericMin:
		return StrategyMin
	case Manual:
		return StrategyManual
	}
	return name
}

func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}
