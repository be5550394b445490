// Package config loads the agents file: shared defaults, named backends
// and the agents that use them.
//
//	defaults:
//	  model: openai:gpt-4o
//	  max_turns: 40
//	backends:
//	  scratch: {type: state}
//	  memories: {type: store, driver: sqlite, path: ./wick.db, namespace: memories}
//	  main:
//	    type: composite
//	    default: scratch
//	    routes: {/memories/: memories}
//	agents:
//	  coder:
//	    backend: main
//	    system_prompt: You write Go.
package config

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"wick_core/agent"
)

// File is the top-level structure of the agents file.
type File struct {
	Defaults agent.AgentConfig       `yaml:"defaults"`
	Backends map[string]*BackendSpec `yaml:"backends"`
	Agents   map[string]*AgentSpec   `yaml:"agents"`

	dir string
}

// AgentSpec is one agent entry. The map key is its name unless Name is set.
type AgentSpec struct {
	agent.AgentConfig `yaml:",inline"`
	BackendName       string `yaml:"backend"`
}

// Load reads and validates the agents file at path. Environment variables
// in the file are expanded; relative paths resolve against its directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	f, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.dir, _ = filepath.Abs(filepath.Dir(path))
	return f, nil
}

// Parse decodes and validates an agents file held in memory. Relative paths
// resolve against the working directory.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	for name, a := range f.Agents {
		if a == nil {
			a = &AgentSpec{}
			f.Agents[name] = a
		}
		if a.Name == "" {
			a.Name = name
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks backend specs, routing tables and every reference to a
// named backend.
func (f *File) Validate() error {
	for _, name := range sortedKeys(f.Backends) {
		spec := f.Backends[name]
		if spec == nil {
			return fmt.Errorf("backend %q: empty spec", name)
		}
		if err := spec.validate(name, f.Backends); err != nil {
			return err
		}
	}
	if err := f.checkCycles(); err != nil {
		return err
	}
	if err := f.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for _, name := range sortedKeys(f.Agents) {
		a := f.Agents[name]
		if err := f.checkRef(a.BackendName); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		for _, s := range a.SubAgents {
			if err := f.checkRef(s.BackendName); err != nil {
				return fmt.Errorf("agent %q: subagent %q: %w", name, s.Name, err)
			}
		}
		if err := a.AgentConfig.Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
	}
	return nil
}

func (f *File) checkRef(name string) error {
	if name == "" {
		return nil
	}
	if _, ok := f.Backends[name]; !ok {
		return fmt.Errorf("unknown backend %q", name)
	}
	return nil
}

// checkCycles rejects composites that route back to themselves.
func (f *File) checkCycles() error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("backend %q: routing cycle %v", name, append(path, name))
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range f.Backends[name].deps() {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, name := range sortedKeys(f.Backends) {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// AgentNames returns the configured agent names, sorted.
func (f *File) AgentNames() []string {
	return sortedKeys(f.Agents)
}

// Agent returns the configuration of the named agent with defaults
// applied. Backend references are attached by Resolve.
func (f *File) Agent(name string) (agent.AgentConfig, error) {
	a, ok := f.Agents[name]
	if !ok {
		return agent.AgentConfig{}, fmt.Errorf("unknown agent %q (configured: %v)", name, f.AgentNames())
	}
	return merge(a.AgentConfig.Clone(), f.Defaults), nil
}

// Resolve returns the named agent's configuration with its backend, and the
// backends of its sub-agents, built from backends.
func (f *File) Resolve(ctx context.Context, name string, backends *Backends) (agent.AgentConfig, error) {
	cfg, err := f.Agent(name)
	if err != nil {
		return cfg, err
	}
	if ref := f.Agents[name].BackendName; ref != "" {
		if cfg.Backend, err = backends.Get(ctx, ref); err != nil {
			return cfg, fmt.Errorf("agent %q: %w", name, err)
		}
	}
	for i, s := range cfg.SubAgents {
		if s.BackendName == "" {
			continue
		}
		if cfg.SubAgents[i].Backend, err = backends.Get(ctx, s.BackendName); err != nil {
			return cfg, fmt.Errorf("agent %q: subagent %q: %w", name, s.Name, err)
		}
	}
	return cfg, nil
}

// path resolves p against the agents file directory.
func (f *File) path(p string) string {
	if p == "" || filepath.IsAbs(p) || f.dir == "" {
		return p
	}
	return filepath.Join(f.dir, p)
}

// merge fills the unset fields of c from d.
func merge(c, d agent.AgentConfig) agent.AgentConfig {
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.Temperature == nil && d.Temperature != nil {
		t := *d.Temperature
		c.Temperature = &t
	}
	if c.ContextWindow == 0 {
		c.ContextWindow = d.ContextWindow
	}
	if len(c.Middleware) == 0 {
		c.Middleware = slices.Clone(d.Middleware)
	}
	if len(c.InterruptOn) == 0 {
		c.InterruptOn = slices.Clone(d.InterruptOn)
	}
	if len(c.Memory) == 0 {
		c.Memory = slices.Clone(d.Memory)
	}
	if len(c.HTTPTools) == 0 {
		c.HTTPTools = slices.Clone(d.HTTPTools)
	}
	if c.Web == (agent.WebConfig{}) {
		c.Web = d.Web
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.SubAgentTimeout == 0 {
		c.SubAgentTimeout = d.SubAgentTimeout
	}
	if c.Summarization.TriggerFraction == 0 {
		c.Summarization.TriggerFraction = d.Summarization.TriggerFraction
	}
	if c.Summarization.KeepMessages == 0 {
		c.Summarization.KeepMessages = d.Summarization.KeepMessages
	}
	if c.Summarization.Digest == "" {
		c.Summarization.Digest = d.Summarization.Digest
	}
	return c
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
