// Package catalog holds the agent definitions jobs are routed to.
//
// Definitions are read from YAML files in a directory, one or more agents per
// file, and may be hot-reloaded. Persisted overrides produced by the feedback
// loop are overlaid at resolve time so applied improvements take effect on the
// next job without touching the files.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/tools"
)

// DefaultAgent is the agent used when nothing more specific matches.
const DefaultAgent = "general"

// DefaultModule is the module reported when no keyword matches.
const DefaultModule = "general"

// Agent is one agent definition as written in a catalog file.
type Agent struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Modules      []string `yaml:"modules"`
	Keywords     []string `yaml:"keywords"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	ModelTier    string   `yaml:"model_tier"`
	ReadOnly     bool     `yaml:"read_only"`
}

// file is the on-disk shape. A file holds either a list under "agents" or a single agent.
type file struct {
	Agents []Agent `yaml:"agents"`
	Agent  `yaml:",inline"`
}

// Resolved is an agent definition with overrides applied.
type Resolved struct {
	Agent
	// PromptAppend is the concatenation of override prompt additions, oldest first.
	PromptAppend string
	// OverrideIDs lists the overrides that were applied.
	OverrideIDs []string
}

// FullPrompt returns the base prompt followed by any override additions.
func (r *Resolved) FullPrompt() string {
	if r.PromptAppend == "" {
		return r.SystemPrompt
	}
	return strings.TrimSpace(r.SystemPrompt) + "\n\n" + r.PromptAppend
}

// OverrideSource lists persisted overrides for an agent.
type OverrideSource interface {
	ListOverrides(ctx context.Context, orgID, agentType string) ([]persistence.AgentOverride, error)
}

// Catalog is a concurrency-safe set of agent definitions.
type Catalog struct {
	dir       string
	overrides OverrideSource
	logger    *logx.Logger

	mu     sync.RWMutex
	agents map[string]Agent
}

// New creates a catalog holding only the built-in general agent.
// A nil overrides source disables overlaying.
func New(overrides OverrideSource) *Catalog {
	return &Catalog{
		overrides: overrides,
		logger:    logx.NewLogger("catalog"),
		agents:    map[string]Agent{DefaultAgent: builtinGeneral()},
	}
}

// Load creates a catalog from every *.yaml and *.yml file in dir. A missing
// directory yields the built-in catalog.
func Load(dir string, overrides OverrideSource) (*Catalog, error) {
	c := New(overrides)
	c.dir = dir
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func builtinGeneral() Agent {
	return Agent{
		Name:        DefaultAgent,
		Description: "General-purpose engineering agent",
		SystemPrompt: "You are a careful software engineer working on a reported issue. " +
			"Inspect the workspace with the available tools before drawing conclusions. " +
			"When you are done, call the report tool with a concise summary and concrete recommendations.",
		Tools:    []string{tools.ToolReadFile, tools.ToolListFiles, tools.ToolSearch, tools.ToolReport},
		ReadOnly: true,
	}
}

// Reload re-reads the catalog directory. On error the previous definitions are kept.
func (c *Catalog) Reload() error {
	if c.dir == "" {
		return nil
	}
	agents, err := readDir(c.dir)
	if err != nil {
		return err
	}
	if _, ok := agents[DefaultAgent]; !ok {
		agents[DefaultAgent] = builtinGeneral()
	}

	c.mu.Lock()
	c.agents = agents
	c.mu.Unlock()
	c.logger.Info("loaded %d agent definitions from %s", len(agents), c.dir)
	return nil
}

func readDir(dir string) (map[string]Agent, error) {
	agents := make(map[string]Agent)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return agents, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		defs, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		for i := range defs {
			if _, dup := agents[defs[i].Name]; dup {
				return nil, fmt.Errorf("%s: agent %q defined twice", path, defs[i].Name)
			}
			agents[defs[i].Name] = defs[i]
		}
	}
	return agents, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func parseFile(path string) ([]Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	defs := f.Agents
	if f.Agent.Name != "" {
		defs = append(defs, f.Agent)
	}
	for i := range defs {
		if err := validate(&defs[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return defs, nil
}

func validate(a *Agent) error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if strings.TrimSpace(a.SystemPrompt) == "" {
		return fmt.Errorf("agent %q: system_prompt is required", a.Name)
	}
	if a.ModelTier != "" && !config.IsValidTier(a.ModelTier) {
		return fmt.Errorf("agent %q: unknown model_tier %q", a.Name, a.ModelTier)
	}
	if len(a.Tools) == 0 {
		a.Tools = []string{tools.ToolReadFile, tools.ToolListFiles, tools.ToolSearch, tools.ToolReport}
	}
	for _, t := range a.Tools {
		if !tools.IsRegistered(t) {
			return fmt.Errorf("agent %q: unknown tool %q", a.Name, t)
		}
	}
	for i, k := range a.Keywords {
		a.Keywords[i] = strings.ToLower(strings.TrimSpace(k))
	}
	for i, m := range a.Modules {
		a.Modules[i] = strings.ToLower(strings.TrimSpace(m))
	}
	return nil
}

// Put adds or replaces a definition in memory.
func (c *Catalog) Put(a Agent) error {
	if err := validate(&a); err != nil {
		return err
	}
	c.mu.Lock()
	c.agents[a.Name] = a
	c.mu.Unlock()
	return nil
}

// Get returns a definition by name.
func (c *Catalog) Get(name string) (Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[name]
	return a, ok
}

// Names returns the agent names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.agents))
	for n := range c.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Modules returns every module named by any agent, sorted and deduplicated.
func (c *Catalog) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, a := range c.agents {
		for _, m := range a.Modules {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Match picks the module and agent whose keywords and module names occur most
// often in text. Ties go to the alphabetically first agent. No hit yields the defaults.
func (c *Catalog) Match(text string) (module, agent string) {
	text = strings.ToLower(text)
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.agents))
	for n := range c.agents {
		names = append(names, n)
	}
	sort.Strings(names)

	module, agent = DefaultModule, DefaultAgent
	best := 0
	for _, n := range names {
		a := c.agents[n]
		score, hitModule := 0, ""
		for _, m := range a.Modules {
			if m != "" && strings.Contains(text, m) {
				score += 2
				if hitModule == "" {
					hitModule = m
				}
			}
		}
		for _, k := range a.Keywords {
			if k != "" && strings.Contains(text, k) {
				score++
			}
		}
		if score > best {
			best = score
			agent = n
			switch {
			case hitModule != "":
				module = hitModule
			case len(a.Modules) > 0:
				module = a.Modules[0]
			default:
				module = DefaultModule
			}
		}
	}
	return module, agent
}

// Resolve returns the definition for agentType with the org's overrides applied.
// Unknown agent types resolve to the general agent.
func (c *Catalog) Resolve(ctx context.Context, orgID, agentType string) (*Resolved, error) {
	base, ok := c.Get(agentType)
	if !ok {
		c.logger.Warn("unknown agent type %q, using %s", agentType, DefaultAgent)
		base, _ = c.Get(DefaultAgent)
	}
	res := &Resolved{Agent: base}
	res.Tools = append([]string(nil), base.Tools...)
	if c.overrides == nil {
		return res, nil
	}

	overrides, err := c.overrides.ListOverrides(ctx, orgID, base.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides for %s: %w", base.Name, err)
	}
	var appends []string
	for i := range overrides {
		o := &overrides[i]
		if s := strings.TrimSpace(o.PromptAppend); s != "" {
			appends = append(appends, s)
		}
		if config.IsValidTier(o.ModelTier) {
			res.ModelTier = o.ModelTier
		}
		if len(o.AllowedTools) > 0 {
			res.Tools = filterRegistered(o.AllowedTools)
		}
		res.OverrideIDs = append(res.OverrideIDs, o.ID)
	}
	res.PromptAppend = strings.Join(appends, "\n\n")
	return res, nil
}

func filterRegistered(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if tools.IsRegistered(n) {
			out = append(out, n)
		}
	}
	return out
}
