package tools

import (
	"fmt"
	"sort"
	"sync"
)

// AgentContext carries the per-job configuration tools are built with.
type AgentContext struct {
	WorkDir  string
	ReadOnly bool
}

// ToolFactory creates a tool instance configured for a specific job.
type ToolFactory func(ctx AgentContext) (Tool, error)

type toolDescriptor struct {
	factory  ToolFactory
	mutating bool
}

// immutableRegistry is the global tool registry. It is sealed on first provider creation.
type immutableRegistry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]toolDescriptor
}

//nolint:gochecknoglobals // factory registry
var globalRegistry = &immutableRegistry{
	tools: make(map[string]toolDescriptor),
}

func init() { //nolint:gochecknoinits // built-in tool registration
	Register(ToolReadFile, func(c AgentContext) (Tool, error) { return NewReadFileTool(c.WorkDir), nil }, false)
	Register(ToolListFiles, func(c AgentContext) (Tool, error) { return NewListFilesTool(c.WorkDir), nil }, false)
	Register(ToolSearch, func(c AgentContext) (Tool, error) { return NewSearchTool(c.WorkDir), nil }, false)
	Register(ToolReport, func(AgentContext) (Tool, error) { return NewReportTool(), nil }, false)
	Register(ToolWriteFile, func(c AgentContext) (Tool, error) { return NewWriteFileTool(c.WorkDir), nil }, true)
	Register(ToolEditFile, func(c AgentContext) (Tool, error) { return NewEditFileTool(c.WorkDir), nil }, true)
}

// Register adds a tool factory. Panics if called after the registry is sealed.
func Register(name string, factory ToolFactory, mutating bool) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if globalRegistry.sealed {
		panic(fmt.Sprintf("tool registry sealed - cannot register tool '%s'", name))
	}
	globalRegistry.tools[name] = toolDescriptor{factory: factory, mutating: mutating}
}

// Seal prevents further registrations.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// IsRegistered reports whether a tool name is known.
func IsRegistered(name string) bool {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	_, ok := globalRegistry.tools[name]
	return ok
}

// RegisteredNames returns every registered tool name, sorted.
func RegisteredNames() []string {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	names := make([]string, 0, len(globalRegistry.tools))
	for name := range globalRegistry.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolProvider creates and caches the tools allowed for one job.
type ToolProvider struct {
	ctx      AgentContext
	tools    map[string]Tool
	allowed  []string
	allowSet map[string]struct{}
	mu       sync.Mutex
}

// NewProvider creates a provider for the given context and allow list. Unknown names are dropped,
// mutating tools are dropped in read-only contexts. The registry is sealed on first use.
func NewProvider(ctx AgentContext, allowedTools []string) *ToolProvider {
	Seal()

	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	p := &ToolProvider{
		ctx:      ctx,
		tools:    make(map[string]Tool),
		allowSet: make(map[string]struct{}, len(allowedTools)),
	}
	for _, name := range allowedTools {
		desc, ok := globalRegistry.tools[name]
		if !ok || (ctx.ReadOnly && desc.mutating) {
			continue
		}
		if _, dup := p.allowSet[name]; dup {
			continue
		}
		p.allowSet[name] = struct{}{}
		p.allowed = append(p.allowed, name)
	}
	return p
}

// Get returns a tool instance, creating it lazily.
func (p *ToolProvider) Get(name string) (Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allowSet[name]; !ok {
		return nil, fmt.Errorf("tool '%s' not allowed in this context", name)
	}
	if tool, ok := p.tools[name]; ok {
		return tool, nil
	}

	globalRegistry.mu.RLock()
	desc := globalRegistry.tools[name]
	globalRegistry.mu.RUnlock()

	tool, err := desc.factory(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool '%s': %w", name, err)
	}
	p.tools[name] = tool
	return tool, nil
}

// Names returns the allowed tool names in allow-list order.
func (p *ToolProvider) Names() []string {
	return append([]string(nil), p.allowed...)
}

// Definitions returns schemas for every allowed tool, in allow-list order.
func (p *ToolProvider) Definitions() ([]ToolDefinition, error) {
	defs := make([]ToolDefinition, 0, len(p.allowed))
	for _, name := range p.allowed {
		tool, err := p.Get(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, tool.Definition())
	}
	return defs, nil
}
