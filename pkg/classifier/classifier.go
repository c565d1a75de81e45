// Package classifier turns an issue into a routing decision.
//
// The primary path asks a model for a JSON verdict. Any failure on that path,
// including malformed output or a panic, falls back to a keyword heuristic, so
// Classify always returns a usable result.
package classifier

import (
	"context"
	"fmt"
	"strings"

	"foreman/pkg/agent/llm"
	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/persistence"
)

// Result sources.
const (
	SourceLLM       = "llm"
	SourceHeuristic = "heuristic"
)

const (
	heuristicConfidence  = 0.4
	defaultLLMConfidence = 0.7
	baseComplexity       = 5
	classifyMaxTokens    = 512
)

// Result is a routing decision for one issue.
type Result struct {
	IssueType      persistence.IssueType     `json:"issue_type"`
	Priority       persistence.IssuePriority `json:"priority"`
	Complexity     int                       `json:"complexity"`
	Module         string                    `json:"module"`
	SuggestedAgent string                    `json:"suggested_agent"`
	SuggestedModel string                    `json:"suggested_model"`
	Confidence     float64                   `json:"confidence"`
	Reasoning      string                    `json:"reasoning"`
	Source         string                    `json:"source"`
}

// Catalog is the subset of the agent catalog the classifier routes against.
type Catalog interface {
	Names() []string
	Modules() []string
	Match(text string) (module, agent string)
}

// Classifier routes issues. A nil client always uses the heuristic.
type Classifier struct {
	client  llm.LLMClient
	catalog Catalog
	logger  *logx.Logger
}

// New creates a classifier.
func New(client llm.LLMClient, catalog Catalog) *Classifier {
	return &Classifier{client: client, catalog: catalog, logger: logx.NewLogger("classifier")}
}

// Classify never fails. On any LLM-path problem it returns the heuristic result.
func (c *Classifier) Classify(ctx context.Context, issue *persistence.Issue) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("classification panicked for issue %s: %v", issue.ID, r)
			res = c.heuristic(issue)
		}
	}()

	if c.client == nil {
		return c.heuristic(issue)
	}
	res, err := c.classifyLLM(ctx, issue)
	if err != nil {
		c.logger.Warn("LLM classification failed for issue %s, using heuristic: %v", issue.ID, err)
		return c.heuristic(issue)
	}
	return res
}

// llmVerdict is the JSON shape the model is asked to return.
type llmVerdict struct {
	IssueType      string  `json:"issue_type"`
	Priority       string  `json:"priority"`
	Complexity     int     `json:"complexity"`
	Module         string  `json:"module"`
	SuggestedAgent string  `json:"suggested_agent"`
	SuggestedModel string  `json:"suggested_model"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

func (c *Classifier) classifyLLM(ctx context.Context, issue *persistence.Issue) (Result, error) {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(c.prompt()),
		llm.NewUserMessage(describe(issue)),
	})
	req.MaxTokens = classifyMaxTokens
	req.Temperature = llm.TemperatureDeterministic
	req.JSONMode = true

	ctx = llm.WithCallInfo(ctx, llm.CallInfo{Purpose: "classify", OrgID: issue.OrgID})
	resp, err := c.client.Complete(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("completion failed: %w", err)
	}

	var v llmVerdict
	if err := llm.DecodeJSON(resp.Content, &v); err != nil {
		return Result{}, err
	}
	return c.repair(issue, &v), nil
}

// repair clamps numeric fields and replaces unknown names with heuristic picks.
func (c *Classifier) repair(issue *persistence.Issue, v *llmVerdict) Result {
	module, agent := c.match(issue)
	res := Result{
		IssueType:      persistence.IssueType(strings.ToLower(v.IssueType)),
		Priority:       persistence.IssuePriority(strings.ToLower(v.Priority)),
		Complexity:     clamp(v.Complexity, 1, 10),
		Module:         strings.ToLower(strings.TrimSpace(v.Module)),
		SuggestedAgent: strings.TrimSpace(v.SuggestedAgent),
		SuggestedModel: strings.ToLower(v.SuggestedModel),
		Confidence:     v.Confidence,
		Reasoning:      strings.TrimSpace(v.Reasoning),
		Source:         SourceLLM,
	}
	if !validType(res.IssueType) {
		res.IssueType = issue.Type
	}
	if !validPriority(res.Priority) {
		res.Priority = issue.Priority
	}
	if v.Complexity == 0 {
		res.Complexity = heuristicComplexity(issue)
	}
	if !config.IsValidTier(res.SuggestedModel) {
		res.SuggestedModel = config.TierForComplexity(res.Complexity)
	}
	if c.catalog != nil {
		if !contains(c.catalog.Modules(), res.Module) {
			res.Module = module
		}
		if !contains(c.catalog.Names(), res.SuggestedAgent) {
			res.SuggestedAgent = agent
		}
	}
	if res.Module == "" {
		res.Module = module
	}
	if res.SuggestedAgent == "" {
		res.SuggestedAgent = agent
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		res.Confidence = defaultLLMConfidence
	}
	return res
}

func (c *Classifier) heuristic(issue *persistence.Issue) Result {
	complexity := heuristicComplexity(issue)
	module, agent := c.match(issue)
	priority := issue.Priority
	if !validPriority(priority) {
		priority = persistence.PriorityMedium
	}
	return Result{
		IssueType:      issue.Type,
		Priority:       priority,
		Complexity:     complexity,
		Module:         module,
		SuggestedAgent: agent,
		SuggestedModel: config.TierForComplexity(complexity),
		Confidence:     heuristicConfidence,
		Reasoning:      fmt.Sprintf("heuristic: %s issue scored %d", issue.Type, complexity),
		Source:         SourceHeuristic,
	}
}

func (c *Classifier) match(issue *persistence.Issue) (module, agent string) {
	if c.catalog == nil {
		return "general", "general"
	}
	text := issue.Title + " " + issue.Description + " " + issue.Context.Module + " " + strings.Join(issue.Context.Files, " ")
	return c.catalog.Match(text)
}

func (c *Classifier) prompt() string {
	var modules, agents []string
	if c.catalog != nil {
		modules = c.catalog.Modules()
		agents = c.catalog.Names()
	}
	return fmt.Sprintf(classifyTemplate, listOrNone(modules), listOrNone(agents))
}

const classifyTemplate = `You route software issues to engineering agents.

Known modules: %s
Known agents: %s

Respond with a single JSON object and nothing else:
{"issue_type": "bug|feature|enhancement|question|task|deployment",
 "priority": "critical|high|medium|low",
 "complexity": 1-10,
 "module": "<one of the known modules>",
 "suggested_agent": "<one of the known agents>",
 "suggested_model": "fast|standard|premium",
 "confidence": 0.0-1.0,
 "reasoning": "<one sentence>"}

Model selection rule: complexity 1-3 uses fast, 4-7 uses standard, 8-10 uses premium.`

func describe(issue *persistence.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Type: %s\nPriority: %s\nTitle: %s\n\n%s\n", issue.Type, issue.Priority, issue.Title, issue.Description)
	if issue.Context.Module != "" {
		fmt.Fprintf(&b, "\nModule hint: %s\n", issue.Context.Module)
	}
	if len(issue.Context.Files) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(issue.Context.Files, ", "))
	}
	if issue.Context.ErrorText != "" {
		fmt.Fprintf(&b, "Error:\n%s\n", issue.Context.ErrorText)
	}
	return b.String()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

func validType(t persistence.IssueType) bool {
	switch t {
	case persistence.IssueTypeBug, persistence.IssueTypeFeature, persistence.IssueTypeEnhancement,
		persistence.IssueTypeQuestion, persistence.IssueTypeTask, persistence.IssueTypeDeployment:
		return true
	}
	return false
}

func validPriority(p persistence.IssuePriority) bool {
	switch p {
	case persistence.PriorityCritical, persistence.PriorityHigh, persistence.PriorityMedium, persistence.PriorityLow:
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
