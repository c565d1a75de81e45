package tools

import (
	"context"
	"fmt"
	"strings"
)

// ReportTool is the terminal tool. Calling it ends the job with a summary.
type ReportTool struct{}

func NewReportTool() *ReportTool { return &ReportTool{} }

func (t *ReportTool) Name() string { return ToolReport }

func (t *ReportTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReport,
		Description: "Finish the job. Provide a summary of findings and any concrete recommendations. No further tool calls are made after this.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"summary": {Type: "string", Description: "What was found or done"},
				"recommendations": {
					Type:        "array",
					Description: "Follow-up actions, most important first",
					Items:       &Property{Type: "string"},
				},
			},
			Required: []string{"summary"},
		},
	}
}

func (t *ReportTool) Exec(_ context.Context, args map[string]any) (*ExecResult, error) {
	summary, err := stringArg(args, "summary")
	if err != nil {
		return nil, err
	}

	var recs []string
	switch v := args["recommendations"].(type) {
	case nil:
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("recommendations must be an array of strings")
			}
			if s = strings.TrimSpace(s); s != "" {
				recs = append(recs, s)
			}
		}
	case []string:
		recs = v
	default:
		return nil, fmt.Errorf("recommendations must be an array of strings")
	}

	return &ExecResult{
		Content: "report recorded",
		Report:  &Report{Summary: summary, Recommendations: recs},
	}, nil
}
