package openaiofficial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/pkg/agent/llm"
	"foreman/pkg/tools"
)

func TestNewOfficialClient(t *testing.T) {
	client := NewOfficialClient("test-api-key", "gpt-4o", "")
	var _ llm.LLMClient = client
	assert.Equal(t, "gpt-4o", client.GetModelName())
}

func TestConvertPropertyToSchema(t *testing.T) {
	prop := tools.Property{
		Type:        "array",
		Description: "files",
		Items:       &tools.Property{Type: "string", Enum: []string{"a", "b"}},
	}
	schema := convertPropertyToSchema(&prop)
	assert.Equal(t, "array", schema["type"])
	items := schema["items"].(map[string]any)
	assert.Equal(t, []string{"a", "b"}, items["enum"])
	_, hasDesc := items["description"]
	assert.False(t, hasDesc)
}

func TestBuildInput(t *testing.T) {
	instructions, items := buildInput([]llm.CompletionMessage{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("fix"),
		llm.NewAssistantMessage("", []llm.ToolCall{{ID: "c1", Name: "read_file", Parameters: map[string]any{"path": "x"}}}),
		llm.NewToolResultMessage([]llm.ToolResult{{ToolCallID: "c1", Content: "not found", IsError: true}}),
	})
	assert.Equal(t, "be brief", instructions)
	require.Len(t, items, 3)

	require.NotNil(t, items[1].OfFunctionCall)
	assert.Equal(t, "c1", items[1].OfFunctionCall.CallID)
	assert.JSONEq(t, `{"path":"x"}`, items[1].OfFunctionCall.Arguments)

	require.NotNil(t, items[2].OfFunctionCallOutput)
	assert.Equal(t, "c1", items[2].OfFunctionCallOutput.CallID)
}
