package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(nil, "", nil)
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(nil, "1.0.0", nil)

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 8)

	for _, name := range []string{
		"workflow.define",
		"workflow.get",
		"workflow.list",
		"workflow.delete",
		"workflow.run",
		"execution.get",
		"execution.list",
		"execution.cancel",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestRequiredArguments(t *testing.T) {
	s := NewServer(nil, "", nil)
	for _, name := range []string{"workflow.define", "workflow.get", "workflow.delete", "workflow.run", "execution.get", "execution.cancel"} {
		t.Run(name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(name)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.InputSchema.Required)
		})
	}
}
