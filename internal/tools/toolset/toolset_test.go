package toolset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nanoagent/internal/tools"
	"nanoagent/internal/types"
	"nanoagent/internal/workspace"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_EveryNameHasATool(t *testing.T) {
	reg, err := Build(Deps{Workspace: workspace.New(t.TempDir())})
	require.NoError(t, err)

	assert.Equal(t, tools.AllNames(), reg.Names())
	for _, name := range tools.AllNames() {
		tool := reg.Get(name)
		require.NotNil(t, tool, "missing tool %s", name)
		assert.Equal(t, name, tool.Name)
		assert.NotEmpty(t, tool.Description)
	}
	assert.Len(t, reg.Definitions(), len(tools.AllNames()))
}

func TestBuild_RequiresWorkspace(t *testing.T) {
	_, err := Build(Deps{})
	assert.Error(t, err)
}

func TestBuild_ToolsShareWorkspace(t *testing.T) {
	root := t.TempDir()
	reg, err := Build(Deps{Workspace: workspace.New(root)})
	require.NoError(t, err)

	ctx := tools.WithInvocation(context.Background(), tools.Invocation{Group: types.MainGroup})
	out, failed := reg.Run(ctx, types.ToolCall{ID: "1", Name: "write_file", Input: map[string]any{"path": "a.txt", "content": "hi"}})
	require.False(t, failed, out)

	data, err := os.ReadFile(filepath.Join(root, "local_main", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	out, failed = reg.Run(ctx, types.ToolCall{ID: "2", Name: "read_file", Input: map[string]any{"path": "a.txt"}})
	require.False(t, failed, out)
	assert.Equal(t, "hi", out)

	out, failed = reg.Run(ctx, types.ToolCall{ID: "3", Name: "nope", Input: map[string]any{}})
	assert.True(t, failed)
	assert.True(t, strings.HasPrefix(out, "Tool error (nope):"), out)
}
