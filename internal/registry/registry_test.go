package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avidal-labs/datarun/pkg/schema"
)

func stubTool(name, desc string) *ToolFunc {
	return &ToolFunc{
		ToolName:     name,
		ToolContract: Contract{Description: desc},
		Fn: func(_ context.Context, _ map[string]any) (*schema.ToolOutcome, error) {
			return &schema.ToolOutcome{OK: true, Payload: map[string]any{"tool": name}}, nil
		},
	}
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stubTool("sql.query", "run a query")))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("sql.query"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stubTool("dup", "")))

	err := reg.Register(stubTool("dup", ""))
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(nil)
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestRegistry_Register_EmptyName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(stubTool("", ""))
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
}

func TestRegistry_List_SortedByName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stubTool("zeta", "last")))
	require.NoError(t, reg.Register(stubTool("alpha", "first")))

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, "zeta", infos[1].Name)
}

func TestRegistry_RegisterProvider_PrefixesNames(t *testing.T) {
	reg := NewRegistry()
	n, err := reg.RegisterProvider("duckdb", []Tool{stubTool("query", ""), stubTool("describe", "")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("duckdb.query"))
	assert.True(t, reg.Has("duckdb.describe"))
	assert.False(t, reg.Has("query"))
}

func TestRegistry_RegisterProvider_InvokePassesThrough(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterProvider("ext", []Tool{stubTool("echo", "")})
	require.NoError(t, err)

	tool, err := reg.Get("ext.echo")
	require.NoError(t, err)
	assert.Equal(t, "ext.echo", tool.Name())

	out, err := tool.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", out.Payload["tool"])
}

func TestRegistry_RegisterProvider_EmptyPrefix(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterProvider("", []Tool{stubTool("x", "")})
	require.Error(t, err)
}

func TestRegistry_RegisterProvider_Conflict(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stubTool("ext.query", "")))

	_, err := reg.RegisterProvider("ext", []Tool{stubTool("query", "")})
	require.Error(t, err)

	var rerr *schema.RunError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}
