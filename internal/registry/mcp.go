package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avidal-labs/datarun/pkg/schema"
)

const (
	mcpInitTimeout = 10 * time.Second
	clientName     = "datarun"
	clientVersion  = "1.0.0"
)

// MCPProviderConfig describes one external tool provider process speaking
// the Model Context Protocol over stdio.
type MCPProviderConfig struct {
	// Prefix namespaces the provider's tools in the registry
	// (e.g. prefix "duckdb" + tool "query" → "duckdb.query").
	Prefix string `json:"prefix"`

	// Command is the executable to launch.
	Command string `json:"command"`

	// Args are passed to the command.
	Args []string `json:"args,omitempty"`

	// Env holds extra KEY=VALUE entries for the subprocess.
	Env []string `json:"env,omitempty"`
}

// MCPProvider manages one MCP server subprocess and exposes its tools as
// registry Tools. Discovered tools carry the provider's declared input
// schemas so plan binding validates against them like builtin contracts.
type MCPProvider struct {
	cfg    MCPProviderConfig
	client *mcpclient.Client
	logger *slog.Logger
}

// NewMCPProvider launches the provider subprocess and performs the MCP
// initialize handshake. The caller must Close the provider when done.
func NewMCPProvider(ctx context.Context, cfg MCPProviderConfig, logger *slog.Logger) (*MCPProvider, error) {
	if cfg.Prefix == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "mcp provider prefix is empty")
	}
	if cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "mcp provider command is empty")
	}

	c, err := mcpclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "failed to start mcp provider %q", cfg.Prefix).WithCause(err)
	}

	initCtx, cancel := context.WithTimeout(ctx, mcpInitTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}

	if _, err := c.Initialize(initCtx, initReq); err != nil {
		_ = c.Close()
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "mcp provider %q initialize failed", cfg.Prefix).WithCause(err)
	}

	logger.InfoContext(ctx, "mcp provider started",
		slog.String("prefix", cfg.Prefix),
		slog.String("command", cfg.Command))

	return &MCPProvider{cfg: cfg, client: c, logger: logger}, nil
}

// Discover lists the provider's tools and wraps each one for registration.
func (p *MCPProvider) Discover(ctx context.Context) ([]Tool, error) {
	result, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "mcp provider %q tools/list failed", p.cfg.Prefix).WithCause(err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		inputSchema, err := json.Marshal(t.InputSchema)
		if err != nil {
			p.logger.WarnContext(ctx, "skipping mcp tool with unmarshalable schema",
				slog.String("provider", p.cfg.Prefix),
				slog.String("tool", t.Name))
			continue
		}
		tools = append(tools, &mcpTool{
			provider: p,
			name:     t.Name,
			contract: Contract{
				Description: t.Description,
				InputSchema: inputSchema,
			},
		})
	}
	return tools, nil
}

// Close shuts down the provider subprocess.
func (p *MCPProvider) Close() error {
	return p.client.Close()
}

// mcpTool is one remote tool exposed by an MCPProvider.
type mcpTool struct {
	provider *MCPProvider
	name     string
	contract Contract
}

func (t *mcpTool) Name() string       { return t.name }
func (t *mcpTool) Contract() Contract { return t.contract }

func (t *mcpTool) Invoke(ctx context.Context, inputs map[string]any) (*schema.ToolOutcome, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = inputs

	result, err := t.provider.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &schema.ToolOutcome{
			OK:    false,
			Error: &schema.ErrorInfo{Code: schema.ErrCodeToolExecution, Message: err.Error()},
		}, nil
	}

	text := collectText(result.Content)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = fmt.Sprintf("mcp tool %s reported an error", t.name)
		}
		return &schema.ToolOutcome{
			OK:    false,
			Error: &schema.ErrorInfo{Code: schema.ErrCodeToolExecution, Message: msg},
		}, nil
	}

	// Providers returning JSON objects become structured payloads; plain
	// text is wrapped under "text".
	payload := map[string]any{}
	if text != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			payload = parsed
		} else {
			payload["text"] = text
		}
	}
	return &schema.ToolOutcome{OK: true, Payload: payload}, nil
}

func collectText(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
