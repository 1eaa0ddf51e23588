// Package mcp exposes the Orchestra tool registry over the Model Context
// Protocol.
//
// MCP tool calls run through the same gateway pipeline as POST /tools/call:
// identity, scope, project, rate limit, idempotency, and audit all apply
// identically. Credentials travel as HTTP headers on the StreamableHTTP
// transport and are carried into handler context.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/structboard/orchestra/internal/model"
	"github.com/structboard/orchestra/internal/server"
	"github.com/structboard/orchestra/internal/tools"
)

type contextKey string

const (
	contextKeyAPIKey         contextKey = "api_key"
	contextKeyAgentID        contextKey = "agent_id"
	contextKeySessionID      contextKey = "session_id"
	contextKeyIdempotencyKey contextKey = "idempotency_key"
)

// Server wraps the MCP server around the gateway pipeline.
type Server struct {
	mcpServer *mcpserver.MCPServer
	gateway   *server.Gateway
	logger    *slog.Logger
}

// New creates an MCP server exposing every registry tool.
func New(gateway *server.Gateway, version string, logger *slog.Logger) *Server {
	s := &Server{gateway: gateway, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"orchestra",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	for _, tool := range gateway.Registry().Tools() {
		s.mcpServer.AddTool(
			mcplib.NewToolWithRawSchema(tool.Name, tool.Description, mcpSchema(tool)),
			s.toolHandler(tool),
		)
	}

	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// HTTPHandler returns the StreamableHTTP transport with header extraction
// wired in, ready to mount at /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(
		s.mcpServer,
		mcpserver.WithHTTPContextFunc(withRequestHeaders),
	)
}

// withRequestHeaders copies the gateway credential headers into the context
// so tool handlers can hand them to the pipeline.
func withRequestHeaders(ctx context.Context, r *http.Request) context.Context {
	ctx = context.WithValue(ctx, contextKeyAPIKey, r.Header.Get("X-Api-Key"))
	ctx = context.WithValue(ctx, contextKeyAgentID, r.Header.Get("X-Agent-Id"))
	ctx = context.WithValue(ctx, contextKeySessionID, r.Header.Get("X-Session-Id"))
	ctx = context.WithValue(ctx, contextKeyIdempotencyKey, r.Header.Get("X-Idempotency-Key"))
	return ctx
}

func headerValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// identityValue is headerValue with the "unknown" fallback the HTTP
// transport applies to agent and session ids.
func identityValue(ctx context.Context, key contextKey) string {
	if v := headerValue(ctx, key); v != "" {
		return v
	}
	return "unknown"
}

// mcpSchema extends a tool's argument schema with the mandatory projectId
// field, which the HTTP transport carries in the body envelope instead.
func mcpSchema(tool tools.Tool) json.RawMessage {
	schema := map[string]any{"type": "object"}
	properties := map[string]any{}
	var required []string

	if raw, ok := tool.ArgsSchema["properties"].(map[string]any); ok {
		for k, v := range raw {
			properties[k] = v
		}
	}
	switch req := tool.ArgsSchema["required"].(type) {
	case []string:
		required = append(required, req...)
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}

	properties["projectId"] = map[string]any{
		"type":        "string",
		"description": "Project the call operates on",
	}
	required = append(required, "projectId")

	schema["properties"] = properties
	schema["required"] = required

	encoded, err := json.Marshal(schema)
	if err != nil {
		// Schemas are built from static tables; this cannot fail at runtime.
		return json.RawMessage(`{"type":"object"}`)
	}
	return encoded
}

// splitCallArgs separates transport-level fields from tool arguments.
// projectId is mandatory in every MCP schema; api_key is an optional
// credential fallback for clients that cannot set HTTP headers. Neither
// reaches the tool handler.
func splitCallArgs(args map[string]any) (projectID, apiKey string, rest map[string]any) {
	rest = make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case "projectId":
			projectID, _ = v.(string)
		case "api_key":
			apiKey, _ = v.(string)
		default:
			rest[k] = v
		}
	}
	return projectID, apiKey, rest
}

func (s *Server) toolHandler(tool tools.Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		projectID, argKey, callArgs := splitCallArgs(request.GetArguments())

		// The X-Api-Key header wins; the api_key argument is the fallback.
		apiKey := headerValue(ctx, contextKeyAPIKey)
		if apiKey == "" {
			apiKey = argKey
		}

		outcome := s.gateway.Invoke(ctx, server.CallInput{
			RequestID:      server.NewRequestID(),
			APIKey:         apiKey,
			AgentID:        identityValue(ctx, contextKeyAgentID),
			SessionID:      identityValue(ctx, contextKeySessionID),
			IdempotencyKey: headerValue(ctx, contextKeyIdempotencyKey),
			Tool:           tool.Name,
			Args:           callArgs,
			ProjectID:      projectID,
		})

		if outcome.Failure != nil {
			encoded, err := json.Marshal(model.ErrorResponse{Error: *outcome.Failure})
			if err != nil {
				return mcplib.NewToolResultError(outcome.Failure.Message), nil
			}
			return mcplib.NewToolResultError(string(encoded)), nil
		}

		encoded, err := json.Marshal(outcome.Response)
		if err != nil {
			s.logger.Error("mcp: encode tool response", "tool", tool.Name, "error", err)
			return mcplib.NewToolResultError("response serialization failed"), nil
		}
		return mcplib.NewToolResultText(string(encoded)), nil
	}
}
