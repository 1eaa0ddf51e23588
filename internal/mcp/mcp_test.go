package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structboard/orchestra/internal/audit"
	"github.com/structboard/orchestra/internal/auth"
	"github.com/structboard/orchestra/internal/model"
	"github.com/structboard/orchestra/internal/ratelimit"
	"github.com/structboard/orchestra/internal/server"
	"github.com/structboard/orchestra/internal/storage"
	"github.com/structboard/orchestra/internal/tools"
)

const testKey = "sk-mcp-test"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewSQLite(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	trail := audit.NewTrail(store, logger)
	registry := tools.NewRegistry(store, trail)

	resolver := auth.NewResolver(store, logger, auth.Options{
		Enforce:     true,
		EnvKeys:     map[string][]model.Scope{testKey: model.AllScopes()},
		EnvProjects: []string{"proj-a"},
	})

	gateway := server.NewGateway(server.GatewayConfig{
		Resolver:       resolver,
		Limiter:        ratelimit.Noop{},
		Registry:       registry,
		Trail:          trail,
		Store:          store,
		Logger:         logger,
		Version:        "1.0.0",
		IdempotencyTTL: 24 * time.Hour,
	})

	return New(gateway, "1.0.0", logger)
}

func callRequest(args map[string]any) mcplib.CallToolRequest {
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestSplitCallArgs(t *testing.T) {
	projectID, apiKey, rest := splitCallArgs(map[string]any{
		"projectId": "proj-a",
		"api_key":   "sk-x",
		"title":     "T",
	})

	assert.Equal(t, "proj-a", projectID)
	assert.Equal(t, "sk-x", apiKey)
	assert.Equal(t, map[string]any{"title": "T"}, rest)
}

func TestToolHandler_APIKeyArgumentFallback(t *testing.T) {
	s := newTestServer(t)

	tool, ok := s.gateway.Registry().Lookup("board.list")
	require.True(t, ok)
	handler := s.toolHandler(tool)

	// No headers in context; the credential rides in the api_key argument.
	result, err := handler(context.Background(), callRequest(map[string]any{
		"projectId": "proj-a",
		"api_key":   testKey,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "api_key argument should authenticate the call")
}

func TestToolHandler_HeaderWinsOverArgument(t *testing.T) {
	s := newTestServer(t)

	tool, ok := s.gateway.Registry().Lookup("board.list")
	require.True(t, ok)
	handler := s.toolHandler(tool)

	ctx := context.WithValue(context.Background(), contextKeyAPIKey, testKey)
	result, err := handler(ctx, callRequest(map[string]any{
		"projectId": "proj-a",
		"api_key":   "sk-bogus",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "header credential must take precedence")
}

func TestToolHandler_NoCredentialUnauthorized(t *testing.T) {
	s := newTestServer(t)

	tool, ok := s.gateway.Registry().Lookup("board.list")
	require.True(t, ok)
	handler := s.toolHandler(tool)

	result, err := handler(context.Background(), callRequest(map[string]any{
		"projectId": "proj-a",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	var envelope model.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &envelope))
	assert.Equal(t, model.ErrCodeUnauthorized, envelope.Error.Code)
}

func TestMCPSchemaAddsProjectID(t *testing.T) {
	s := newTestServer(t)

	tool, ok := s.gateway.Registry().Lookup("archive.create")
	require.True(t, ok)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(mcpSchema(tool), &schema))

	properties := schema["properties"].(map[string]any)
	assert.Contains(t, properties, "projectId")
	assert.Contains(t, properties, "title")

	required := schema["required"].([]any)
	assert.Contains(t, required, "projectId")
	assert.Contains(t, required, "title")
}

func resultText(t *testing.T, r *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, r.Content)
	for _, c := range r.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in tool result")
	return ""
}
