package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/structboard/orchestra/internal/audit"
	"github.com/structboard/orchestra/internal/auth"
	"github.com/structboard/orchestra/internal/authz"
	"github.com/structboard/orchestra/internal/model"
	"github.com/structboard/orchestra/internal/ratelimit"
	"github.com/structboard/orchestra/internal/storage"
	"github.com/structboard/orchestra/internal/tools"
)

const (
	// dispatchTimeout caps tool execution once the request is past all
	// gate checks.
	dispatchTimeout = 30 * time.Second

	// idempotencyWriteTimeout bounds the response snapshot write.
	idempotencyWriteTimeout = 5 * time.Second

	// statusClientClosedRequest reports a caller that disconnected before
	// dispatch (nginx 499 convention). No body reaches the client; the
	// status survives in logs and the audit trail.
	statusClientClosedRequest = 499
)

// Gateway runs the tool invocation pipeline:
// identity, scope, project, rate limit, idempotency, dispatch, audit.
// It is transport-agnostic; the HTTP handlers and the MCP server both call
// Invoke.
type Gateway struct {
	resolver       *auth.Resolver
	limiter        ratelimit.Limiter
	registry       *tools.Registry
	trail          *audit.Trail
	store          storage.Store
	logger         *slog.Logger
	version        string
	idempotencyTTL time.Duration
}

// GatewayConfig holds the pipeline dependencies.
type GatewayConfig struct {
	Resolver       *auth.Resolver
	Limiter        ratelimit.Limiter
	Registry       *tools.Registry
	Trail          *audit.Trail
	Store          storage.Store
	Logger         *slog.Logger
	Version        string
	IdempotencyTTL time.Duration
}

// NewGateway creates a Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	return &Gateway{
		resolver:       cfg.Resolver,
		limiter:        cfg.Limiter,
		registry:       cfg.Registry,
		trail:          cfg.Trail,
		store:          cfg.Store,
		logger:         cfg.Logger,
		version:        cfg.Version,
		idempotencyTTL: cfg.IdempotencyTTL,
	}
}

// Registry exposes the tool table for the catalog endpoint and MCP server.
func (g *Gateway) Registry() *tools.Registry {
	return g.registry
}

// CallInput is one tool invocation as seen by the pipeline, independent of
// transport.
type CallInput struct {
	RequestID      string
	APIKey         string
	AgentID        string
	SessionID      string
	IdempotencyKey string
	Tool           string
	Args           map[string]any
	ProjectID      string
}

// Outcome is the terminal result of the pipeline. Exactly one of Response
// and Failure is set. RateLimit is present whenever the limiter ran, so
// transports can emit headers on both success and rejection.
type Outcome struct {
	Status    int
	Response  *model.ToolCallResponse
	Failure   *model.ErrorBody
	RateLimit *ratelimit.Result
}

func (g *Gateway) fail(in CallInput, status int, code, message string, rl *ratelimit.Result) Outcome {
	out := Outcome{
		Status:    status,
		RateLimit: rl,
		Failure: &model.ErrorBody{
			Code:      code,
			Message:   message,
			RequestID: in.RequestID,
			Timestamp: time.Now().UTC(),
		},
	}
	// Only the rate-limit rejection itself mirrors the limiter state into
	// the body; other post-limiter failures carry it in headers alone.
	if rl != nil && code == model.ErrCodeRateLimited {
		out.Failure.RateLimit = &model.RateLimitInfo{
			Limit:     rl.Limit,
			Remaining: rl.Remaining,
			ResetTime: rl.ResetAt,
		}
	}
	return out
}

// Invoke runs one tool call through the full pipeline. Checks run in a
// fixed order and the first failure is terminal; later stages never execute,
// so a caller cannot probe tool existence without passing authentication
// first. A canceled request context aborts the call before any store
// mutation; once dispatch starts, cancellation no longer applies.
func (g *Gateway) Invoke(ctx context.Context, in CallInput) Outcome {
	logCtx := map[string]any{
		"agent_id":   in.AgentID,
		"session_id": in.SessionID,
	}

	if ctx.Err() != nil {
		g.audit(in, model.LevelWarn, "request canceled before dispatch", logCtx)
		return g.fail(in, statusClientClosedRequest, model.ErrCodeRequestCanceled, "Request canceled by client", nil)
	}

	principal := g.resolver.Resolve(ctx, in.APIKey)
	if !principal.Valid {
		g.audit(in, model.LevelError, "authentication failed", logCtx)
		return g.fail(in, http.StatusUnauthorized, model.ErrCodeUnauthorized, "Invalid or missing API key", nil)
	}

	if in.Tool == "" {
		g.audit(in, model.LevelError, "tool name missing", logCtx)
		return g.fail(in, http.StatusBadRequest, model.ErrCodeMissingTool, "Tool name is required", nil)
	}
	if in.ProjectID == "" {
		g.audit(in, model.LevelError, "project id missing", logCtx)
		return g.fail(in, http.StatusBadRequest, model.ErrCodeMissingProjectID, "Project ID is required", nil)
	}

	logCtx["tool"] = in.Tool
	logCtx["project_id"] = in.ProjectID
	logCtx["key_source"] = string(principal.Source)

	tool, ok := g.registry.Lookup(in.Tool)
	if !ok {
		g.audit(in, model.LevelError, "unknown tool", logCtx)
		return g.fail(in, http.StatusBadRequest, model.ErrCodeUnknownTool,
			fmt.Sprintf("Tool '%s' is not available", in.Tool), nil)
	}

	if err := authz.CheckScope(principal, tool.RequiredScope); err != nil {
		logCtx["required_scope"] = string(tool.RequiredScope)
		g.audit(in, model.LevelError, "scope denied", logCtx)
		return g.fail(in, http.StatusForbidden, model.ErrCodeForbidden,
			fmt.Sprintf("Insufficient scope for tool '%s'. Required: %s", in.Tool, tool.RequiredScope), nil)
	}

	if err := authz.CheckProject(principal, in.ProjectID); err != nil {
		g.audit(in, model.LevelError, "project denied", logCtx)
		return g.fail(in, http.StatusForbidden, model.ErrCodeForbiddenProject,
			fmt.Sprintf("Access denied for project %s", in.ProjectID), nil)
	}

	rl := g.limiter.Check(ctx, principal.Identity, in.Tool, in.APIKey != "")
	if ctx.Err() != nil {
		// Cancellation during the limiter call must not fall through to
		// dispatch; the fail-open path is reserved for store trouble.
		g.audit(in, model.LevelWarn, "request canceled before dispatch", logCtx)
		return g.fail(in, statusClientClosedRequest, model.ErrCodeRequestCanceled, "Request canceled by client", nil)
	}
	if !rl.Allowed {
		g.audit(in, model.LevelWarn, "rate limit exceeded", logCtx)
		return g.fail(in, http.StatusTooManyRequests, model.ErrCodeRateLimited,
			"Rate limit exceeded. Please try again later.", &rl)
	}

	if in.IdempotencyKey != "" {
		if replay, ok := g.replayIdempotent(ctx, in, tool.Name); ok {
			g.audit(in, model.LevelInfo, "idempotent replay", logCtx)
			return Outcome{Status: http.StatusOK, Response: replay, RateLimit: &rl}
		}
	}

	// Dispatch runs detached from request cancellation: once a mutation is
	// admitted, a client disconnect must not leave it half-applied with no
	// recorded outcome. Disconnects before this point abort above instead.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	result, err := tool.Handler(execCtx, tools.Call{
		RequestID: in.RequestID,
		ProjectID: in.ProjectID,
		Principal: principal,
		Args:      in.Args,
	})
	if err != nil {
		logCtx["error"] = err.Error()
		g.audit(in, model.LevelError, "tool execution failed", logCtx)

		var toolErr *tools.Error
		if errors.As(err, &toolErr) {
			return g.fail(in, toolErr.HTTPStatus(), toolErr.Code, toolErr.Message, &rl)
		}
		return g.fail(in, http.StatusInternalServerError, model.ErrCodeExecutionFailed, err.Error(), &rl)
	}

	response := &model.ToolCallResponse{
		Success:   true,
		Tool:      tool.Name,
		Result:    result,
		RequestID: in.RequestID,
		Metadata: model.CallMetadata{
			Timestamp: time.Now().UTC(),
			Version:   g.version,
		},
	}

	g.audit(in, model.LevelInfo, "tool executed", logCtx)

	if in.IdempotencyKey != "" {
		g.saveIdempotent(in, tool.Name, response)
	}

	return Outcome{Status: tool.SuccessStatus, Response: response, RateLimit: &rl}
}

// replayIdempotent returns the cached response for the idempotency key, if
// one exists. The replay keeps the original result but carries the current
// request's ID, cached=true, and the original timestamp.
func (g *Gateway) replayIdempotent(ctx context.Context, in CallInput, tool string) (*model.ToolCallResponse, bool) {
	raw, err := g.store.GetIdempotentResponse(ctx, tool, in.IdempotencyKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			// Lookup trouble degrades to re-execution rather than failing
			// the call.
			g.logger.Warn("idempotency lookup failed, re-executing",
				"tool", tool, "request_id", in.RequestID, "error", err)
		}
		return nil, false
	}

	var cached model.ToolCallResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		g.logger.Warn("cached idempotent response unreadable, re-executing",
			"tool", tool, "request_id", in.RequestID, "error", err)
		return nil, false
	}

	original := cached.Metadata.Timestamp
	cached.RequestID = in.RequestID
	cached.Metadata.Cached = true
	cached.Metadata.OriginalTimestamp = &original
	cached.Metadata.Timestamp = time.Now().UTC()
	return &cached, true
}

// saveIdempotent stores the response snapshot before the outcome is
// returned, so a sequential retry with the same key always replays instead
// of executing twice. Write failures are logged and swallowed; a call that
// already succeeded is never failed over its cache entry. Two concurrent
// first calls with the same key can still both execute and race the write;
// last write wins and later replays serve that winner.
func (g *Gateway) saveIdempotent(in CallInput, tool string, response *model.ToolCallResponse) {
	snapshot, err := json.Marshal(response)
	if err != nil {
		g.logger.Warn("idempotent response not serializable, skipping save",
			"tool", tool, "request_id", in.RequestID, "error", err)
		return
	}

	// Detached from the request context: the response is already final and
	// the write must not be lost to a late client disconnect.
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyWriteTimeout)
	defer cancel()
	if err := g.store.PutIdempotentResponse(ctx, tool, in.IdempotencyKey, snapshot, g.idempotencyTTL); err != nil {
		g.logger.Warn("idempotent response save failed",
			"tool", tool, "request_id", in.RequestID, "error", err)
	}
}

func (g *Gateway) audit(in CallInput, level model.LogLevel, message string, logCtx map[string]any) {
	ctxCopy := make(map[string]any, len(logCtx))
	for k, v := range logCtx {
		ctxCopy[k] = v
	}
	g.trail.Record(model.AuditEvent{
		RequestID: in.RequestID,
		AgentID:   in.AgentID,
		SessionID: in.SessionID,
		Tool:      in.Tool,
		Level:     level,
		Message:   message,
		Context:   ctxCopy,
	})
}
