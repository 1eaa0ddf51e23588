// Package tools defines the closed registry of invocable tools and their
// handlers.
//
// The registry is a fixed table built at startup. Tools cannot be added,
// removed, or modified at runtime; an unknown tool name is rejected before
// any authorization or rate-limit work happens.
package tools

import (
	"context"
	"net/http"

	"github.com/structboard/orchestra/internal/audit"
	"github.com/structboard/orchestra/internal/model"
	"github.com/structboard/orchestra/internal/storage"
)

// Call carries the per-request inputs a handler sees. ProjectID has already
// passed the project access check; Args are raw caller-supplied values the
// handler must validate.
type Call struct {
	RequestID string
	ProjectID string
	Principal model.Principal
	Args      map[string]any
}

// Handler executes one tool. A returned *Error carries a stable failure
// code; any other error is reported as TOOL_EXECUTION_FAILED.
type Handler func(ctx context.Context, call Call) (any, error)

// Tool is one registry entry.
type Tool struct {
	Name          string
	Description   string
	RequiredScope model.Scope
	ArgsSchema    map[string]any
	SuccessStatus int
	Handler       Handler
}

// Error is a tool-level failure with a stable code. INVALID_ARGS maps to
// HTTP 400; every other code maps to 500.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// HTTPStatus returns the response status for this failure.
func (e *Error) HTTPStatus() int {
	if e.Code == model.ErrCodeInvalidArgs {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func invalidArgs(message string) *Error {
	return &Error{Code: model.ErrCodeInvalidArgs, Message: message}
}

func failed(code string, err error) *Error {
	return &Error{Code: code, Message: err.Error()}
}

// Registry is the fixed tool table.
type Registry struct {
	store  storage.Store
	trail  *audit.Trail
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry builds the registry over the given store and audit trail.
func NewRegistry(store storage.Store, trail *audit.Trail) *Registry {
	r := &Registry{
		store:  store,
		trail:  trail,
		byName: make(map[string]Tool),
	}
	r.register(r.archiveCreateTool())
	r.register(r.archiveListTool())
	r.register(r.boardListTool())
	r.register(r.boardUpdateTool())
	r.register(r.logsWriteTool())
	return r
}

func (r *Registry) register(t Tool) {
	r.tools = append(r.tools, t)
	r.byName[t.Name] = t
}

// Lookup returns the tool for name, if registered.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Tools returns the registry entries in registration order.
func (r *Registry) Tools() []Tool {
	return r.tools
}

// Catalog returns the public tool descriptors for GET /tools/list.
// Scope requirements are intentionally absent: the catalog is served
// unauthenticated and describes capability shape, not entitlements.
func (r *Registry) Catalog() []model.ToolDescriptor {
	out := make([]model.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, model.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			ArgsSchema:  t.ArgsSchema,
		})
	}
	return out
}
