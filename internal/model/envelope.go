package model

import "time"

// ToolCallRequest is the request body for POST /tools/call.
// ProjectID is mandatory for every tool call.
type ToolCallRequest struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	ProjectID string         `json:"projectId"`
}

// ToolCallResponse is the success envelope for POST /tools/call.
type ToolCallResponse struct {
	Success   bool         `json:"success"`
	Tool      string       `json:"tool"`
	Result    any          `json:"result"`
	RequestID string       `json:"requestId"`
	Metadata  CallMetadata `json:"metadata"`
}

// CallMetadata carries response metadata. Cached and OriginalTimestamp are
// set only on idempotent replays.
type CallMetadata struct {
	Timestamp         time.Time  `json:"timestamp"`
	Version           string     `json:"version"`
	Cached            bool       `json:"cached,omitempty"`
	OriginalTimestamp *time.Time `json:"originalTimestamp,omitempty"`
}

// ErrorResponse is the error envelope for POST /tools/call.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a terminal pipeline failure. RateLimit is attached
// only to RATE_LIMIT_EXCEEDED responses.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"requestId"`
	Timestamp time.Time      `json:"timestamp"`
	RateLimit *RateLimitInfo `json:"rateLimit,omitempty"`
}

// RateLimitInfo mirrors the X-RateLimit-* response headers in the body.
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// Error codes surfaced by the pipeline, with their HTTP statuses.
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"          // 401
	ErrCodeMissingTool      = "MISSING_TOOL"          // 400
	ErrCodeMissingProjectID = "MISSING_PROJECT_ID"    // 400
	ErrCodeUnknownTool      = "UNKNOWN_TOOL"          // 400
	ErrCodeInvalidArgs      = "INVALID_ARGS"          // 400
	ErrCodeForbidden        = "FORBIDDEN"             // 403
	ErrCodeForbiddenProject = "FORBIDDEN_PROJECT"     // 403
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"   // 429
	ErrCodeRequestCanceled  = "REQUEST_CANCELLED"     // 499, client gone before dispatch
	ErrCodeExecutionFailed  = "TOOL_EXECUTION_FAILED" // 500
)

// ToolCatalog is the response for GET /tools/list: a capability discovery
// document requiring no authentication.
type ToolCatalog struct {
	Object   string           `json:"object"` // always "tool_list"
	Created  int64            `json:"created"`
	Data     []ToolDescriptor `json:"data"`
	Metadata CatalogMetadata  `json:"metadata"`
}

// ToolDescriptor describes one tool in the catalog.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ArgsSchema  map[string]any `json:"args_schema"`
}

// CatalogMetadata describes the catalog itself.
type CatalogMetadata struct {
	Version  string   `json:"version"`
	Provider string   `json:"provider"`
	Features []string `json:"features"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}
