package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/structboard/orchestra/internal/model"
)

// Failure codes for store-level tool errors.
const (
	codeArchiveCreateFailed = "ARCHIVE_CREATE_FAILED"
	codeArchiveListFailed   = "ARCHIVE_LIST_FAILED"
	codeBoardListFailed     = "BOARD_LIST_FAILED"
	codeBoardUpdateFailed   = "BOARD_UPDATE_FAILED"
	codeLogsWriteFailed     = "LOGS_WRITE_FAILED"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

type archiveSummary struct {
	ID                uuid.UUID       `json:"id"`
	Title             string          `json:"title"`
	StructureSnapshot json.RawMessage `json:"structure_snapshot,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`
}

func summarize(a model.Archive) archiveSummary {
	return archiveSummary{
		ID:                a.ID,
		Title:             a.Title,
		StructureSnapshot: a.StructureSnapshot,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func (r *Registry) archiveCreateTool() Tool {
	return Tool{
		Name:          "archive.create",
		Description:   "Create a new project archive snapshot with tasks and handoffs",
		RequiredScope: model.ScopeArchiveWrite,
		SuccessStatus: http.StatusCreated,
		ArgsSchema: map[string]any{
			"type":     "object",
			"required": []string{"title", "structureSnapshot"},
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Archive title/name",
				},
				"structureSnapshot": map[string]any{
					"type":        "object",
					"description": "Board structure with tasks and handoffs",
					"properties": map[string]any{
						"tasks":    map[string]any{"type": "array", "description": "List of tasks in the board"},
						"handoffs": map[string]any{"type": "array", "description": "List of handoffs between team members"},
					},
				},
			},
		},
		Handler: r.handleArchiveCreate,
	}
}

func (r *Registry) handleArchiveCreate(ctx context.Context, call Call) (any, error) {
	title, _ := call.Args["title"].(string)
	snapshot, hasSnapshot := call.Args["structureSnapshot"]
	if title == "" || !hasSnapshot {
		return nil, invalidArgs("title and structureSnapshot are required")
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, invalidArgs("structureSnapshot is not serializable")
	}

	created, err := r.store.InsertArchive(ctx, model.Archive{
		ProjectID:         call.ProjectID,
		Title:             title,
		StructureSnapshot: snapshotJSON,
	})
	if err != nil {
		return nil, failed(codeArchiveCreateFailed, err)
	}

	r.trail.Record(model.AuditEvent{
		RequestID: call.RequestID,
		Tool:      "archive.create",
		Level:     model.LevelInfo,
		Message:   "archive created",
		Context:   map[string]any{"archive_id": created.ID.String(), "project_id": call.ProjectID, "title": title},
	})

	return map[string]any{
		"id":         created.ID,
		"title":      created.Title,
		"created_at": created.CreatedAt,
		"message":    "Archive created successfully",
	}, nil
}

func (r *Registry) archiveListTool() Tool {
	return Tool{
		Name:          "archive.list",
		Description:   "Get list of project archives with optional filtering",
		RequiredScope: model.ScopeArchiveRead,
		SuccessStatus: http.StatusOK,
		ArgsSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "number",
					"description": "Maximum number of archives to return (default: 10, max: 100)",
					"default":     defaultListLimit,
				},
			},
		},
		Handler: r.handleArchiveList,
	}
}

func (r *Registry) handleArchiveList(ctx context.Context, call Call) (any, error) {
	limit := defaultListLimit
	if raw, ok := call.Args["limit"]; ok {
		n, ok := raw.(float64)
		if !ok || n < 1 {
			return nil, invalidArgs("limit must be a positive number")
		}
		limit = int(n)
		if limit > maxListLimit {
			limit = maxListLimit
		}
	}

	archives, err := r.store.ListArchives(ctx, call.ProjectID, limit)
	if err != nil {
		return nil, failed(codeArchiveListFailed, err)
	}

	summaries := make([]archiveSummary, 0, len(archives))
	for _, a := range archives {
		summaries = append(summaries, summarize(a))
	}

	return map[string]any{
		"archives": summaries,
		"total":    len(summaries),
		"limit":    limit,
	}, nil
}

func (r *Registry) boardListTool() Tool {
	return Tool{
		Name:          "board.list",
		Description:   "Get current board state and task list",
		RequiredScope: model.ScopeBoardRead,
		SuccessStatus: http.StatusOK,
		ArgsSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleBoardList,
	}
}

func (r *Registry) handleBoardList(ctx context.Context, call Call) (any, error) {
	archives, err := r.store.ListArchives(ctx, call.ProjectID, defaultListLimit)
	if err != nil {
		return nil, failed(codeBoardListFailed, err)
	}

	summaries := make([]archiveSummary, 0, len(archives))
	for _, a := range archives {
		summaries = append(summaries, summarize(a))
	}

	var latest any
	if len(summaries) > 0 {
		latest = summaries[0]
	}

	return map[string]any{
		"archives": summaries,
		"count":    len(summaries),
		"latest":   latest,
	}, nil
}

func (r *Registry) boardUpdateTool() Tool {
	return Tool{
		Name:          "board.update",
		Description:   "Update board item properties",
		RequiredScope: model.ScopeBoardWrite,
		SuccessStatus: http.StatusOK,
		ArgsSchema: map[string]any{
			"type":     "object",
			"required": []string{"id", "patch"},
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Board item ID to update",
				},
				"patch": map[string]any{
					"type":        "object",
					"description": "Partial update object with fields to modify",
					"properties": map[string]any{
						"title":             map[string]any{"type": "string", "description": "Updated title"},
						"structureSnapshot": map[string]any{"type": "object", "description": "Updated board structure"},
					},
				},
			},
		},
		Handler: r.handleBoardUpdate,
	}
}

func (r *Registry) handleBoardUpdate(ctx context.Context, call Call) (any, error) {
	idStr, _ := call.Args["id"].(string)
	rawPatch, hasPatch := call.Args["patch"].(map[string]any)
	if idStr == "" || !hasPatch {
		return nil, invalidArgs("id and patch are required")
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, invalidArgs("id must be a UUID")
	}

	patch, err := buildBoardPatch(rawPatch)
	if err != nil {
		return nil, invalidArgs(err.Error())
	}

	updated, err := r.store.UpdateArchive(ctx, call.ProjectID, id, patch)
	if err != nil {
		return nil, failed(codeBoardUpdateFailed, err)
	}

	r.trail.Record(model.AuditEvent{
		RequestID: call.RequestID,
		Tool:      "board.update",
		Level:     model.LevelInfo,
		Message:   "board updated",
		Context:   map[string]any{"archive_id": updated.ID.String(), "project_id": call.ProjectID},
	})

	return map[string]any{
		"updated": summarize(updated),
		"message": "Board updated successfully",
	}, nil
}

// buildBoardPatch converts the raw patch object into the closed field set.
// Any key outside the whitelist rejects the whole patch so callers cannot
// write arbitrary columns through the update path.
func buildBoardPatch(raw map[string]any) (model.BoardPatch, error) {
	var patch model.BoardPatch
	for key, value := range raw {
		switch key {
		case "title":
			title, ok := value.(string)
			if !ok || title == "" {
				return model.BoardPatch{}, fmt.Errorf("patch.title must be a non-empty string")
			}
			patch.Title = &title
		case "structureSnapshot":
			snapshotJSON, err := json.Marshal(value)
			if err != nil {
				return model.BoardPatch{}, fmt.Errorf("patch.structureSnapshot is not serializable")
			}
			patch.StructureSnapshot = snapshotJSON
		default:
			return model.BoardPatch{}, fmt.Errorf("patch field %q is not updatable", key)
		}
	}
	if patch.Empty() {
		return model.BoardPatch{}, fmt.Errorf("patch must set at least one field")
	}
	return patch, nil
}

func (r *Registry) logsWriteTool() Tool {
	return Tool{
		Name:          "logs.write",
		Description:   "Write log entry for AI decision tracking and quality audit",
		RequiredScope: model.ScopeLogsWrite,
		SuccessStatus: http.StatusOK,
		ArgsSchema: map[string]any{
			"type":     "object",
			"required": []string{"level", "message"},
			"properties": map[string]any{
				"level": map[string]any{
					"type":        "string",
					"enum":        []string{"debug", "info", "warn", "error"},
					"description": "Log level",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Log message",
				},
				"context": map[string]any{
					"type":        "object",
					"description": "Additional context data",
				},
			},
		},
		Handler: r.handleLogsWrite,
	}
}

func (r *Registry) handleLogsWrite(ctx context.Context, call Call) (any, error) {
	levelStr, _ := call.Args["level"].(string)
	message, _ := call.Args["message"].(string)
	if levelStr == "" || message == "" {
		return nil, invalidArgs("level and message are required")
	}

	level, ok := model.ParseLogLevel(levelStr)
	if !ok {
		return nil, invalidArgs("level must be one of debug, info, warn, error")
	}

	logCtx, _ := call.Args["context"].(map[string]any)
	eventCtx := map[string]any{
		"project_id":     call.ProjectID,
		"external_write": true,
	}
	for k, v := range logCtx {
		eventCtx[k] = v
	}

	// Synchronous append: the caller's contract is that a successful
	// response means the entry is durable.
	now := time.Now().UTC()
	err := r.trail.Append(ctx, model.AuditEvent{
		RequestID: call.RequestID,
		AgentID:   call.Principal.Identity,
		Tool:      "logs.write",
		Level:     level,
		Message:   message,
		Context:   eventCtx,
		Timestamp: now,
	})
	if err != nil {
		return nil, failed(codeLogsWriteFailed, err)
	}

	return map[string]any{
		"id":        call.RequestID,
		"level":     level,
		"message":   message,
		"context":   logCtx,
		"timestamp": now,
	}, nil
}
