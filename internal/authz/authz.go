// Package authz provides the scope and project access checks of the tool
// pipeline.
//
// This package exists to share authorization logic between the HTTP server
// and the MCP server without creating a circular dependency (both import
// this package; neither imports the other).
package authz

import (
	"errors"
	"fmt"

	"github.com/structboard/orchestra/internal/model"
)

// ErrMissingScope reports a valid principal without the scope a tool needs.
var ErrMissingScope = errors.New("authz: missing required scope")

// ErrProjectDenied reports a principal not entitled to the requested project.
var ErrProjectDenied = errors.New("authz: project access denied")

// CheckScope verifies that the principal holds requiredScope. Scope
// membership is exact; there is no hierarchy, so "archive:write" does not
// imply "archive:read".
func CheckScope(p model.Principal, requiredScope model.Scope) error {
	if p.HasScope(requiredScope) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMissingScope, requiredScope)
}

// CheckProject verifies that the principal may act on projectID. An empty
// project list on the principal denies everything, including "default".
func CheckProject(p model.Principal, projectID string) error {
	if p.AllowsProject(projectID) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrProjectDenied, projectID)
}
