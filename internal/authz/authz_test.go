package authz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structboard/orchestra/internal/authz"
	"github.com/structboard/orchestra/internal/model"
)

func TestCheckScope(t *testing.T) {
	p := model.Principal{
		Valid:  true,
		Scopes: []model.Scope{model.ScopeArchiveRead, model.ScopeLogsWrite},
	}

	assert.NoError(t, authz.CheckScope(p, model.ScopeArchiveRead))
	assert.NoError(t, authz.CheckScope(p, model.ScopeLogsWrite))

	err := authz.CheckScope(p, model.ScopeArchiveWrite)
	require.Error(t, err)
	assert.ErrorIs(t, err, authz.ErrMissingScope)
}

func TestCheckScope_NoHierarchy(t *testing.T) {
	writer := model.Principal{Valid: true, Scopes: []model.Scope{model.ScopeArchiveWrite}}

	// Write does not imply read.
	assert.ErrorIs(t, authz.CheckScope(writer, model.ScopeArchiveRead), authz.ErrMissingScope)
}

func TestCheckProject(t *testing.T) {
	p := model.Principal{Valid: true, Projects: []string{"default", "proj-a"}}

	assert.NoError(t, authz.CheckProject(p, "default"))
	assert.NoError(t, authz.CheckProject(p, "proj-a"))
	assert.ErrorIs(t, authz.CheckProject(p, "proj-b"), authz.ErrProjectDenied)
}

func TestCheckProject_EmptyListDeniesAll(t *testing.T) {
	p := model.Principal{Valid: true}

	assert.ErrorIs(t, authz.CheckProject(p, "default"), authz.ErrProjectDenied)
	assert.ErrorIs(t, authz.CheckProject(p, ""), authz.ErrProjectDenied)
}
