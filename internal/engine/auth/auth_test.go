package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/migrate"
)

func newService(t *testing.T) Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	s := New(conn)
	require.NoError(t, s.SeedRoles(context.Background(), config.Default()))
	return s
}

func TestGrantRequireRevoke(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	err := s.Require(ctx, "lab-1", PermProposalSubmit)
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PermProposalSubmit, fe.Permission)

	require.NoError(t, s.Grant(ctx, "lab-1", "lab"))
	require.NoError(t, s.Grant(ctx, "lab-1", "lab"))
	require.NoError(t, s.Require(ctx, "lab-1", PermProposalSubmit))
	require.NoError(t, s.RequireEvent(ctx, "lab-1", domain.EventSubmitMilestone))
	assert.Error(t, s.RequireEvent(ctx, "lab-1", domain.EventApproveMilestone))

	roles, err := s.ActorRoles(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"lab"}, roles)
	perms, err := s.ActorPermissions(ctx, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dispute.initiate", "proposal.submit", "research.report"}, perms)

	require.NoError(t, s.Revoke(ctx, "lab-1", "lab"))
	assert.Error(t, s.Require(ctx, "lab-1", PermProposalSubmit))
}

func TestSystemEventsNeverPermitted(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	require.NoError(t, s.Grant(ctx, "root", "admin"))
	for evt := range domain.SystemEvents {
		_, ok := PermissionFor(evt)
		assert.False(t, ok, evt)
		err := s.RequireEvent(ctx, "root", evt)
		var fe ForbiddenError
		require.True(t, errors.As(err, &fe), evt)
		assert.Equal(t, "system:"+string(evt), fe.Permission)
	}
}

func TestSeedRolesReplacesPermissions(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	cfg := config.Default()
	cfg.RBAC.Roles = map[string]config.RBACRole{
		"admin": {Permissions: []string{PermRBACManage}},
		"lab":   {Permissions: []string{PermProposalSubmit}},
	}
	require.NoError(t, s.SeedRoles(ctx, cfg))

	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	perms, err := s.Repo.RolePermissions(ctx, tx, "lab")
	require.NoError(t, err)
	assert.Equal(t, []string{PermProposalSubmit}, perms)
}
