package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/db"
)

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	v, err := Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	applied, err := Apply(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql", "0002_webhook_cursors.sql", "0003_bounty_locks.sql"}, applied)

	latest, err := Latest()
	require.NoError(t, err)
	v, err = Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	applied, err = Apply(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, applied)
}
