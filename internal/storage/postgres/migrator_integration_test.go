package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func versionsOf(ms []Migration) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Version)
	}
	return out
}

func TestMigrator_UpDownRoundTrip(t *testing.T) {
	store := connectForTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	migrator, err := store.Migrator()
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = migrator.Up(context.Background(), 0) })

	_, err = migrator.Down(ctx, 100)
	require.NoError(t, err)
	version, count, err := migrator.Version(ctx)
	require.NoError(t, err)
	require.Zero(t, version)
	require.Zero(t, count)

	applied, err := migrator.Up(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, versionsOf(applied))

	applied, err = migrator.Up(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, versionsOf(applied))

	applied, err = migrator.Up(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, applied)

	reverted, err := migrator.Down(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, versionsOf(reverted))

	states, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, states, 3)
	require.NotNil(t, states[0].AppliedAt)
	require.NotNil(t, states[1].AppliedAt)
	require.Nil(t, states[2].AppliedAt)
	require.False(t, states[0].Drifted)

	version, count, err = migrator.Version(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, version)
	require.Equal(t, 2, count)
}

func TestMigrator_DetectsEditedMigration(t *testing.T) {
	store := connectForTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, store.EnsureSchema(ctx))

	embedded, err := EmbeddedMigrations()
	require.NoError(t, err)
	edited := append([]Migration(nil), embedded...)
	edited[0].Up += "\n-- edited after release"

	migrator := NewMigrator(store.DB(), edited)
	_, err = migrator.Up(ctx, 0)
	require.ErrorIs(t, err, ErrMigrationDrift)

	states, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.True(t, states[0].Drifted)
	require.False(t, states[1].Drifted)
}
