package database

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// pgRepository connects to the database named by MESSENGER_TEST_POSTGRES_DSN
// and migrates it, or skips the test.
func pgRepository(t *testing.T) *PgMessengerRepository {
	t.Helper()

	dsn := os.Getenv("MESSENGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MESSENGER_TEST_POSTGRES_DSN not set, skipping integration test")
	}

	repo, err := NewPgMessengerRepository(dsn)
	if err != nil {
		t.Skipf("Postgres not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.Migrate())
	return repo
}

func TestPg_Repository(t *testing.T) {
	repo := pgRepository(t)

	testMessengerRepository(t, repo, func(t *testing.T, ids ...string) {
		for _, id := range ids {
			_, err := repo.conn.ExecContext(context.Background(),
				"INSERT INTO users (id, username, display_name) VALUES ($1, $1, $2)",
				id,
				displayName(id),
			)
			require.NoError(t, err)
		}
	})
}

func TestPg_Migrate(t *testing.T) {
	repo := pgRepository(t)

	// already applied migrations are not an error
	require.NoError(t, repo.Migrate())
	require.NoError(t, repo.Ping(context.Background()))
}

func TestPg_ListFriends(t *testing.T) {
	repo := pgRepository(t)
	ctx := context.Background()

	ids := uniqueIds("alice", "bob", "carol")
	for _, id := range ids {
		_, err := repo.conn.ExecContext(ctx, "INSERT INTO users (id, username) VALUES ($1, $1)", id)
		require.NoError(t, err)
	}
	for _, friend := range ids[1:] {
		_, err := repo.conn.ExecContext(ctx,
			"INSERT INTO friendships (user_id, friend_id) VALUES ($1, $2), ($2, $1)",
			ids[0],
			friend,
		)
		require.NoError(t, err)
	}

	friends, err := repo.ListFriends(ctx, ids[0])
	require.NoError(t, err)
	require.ElementsMatch(t, ids[1:], friends)

	friends, err = repo.ListFriends(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, []string{ids[0]}, friends)
}
