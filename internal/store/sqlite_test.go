package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "medivio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestCreateAndGetUser(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateUser(ctx, &domain.User{
		Email:          "a@b.com",
		PasswordDigest: "digest",
		JoinedDate:     "2026-01-02",
	}))

	user, err := repo.GetUser(ctx, "a@b.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "digest", user.PasswordDigest)
	assert.Equal(t, "2026-01-02", user.JoinedDate)
}

func TestGetUser_NotExists_ReturnsNilNil(t *testing.T) {
	repo := newTestStore(t)

	user, err := repo.GetUser(context.Background(), "absent@b.com")
	require.NoError(t, err)
	require.Nil(t, user)
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	user := &domain.User{Email: "a@b.com", PasswordDigest: "x", JoinedDate: "2026-01-02"}

	require.NoError(t, repo.CreateUser(ctx, user))
	err := repo.CreateUser(ctx, user)
	require.ErrorIs(t, err, shared.ErrAlreadyExists)
}

func TestAddHistory_RequiresExistingUser(t *testing.T) {
	repo := newTestStore(t)

	_, err := repo.AddHistory(context.Background(), &domain.HistoryEntry{
		Email: "ghost@b.com",
		Type:  "Flu Symptoms",
		Date:  "2026-01-02",
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestListHistory_MostRecentFirstAndBounded(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, &domain.User{Email: "a@b.com", PasswordDigest: "x", JoinedDate: "2026-01-01"}))
	require.NoError(t, repo.CreateUser(ctx, &domain.User{Email: "c@d.com", PasswordDigest: "x", JoinedDate: "2026-01-01"}))

	var lastID int64
	for i := 0; i < 5; i++ {
		id, err := repo.AddHistory(ctx, &domain.HistoryEntry{
			Email:     "a@b.com",
			Type:      fmt.Sprintf("scan-%d", i),
			Summary:   "summary",
			RiskLevel: "Low",
			Date:      fmt.Sprintf("2026-01-0%d", i+1),
		})
		require.NoError(t, err)
		require.Greater(t, id, lastID)
		lastID = id
	}
	_, err := repo.AddHistory(ctx, &domain.HistoryEntry{Email: "c@d.com", Type: "other", Date: "2026-02-01"})
	require.NoError(t, err)

	entries, err := repo.ListHistory(ctx, "a@b.com", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "scan-4", entries[0].Type)
	assert.Equal(t, "scan-3", entries[1].Type)
	assert.Equal(t, "scan-2", entries[2].Type)
	assert.Equal(t, "2026-01-05", entries[0].Date)
}

func TestNewSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medivio.db")
	ctx := context.Background()

	repo, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, repo.CreateUser(ctx, &domain.User{Email: "a@b.com", PasswordDigest: "x", JoinedDate: "2026-01-01"}))
	require.NoError(t, repo.Close())

	repo, err = NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()

	user, err := repo.GetUser(ctx, "a@b.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	require.NoError(t, repo.Ping(ctx))
}
