package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/anonto42/tilt/backend/internal/docpath"
	"github.com/anonto42/tilt/backend/internal/docstore"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestPostIndex_RegisterAndLocate(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresPostIndexRepository(openDB(t))
	p := docpath.MustParse("posts/a/posts/b")

	require.NoError(t, repo.Register(ctx, p))
	require.NoError(t, repo.Register(ctx, p))

	got, err := repo.Locate(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, p.String(), got.String())

	_, err = repo.Locate(ctx, "missing")
	assert.True(t, docstore.IsNotFound(err))
}

func TestPostIndex_DuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresPostIndexRepository(openDB(t))
	require.NoError(t, repo.Register(ctx, docpath.MustParse("posts/a")))

	err := repo.Register(ctx, docpath.MustParse("posts/x/posts/a"))
	assert.ErrorIs(t, err, ErrDuplicateID)

	require.NoError(t, repo.Remove(ctx, "a"))
	require.NoError(t, repo.Register(ctx, docpath.MustParse("posts/x/posts/a")))
}

func TestUsername_Reserve(t *testing.T) {
	ctx := context.Background()
	repo := NewPostgresUsernameRepository(openDB(t))

	require.NoError(t, repo.Reserve(ctx, "u1", "ada"))
	require.NoError(t, repo.Reserve(ctx, "u1", "ada"))

	var dup *DuplicateNameError
	require.ErrorAs(t, repo.Reserve(ctx, "u2", "ada"), &dup)
	assert.Equal(t, "ada", dup.Name)

	require.NoError(t, repo.Reserve(ctx, "u1", "lovelace"))
	name, err := repo.NameOf(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "lovelace", name)

	require.NoError(t, repo.Reserve(ctx, "u2", "ada"))

	name, err = repo.NameOf(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, name)
}
