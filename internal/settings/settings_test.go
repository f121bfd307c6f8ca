package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/zenova/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	val, err := s.Get(ctx, "acme", "GITHUB_TOKEN")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.Set(ctx, "acme", "GITHUB_TOKEN", "ghp_1234567890abcd"))
	val, err = s.Get(ctx, "acme", "GITHUB_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "ghp_1234567890abcd", val)

	// Workspaces are isolated.
	val, err = s.Get(ctx, "other", "GITHUB_TOKEN")
	require.NoError(t, err)
	assert.Empty(t, val)

	// Empty value deletes the key.
	require.NoError(t, s.Set(ctx, "acme", "GITHUB_TOKEN", ""))
	val, err = s.Get(ctx, "acme", "GITHUB_TOKEN")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestGetEnvFallback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Setenv("GEMINI_API_KEY", "from-env")
	val, err := s.Get(ctx, "acme", "GEMINI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "from-env", val)

	// Stored values win over the environment.
	require.NoError(t, s.Set(ctx, "acme", "GEMINI_API_KEY", "from-db"))
	val, err = s.Get(ctx, "acme", "GEMINI_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "from-db", val)
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "ghp_ab...wxyz", MaskValue("GITHUB_TOKEN", "ghp_abcdefgh1234wxyz"))
	assert.Equal(t, "sk-ant...5678", MaskValue("ANTHROPIC_API_KEY", "sk-ant-api-1234-5678"))
	// Short values and non-sensitive keys pass through.
	assert.Equal(t, "short", MaskValue("GITHUB_TOKEN", "short"))
	assert.Equal(t, "https://github.com/org/repo", MaskValue("DEFAULT_REPO_URL", "https://github.com/org/repo"))
}

func TestMasked(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Set(ctx, "acme", "GITHUB_TOKEN", "ghp_abcdefgh1234wxyz"))
	require.NoError(t, s.Set(ctx, "acme", "BOT_USER_ID", "bot-user-1"))

	masked, err := s.Masked(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ghp_ab...wxyz", masked["GITHUB_TOKEN"])
	assert.Equal(t, "bot-user-1", masked["BOT_USER_ID"])
}

func TestIsMasked(t *testing.T) {
	assert.True(t, IsMasked("ghp_ab...wxyz"))
	assert.False(t, IsMasked("ghp_abcdefgh1234wxyz"))
}

func TestRepoForProject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetRepo(ctx, "acme", "proj-1", "https://github.com/acme/app"))

	url, err := s.RepoForProject(ctx, "acme", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/app", url)

	// Unmapped projects use the workspace default.
	require.NoError(t, s.Set(ctx, "acme", "DEFAULT_REPO_URL", "https://github.com/acme/monorepo"))
	url, err = s.RepoForProject(ctx, "acme", "proj-2")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/monorepo", url)

	// Removing a mapping falls back too.
	require.NoError(t, s.SetRepo(ctx, "acme", "proj-1", ""))
	url, err = s.RepoForProject(ctx, "acme", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/monorepo", url)
}

func TestReposAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetRepo(ctx, "acme", "proj-1", "https://github.com/acme/app"))
	require.NoError(t, s.SetRepo(ctx, "acme", "proj-2", "https://github.com/acme/api"))

	repos, err := s.Repos(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, repos, 2)
	assert.Equal(t, "https://github.com/acme/api", repos["proj-2"])

	require.NoError(t, s.ClearRepos(ctx, "acme"))
	repos, err = s.Repos(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestBuildSecrets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Setenv("PLANE_API_URL", "https://plane.example.com")
	t.Setenv("PLANE_API_TOKEN", "plane-token")

	require.NoError(t, s.Set(ctx, "acme", "GITHUB_TOKEN", "ghp_secret"))
	require.NoError(t, s.SetRepo(ctx, "acme", "proj-1", "https://github.com/acme/app"))

	secrets, err := s.BuildSecrets(ctx, "acme", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", secrets["GITHUB_TOKEN"])
	assert.Equal(t, "https://github.com/acme/app", secrets["REPO_URL"])
	assert.Equal(t, "https://plane.example.com", secrets["PLANE_API_URL"])
	assert.Equal(t, "plane-token", secrets["PLANE_API_TOKEN"])
	assert.Contains(t, secrets, "CLAUDE_CODE_OAUTH_TOKEN")
	assert.Contains(t, secrets, "ANTHROPIC_API_KEY")
}
