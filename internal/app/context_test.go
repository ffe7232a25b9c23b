package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workreport/internal/config"
	"workreport/internal/db"
	"workreport/internal/migrate"
	"workreport/internal/repo"
)

func newTestRepo(t *testing.T, dir string) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestResolveConfigSeedsDefaults(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)
	ctx := context.Background()

	cfg, err := ResolveConfig(ctx, dir, "", r)
	require.NoError(t, err)
	assert.Equal(t, "batch", cfg.Mode)

	stored, err := r.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Owner, stored.Owner)
}

func TestResolveConfigPrefersStoredOverDefaults(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)
	ctx := context.Background()
	cfg := config.Default()
	cfg.Owner = "Grace"
	require.NoError(t, r.PutConfig(ctx, cfg))

	got, err := ResolveConfig(ctx, dir, "", r)
	require.NoError(t, err)
	assert.Equal(t, "Grace", got.Owner)
}

func TestResolveConfigPrefersWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("Ada")), 0o644))

	got, err := ResolveConfig(context.Background(), dir, "", r)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Owner)
}

func TestResolveConfigExplicitTOML(t *testing.T) {
	dir := t.TempDir()
	r := newTestRepo(t, dir)
	path := filepath.Join(dir, "report.toml")
	require.NoError(t, os.WriteFile(path, []byte("owner = \"Linus\"\nmode = \"per-commit\"\n[llm]\nmodel = \"gpt-4o-mini\"\n"), 0o644))

	got, err := ResolveConfig(context.Background(), dir, path, r)
	require.NoError(t, err)
	assert.Equal(t, "Linus", got.Owner)
	assert.Equal(t, "per-commit", got.Mode)
	assert.Equal(t, "gpt-4o-mini", got.LLM.Model)
	assert.Equal(t, 4000, got.LLM.MaxTokens)

	_, err = ResolveConfig(context.Background(), dir, filepath.Join(dir, "missing.yml"), r)
	assert.Error(t, err)
}

func TestApplyAPIKey(t *testing.T) {
	cfg := config.Default()
	ApplyAPIKey(cfg, func(k string) string {
		if k == "DEEPSEEK_API_KEY" {
			return "sk-env"
		}
		return ""
	})
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)

	cfg.LLM.APIKey = "sk-flag"
	ApplyAPIKey(cfg, func(string) string { return "sk-env" })
	assert.Equal(t, "sk-flag", cfg.LLM.APIKey)
}
