package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workreport/internal/config"
	"workreport/internal/db"
	"workreport/internal/domain"
	"workreport/internal/events"
	"workreport/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func insertRun(t *testing.T, r Repo, run domain.Run) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.InsertRun(ctx, tx, run))
	require.NoError(t, tx.Commit())
}

func sampleRun(id, createdAt string) domain.Run {
	return domain.Run{
		ID:           id,
		Owner:        "Ada",
		Mode:         domain.ModePerCommit,
		Title:        "Ada weekly report",
		Since:        "2024-01-01",
		Until:        "2024-01-05",
		CommitCount:  2,
		ProjectCount: 1,
		Status:       domain.RunGenerated,
		CreatedAt:    createdAt,
		Tasks: []domain.TaskRow{
			{Seq: 1, Label: "feature", Detail: "[app] add login", StartDate: "2024-01-01", EndDate: "2024-01-01", Owner: "Ada", Collaborators: "none", Progress: "100%", Note: "T-12"},
		},
		Problems: []domain.ProblemRow{
			{Seq: 1, Category: "bug", Description: "[app] crash", RaisedDate: "2024-01-02", Resolution: "fix crash", ResolvedDate: "2024-01-02"},
		},
	}
}

func TestRunRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	want := sampleRun("run-1", "2024-01-05T18:00:00Z")
	insertRun(t, r, want)

	got, err := r.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = r.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsPagesNewestFirst(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertRun(t, r, sampleRun("a", "2024-01-05T10:00:00Z"))
	insertRun(t, r, sampleRun("b", "2024-01-05T10:00:00Z"))
	older := sampleRun("c", "2024-01-04T10:00:00Z")
	older.Status = domain.RunEmpty
	older.Tasks, older.Problems = nil, nil
	insertRun(t, r, older)

	page, err := r.ListRuns(ctx, RunFilters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "a", page[1].ID)
	assert.Nil(t, page[0].Tasks)

	rest, err := r.ListRuns(ctx, RunFilters{CursorCreatedAt: page[1].CreatedAt, CursorID: page[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].ID)

	empty, err := r.ListRuns(ctx, RunFilters{Status: domain.RunEmpty})
	require.NoError(t, err)
	require.Len(t, empty, 1)
	assert.Equal(t, "c", empty[0].ID)
}

func TestMarkExported(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertRun(t, r, sampleRun("run-1", "2024-01-05T18:00:00Z"))

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkExported(ctx, tx, "run-1", "/out/report.xlsx"))
	assert.ErrorIs(t, r.MarkExported(ctx, tx, "missing", "/out/x.xlsx"), ErrNotFound)
	require.NoError(t, tx.Commit())

	got, err := r.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunExported, got.Status)
	assert.Equal(t, "/out/report.xlsx", got.OutputPath)
}

func TestConfigStore(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.GetConfig(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := config.Default()
	cfg.Owner = "Ada"
	cfg.Projects = []string{"/repos/app"}
	cfg.LLM.APIKey = "sk-secret"
	require.NoError(t, r.PutConfig(ctx, cfg))

	cfg.Owner = "Grace"
	require.NoError(t, r.PutConfig(ctx, cfg))

	got, err := r.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Grace", got.Owner)
	assert.Equal(t, []string{"/repos/app"}, got.Projects)
	assert.Empty(t, got.LLM.APIKey)

	cfg.Mode = "weekly"
	assert.Error(t, r.PutConfig(ctx, cfg))
}

func TestLatestEvents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	require.NoError(t, w.AppendNow(ctx, domain.EventRunStarted, "run-1", "run", "run-1", "ada", nil))
	require.NoError(t, w.AppendNow(ctx, domain.EventRunCompleted, "run-1", "run", "run-1", "ada", events.EventPayload{"tasks": 2}))
	require.NoError(t, w.AppendNow(ctx, domain.EventConfigUpdated, "", "config", "", "ada", nil))

	all, err := r.LatestEvents(ctx, 10, 0, "", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.EventConfigUpdated, all[0].Type)
	assert.Empty(t, all[0].RunID)

	older, err := r.LatestEvents(ctx, 10, all[0].ID, "", "")
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, domain.EventRunCompleted, older[0].Type)
	assert.JSONEq(t, `{"tasks":2}`, older[0].Payload)

	byRun, err := r.LatestEvents(ctx, 10, 0, "run-1", domain.EventRunStarted)
	require.NoError(t, err)
	require.Len(t, byRun, 1)

	after, err := r.EventsAfter(ctx, 10, byRun[0].ID, "run-1")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, domain.EventRunCompleted, after[0].Type)
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", ActorID: "ci-bot", Name: "ci", KeyHash: HashAPIKey("wr_one"), Scopes: []string{"reports:write"}}))
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k2", ActorID: "ada", KeyHash: HashAPIKey("wr_two")}))
	assert.Error(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k3", ActorID: "ada"}))

	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" wr_one "))
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", key.ActorID)
	assert.Equal(t, []string{"reports:write"}, key.Scopes)

	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("wr_nope"))
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := r.ListAPIKeys(ctx, "ada")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "k2", keys[0].ID)
	assert.Empty(t, keys[0].Scopes)

	require.NoError(t, r.DeleteAPIKey(ctx, "k2"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "k2"), ErrNotFound)
}

