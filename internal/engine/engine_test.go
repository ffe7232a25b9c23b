package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"workreport/internal/classify"
	"workreport/internal/config"
	"workreport/internal/db"
	"workreport/internal/domain"
	"workreport/internal/engine"
	"workreport/internal/gitlog"
	"workreport/internal/migrate"
	"workreport/internal/repo"
	"workreport/internal/sheet"
)

type fakeSource struct {
	commits map[string][]domain.CommitRecord
	calls   []string
}

func (f *fakeSource) Extract(_ context.Context, repoPath string, _ domain.Window) ([]domain.CommitRecord, error) {
	f.calls = append(f.calls, repoPath)
	commits, ok := f.commits[repoPath]
	if !ok {
		return nil, &gitlog.UnavailableError{Path: repoPath, Err: gitlog.ErrRepoMissing}
	}
	return commits, nil
}

// scriptedCompleter answers each call with the next scripted response.
type scriptedCompleter struct {
	responses []string
	err       error
	calls     int
}

func (s *scriptedCompleter) Complete(context.Context, string, float32, int) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

type testEnv struct {
	Engine    engine.Engine
	Source    *fakeSource
	Completer *scriptedCompleter
	Ctx       context.Context
}

func day(s string) time.Time {
	t, _ := time.Parse(domain.DateLayout, s)
	return t
}

func appCommits() []domain.CommitRecord {
	// newest first, as git log reports
	return []domain.CommitRecord{
		{Hash: "cccccccc", Author: "Ada", Date: day("2024-01-03"), Message: "refactor auth module", Files: []string{"M\tauth.go"}, Project: "app"},
		{Hash: "bbbbbbbb", Author: "Ada", Date: day("2024-01-02"), Message: "fix login crash", Files: []string{"M\tlogin.go"}, Project: "app"},
		{Hash: "aaaaaaaa", Author: "Ada", Date: day("2024-01-01"), Message: "add login", Files: []string{"A\tlogin.go"}, Project: "app"},
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Owner = "Ada"
	cfg.Projects = []string{"/repos/app"}
	cfg.Window.Since = "2024-01-01"
	cfg.Window.Until = "2024-01-05"
	cfg.Output.Dir = filepath.Join(dir, "output")
	cfg.Template.Path = writeTemplate(t, dir)

	src := &fakeSource{commits: map[string][]domain.CommitRecord{"/repos/app": appCommits()}}
	completer := &scriptedCompleter{}
	eng := engine.New(conn, cfg, zerolog.Nop())
	eng.Source = src
	eng.Classifier = classify.New(completer, classify.OptionsFromConfig(cfg), zerolog.Nop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Source: src, Completer: completer, Ctx: context.Background()}
}

func writeTemplate(t *testing.T, dir string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetColWidth("Sheet1", "C", "C", 50))
	path := filepath.Join(dir, "weekly-template.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func eventTypes(t *testing.T, env testEnv, runID string) []string {
	t.Helper()
	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, runID)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	return types
}

func TestGenerateEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	// indices refer to the order commits were listed in the prompt
	env.Completer.responses = []string{"```json\n" + `[
		{"module": "login", "category": "new feature", "description": "login", "key_changes": ["add login", "fix crash"], "commit_indices": [2, 3]},
		{"module": "auth refactor", "category": "refactor", "description": "auth refactor", "commit_indices": [1]}
	]` + "\n```"}

	rep, err := env.Engine.Generate(env.Ctx, engine.Request{ActorID: "ada"})
	require.NoError(t, err)
	assert.False(t, rep.Empty)
	assert.Equal(t, 3, rep.CommitCount)
	assert.Equal(t, "Ada 2024 01/01-01/05 Weekly Report", rep.Title)
	require.Len(t, rep.Tasks, 2)

	first, second := rep.Tasks[0], rep.Tasks[1]
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, "[app] login", first.Label)
	assert.Equal(t, "2024-01-01", first.StartDate)
	assert.Equal(t, "2024-01-02", first.EndDate)
	assert.Equal(t, "login\nKey changes:\n• add login\n• fix crash", first.Detail)
	assert.Equal(t, 2, second.Seq)
	assert.Equal(t, "2024-01-03", second.StartDate)
	assert.Equal(t, "2024-01-03", second.EndDate)
	assert.Empty(t, rep.Problems)
	assert.InDelta(t, 2.0/3.0, rep.SplitRatio(), 1e-9)

	require.NotEmpty(t, rep.RunID)
	run, err := env.Engine.Repo.GetRun(env.Ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunGenerated, run.Status)
	assert.Equal(t, rep.Tasks, run.Tasks)
	assert.Equal(t, []string{domain.EventRunStarted, domain.EventRunCompleted}, eventTypes(t, env, rep.RunID))
}

func TestGenerateNoCommitsIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	env.Source.commits["/repos/app"] = nil

	rep, err := env.Engine.Generate(env.Ctx, engine.Request{})
	require.NoError(t, err)
	assert.True(t, rep.Empty)
	assert.Empty(t, rep.Tasks)
	assert.Zero(t, env.Completer.calls)

	run, err := env.Engine.Repo.GetRun(env.Ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunEmpty, run.Status)

	_, err = env.Engine.Export(env.Ctx, rep.RunID, "ada")
	assert.ErrorIs(t, err, engine.ErrNothingToExport)
}

func TestGenerateSkipsUnavailableProject(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.responses = []string{`[{"module": "login", "description": "login"}]`}

	rep, err := env.Engine.Generate(env.Ctx, engine.Request{Projects: []string{"/repos/missing", "/repos/app"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"/repos/missing", "/repos/app"}, env.Source.calls)
	require.Len(t, rep.Projects, 2)
	assert.True(t, rep.Projects[0].Skipped)
	assert.Contains(t, rep.Projects[0].Error, "does not exist")
	assert.Equal(t, 1, rep.Projects[1].Tasks)
	require.Len(t, rep.Tasks, 1)
	// no indices: the task spans the whole project
	assert.Equal(t, "2024-01-01", rep.Tasks[0].StartDate)
	assert.Equal(t, "2024-01-03", rep.Tasks[0].EndDate)
	assert.Contains(t, eventTypes(t, env, rep.RunID), domain.EventProjectSkipped)
}

func TestGenerateFallbackOnClassificationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.err = errors.New("connection refused")

	rep, err := env.Engine.Generate(env.Ctx, engine.Request{})
	require.NoError(t, err)
	require.Len(t, rep.Tasks, 1)
	assert.Equal(t, "[app] uncategorized", rep.Tasks[0].Label)
	assert.Equal(t, "2024-01-01", rep.Tasks[0].StartDate)
	assert.Equal(t, "2024-01-03", rep.Tasks[0].EndDate)
	assert.True(t, rep.Projects[0].Fallback)
	assert.Equal(t, "completion: connection refused", rep.Projects[0].Error)
	assert.Equal(t, 1, env.Completer.calls)
	assert.Contains(t, eventTypes(t, env, rep.RunID), domain.EventClassifyFallback)
}

func TestGenerateSequenceSpansProjects(t *testing.T) {
	env := newTestEnv(t)
	web := []domain.CommitRecord{
		{Hash: "dddddddd", Date: day("2024-01-04"), Message: "ui", Project: "web"},
	}
	env.Source.commits["/repos/web"] = web
	env.Completer.responses = []string{
		`[{"module": "a", "description": "a"}, {"module": "b", "description": "b"}]`,
		`[{"module": "c", "description": "c"}, {"module": "d", "description": "d"}]`,
	}

	rep, err := env.Engine.Generate(env.Ctx, engine.Request{Projects: []string{"/repos/app", "/repos/web"}, DryRun: true})
	require.NoError(t, err)
	require.Len(t, rep.Tasks, 4)
	for i, row := range rep.Tasks {
		assert.Equal(t, i+1, row.Seq)
	}
	assert.Equal(t, "[web] c", rep.Tasks[2].Label)
	assert.Empty(t, rep.RunID)
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, repo.RunFilters{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGeneratePerCommitMode(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.responses = []string{
		`{"type": "task", "category": "refactor", "description": "auth refactor", "related_id": "none"}`,
		`{"type": "problem", "category": "bug fix", "description": "login crash", "related_id": "#12"}`,
		`not json`,
	}

	rep, err := env.Engine.Generate(env.Ctx, engine.Request{Mode: domain.ModePerCommit})
	require.NoError(t, err)
	assert.Equal(t, domain.ModePerCommit, rep.Mode)
	require.Len(t, rep.Tasks, 2)
	require.Len(t, rep.Problems, 1)
	assert.Equal(t, "refactor", rep.Tasks[0].Label)
	assert.Equal(t, domain.Uncategorized, rep.Tasks[1].Label)
	assert.Equal(t, "[app] add login", rep.Tasks[1].Detail)
	assert.Equal(t, 2, rep.Tasks[1].Seq)
	assert.Equal(t, 1, rep.Problems[0].Seq)
	assert.Equal(t, "2024-01-02", rep.Problems[0].RaisedDate)
}

func TestGenerateRequiresProjects(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Projects = nil
	_, err := env.Engine.Generate(env.Ctx, engine.Request{})
	assert.ErrorIs(t, err, engine.ErrNoProjects)
}

func TestGenerateStampsStoredConfig(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Engine.Repo.PutConfig(env.Ctx, env.Engine.Config))
	env.Completer.responses = []string{`[{"module": "login", "description": "login"}]`}

	_, err := env.Engine.Generate(env.Ctx, engine.Request{})
	require.NoError(t, err)
	stored, err := env.Engine.Repo.GetConfig(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05T18:00:00Z", stored.LastUsed)
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.responses = []string{`[{"module": "login", "description": "login", "commit_indices": [3]}]`}
	rep, err := env.Engine.Generate(env.Ctx, engine.Request{})
	require.NoError(t, err)

	path, err := env.Engine.Export(env.Ctx, rep.RunID, "ada")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.Engine.Config.Output.Dir, "Ada_0101-0105_weekly.xlsx"), path)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	title, _ := f.GetCellValue("Sheet1", "A1")
	assert.Equal(t, rep.Title, title)
	label, _ := f.GetCellValue("Sheet1", "B4")
	assert.Equal(t, "[app] login", label)

	run, err := env.Engine.Repo.GetRun(env.Ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunExported, run.Status)
	assert.Equal(t, path, run.OutputPath)
	assert.Contains(t, eventTypes(t, env, rep.RunID), domain.EventReportExported)
}

func TestExportTemplateMissing(t *testing.T) {
	env := newTestEnv(t)
	env.Completer.responses = []string{`[{"module": "login", "description": "login"}]`}
	rep, err := env.Engine.Generate(env.Ctx, engine.Request{})
	require.NoError(t, err)

	tc := env.Engine.Config.Template
	tc.Path = filepath.Join(t.TempDir(), "gone.xlsx")
	env.Engine.Sheet = sheet.NewWriter(tc, zerolog.Nop())
	_, err = env.Engine.Export(env.Ctx, rep.RunID, "ada")
	assert.ErrorIs(t, err, sheet.ErrTemplateMissing)
}

func TestGenerateRejectsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Generate(env.Ctx, engine.Request{Mode: "hourly"})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	_, err = env.Engine.Generate(env.Ctx, engine.Request{Since: "2024-01-05", Until: "2024-01-01"})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
}

func TestWithConfigKeepsInjectedComponents(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.LLM.MaxFilesPerCommit = 2
	cfg.Template.Path = "/elsewhere.xlsx"

	eng := env.Engine.WithConfig(cfg)
	assert.Same(t, cfg, eng.Config)
	assert.Equal(t, env.Source, eng.Source)
	assert.Equal(t, env.Completer, eng.Classifier.Completer)
	assert.Equal(t, 2, eng.Classifier.Options.MaxFilesPerCommit)
	assert.Equal(t, "/elsewhere.xlsx", eng.Sheet.(sheet.Writer).TemplatePath)
	// the original engine is untouched
	assert.Equal(t, 5, env.Engine.Classifier.Options.MaxFilesPerCommit)
}
