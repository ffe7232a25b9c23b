package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"workreport/internal/classify"
	"workreport/internal/config"
	"workreport/internal/domain"
	"workreport/internal/events"
	"workreport/internal/gitlog"
	"workreport/internal/repo"
	"workreport/internal/sheet"
)

var (
	// ErrNoProjects means neither the request nor the config names a repository.
	ErrNoProjects = errors.New("no projects configured")
	// ErrNothingToExport is returned when exporting a run without rows.
	ErrNothingToExport = errors.New("run has nothing to export")
	// ErrInvalidRequest wraps request values that cannot be used.
	ErrInvalidRequest = errors.New("invalid request")
)

// Source lists the commits of one repository inside a window.
type Source interface {
	Extract(ctx context.Context, repoPath string, w domain.Window) ([]domain.CommitRecord, error)
}

// SheetWriter writes a report spreadsheet.
type SheetWriter interface {
	Write(path string, in sheet.Input) error
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Source     Source
	Classifier *classify.Classifier
	Sheet      SheetWriter
	Log        zerolog.Logger
	Now        func() time.Time
}

// New wires the engine from a resolved config: commit source per cfg.Source,
// an OpenAI-compatible classifier and the template writer.
func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	var src Source = gitlog.NewExtractor(log)
	if cfg.Source == "go-git" {
		src = gitlog.GoGitSource{Log: log}
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Source:     src,
		Classifier: classify.New(classify.NewOpenAICompleter(cfg.LLM), classify.OptionsFromConfig(cfg), log),
		Sheet:      sheet.NewWriter(cfg.Template, log),
		Log:        log,
		Now:        time.Now,
	}
}

// WithConfig returns a copy of the engine using cfg. Components built from the
// previous config are rebuilt; injected ones are kept.
func (e Engine) WithConfig(cfg *config.Config) Engine {
	e.Config = cfg
	switch e.Source.(type) {
	case gitlog.Extractor, gitlog.GoGitSource:
		if cfg.Source == "go-git" {
			e.Source = gitlog.GoGitSource{Log: e.Log}
		} else {
			e.Source = gitlog.NewExtractor(e.Log)
		}
	}
	if e.Classifier != nil {
		c := *e.Classifier
		c.Options = classify.OptionsFromConfig(cfg)
		if _, ok := c.Completer.(*classify.OpenAICompleter); ok {
			c.Completer = classify.NewOpenAICompleter(cfg.LLM)
		}
		e.Classifier = &c
	}
	if _, ok := e.Sheet.(sheet.Writer); ok {
		e.Sheet = sheet.NewWriter(cfg.Template, e.Log)
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Request overrides config values for one generation. Zero values fall back to the config.
type Request struct {
	Since    string
	Until    string
	Mode     string
	Owner    string
	Projects []string
	ActorID  string
	// DryRun skips persisting the run.
	DryRun bool
}

// ProjectSummary reports what happened to one configured repository.
type ProjectSummary struct {
	Project  string `json:"project"`
	Path     string `json:"path"`
	Commits  int    `json:"commits"`
	Tasks    int    `json:"tasks"`
	Skipped  bool   `json:"skipped,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Report is a generated, not yet exported, weekly report.
type Report struct {
	RunID       string              `json:"run_id,omitempty"`
	Title       string              `json:"title"`
	Owner       string              `json:"owner"`
	Mode        string              `json:"mode" enum:"batch,per-commit"`
	Since       string              `json:"since" format:"date"`
	Until       string              `json:"until" format:"date"`
	CommitCount int                 `json:"commit_count"`
	Empty       bool                `json:"empty"`
	Projects    []ProjectSummary    `json:"projects"`
	Tasks       []domain.TaskRow    `json:"tasks"`
	Problems    []domain.ProblemRow `json:"problems"`
}

// SplitRatio is tasks per commit; closer to 1 means finer splitting.
func (r Report) SplitRatio() float64 {
	if r.CommitCount == 0 {
		return 0
	}
	return float64(len(r.Tasks)+len(r.Problems)) / float64(r.CommitCount)
}

type pendingEvent struct {
	typ, entityKind, entityID string
	payload                   events.EventPayload
}

// Generate runs the pipeline: extract per project, group, classify, resolve
// dates and assemble rows. Projects are processed one at a time. A window
// without commits is an empty report, not an error.
func (e Engine) Generate(ctx context.Context, req Request) (Report, error) {
	cfg := e.Config
	if cfg == nil {
		return Report{}, errors.New("config not loaded")
	}
	owner := firstNonEmpty(req.Owner, cfg.Owner)
	mode := firstNonEmpty(req.Mode, cfg.Mode)
	if mode != domain.ModeBatch && mode != domain.ModePerCommit {
		return Report{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
	projects := req.Projects
	if len(projects) == 0 {
		projects = cfg.Projects
	}
	if len(projects) == 0 {
		return Report{}, ErrNoProjects
	}
	window, err := ResolveWindow(e.now(), req.Since, req.Until, cfg.Window)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	title, err := RenderName(cfg.Output.Title, owner, window)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		Title:    title,
		Owner:    owner,
		Mode:     mode,
		Since:    window.Since.Format(domain.DateLayout),
		Until:    window.Until.Format(domain.DateLayout),
		Tasks:    []domain.TaskRow{},
		Problems: []domain.ProblemRow{},
	}
	if !req.DryRun && e.DB != nil {
		rep.RunID = uuid.NewString()
	}
	log := e.Log.With().Str("run", rep.RunID).Logger()
	log.Info().Str("since", rep.Since).Str("until", rep.Until).Str("mode", mode).Int("projects", len(projects)).Msg("generating report")

	var pending []pendingEvent
	var all []domain.CommitRecord
	summaries := map[string]*ProjectSummary{}
	for _, path := range projects {
		s := ProjectSummary{Project: gitlog.ProjectName(path), Path: path}
		commits, err := e.Source.Extract(ctx, path, window)
		if err != nil {
			var unavailable *gitlog.UnavailableError
			if !errors.As(err, &unavailable) && ctx.Err() != nil {
				return Report{}, err
			}
			log.Warn().Str("project", s.Project).Str("path", path).Err(err).Msg("skipping project")
			s.Skipped = true
			s.Error = err.Error()
			pending = append(pending, pendingEvent{domain.EventProjectSkipped, "project", s.Project, events.EventPayload{"path": path, "error": err.Error()}})
		} else {
			log.Info().Str("project", s.Project).Int("commits", len(commits)).Msg("scanned project")
		}
		s.Commits = len(commits)
		all = append(all, commits...)
		rep.Projects = append(rep.Projects, s)
	}
	for i := range rep.Projects {
		summaries[rep.Projects[i].Project] = &rep.Projects[i]
	}
	summary := func(project string) *ProjectSummary {
		if s, ok := summaries[project]; ok {
			return s
		}
		return &ProjectSummary{}
	}
	rep.CommitCount = len(all)

	if len(all) == 0 {
		rep.Empty = true
		log.Info().Msg("no commits in window, nothing to generate")
		return rep, e.persist(ctx, req, rep, pending)
	}

	groups := GroupByProject(all)
	switch mode {
	case domain.ModeBatch:
		var resolved []domain.ProjectTasks
		for _, g := range groups {
			out := e.Classifier.ClassifyProject(ctx, g.Project, g.Commits)
			if out.Fallback {
				summary(g.Project).Fallback = true
				summary(g.Project).Error = errString(out.Reason)
				pending = append(pending, pendingEvent{domain.EventClassifyFallback, "project", g.Project, events.EventPayload{"reason": errString(out.Reason), "commits": len(g.Commits)}})
			}
			summary(g.Project).Tasks += len(out.Candidates)
			resolved = append(resolved, domain.ProjectTasks{Project: g.Project, Tasks: ResolveTasks(out.Candidates, g.Commits)})
		}
		rep.Tasks = Assemble(resolved, owner, cfg.Collaborators)
	case domain.ModePerCommit:
		var items []domain.ClassifiedCommit
		for _, g := range groups {
			for _, c := range g.Commits {
				out := e.Classifier.ClassifyCommit(ctx, c)
				if out.Fallback {
					summary(g.Project).Fallback = true
					summary(g.Project).Error = errString(out.Reason)
					pending = append(pending, pendingEvent{domain.EventClassifyFallback, "commit", c.Hash, events.EventPayload{"reason": errString(out.Reason), "project": g.Project}})
				}
				summary(g.Project).Tasks++
				items = append(items, out.Item)
			}
		}
		rep.Tasks, rep.Problems = AssemblePerCommit(items, owner, cfg.Collaborators)
	}
	if rep.Tasks == nil {
		rep.Tasks = []domain.TaskRow{}
	}
	if rep.Problems == nil {
		rep.Problems = []domain.ProblemRow{}
	}
	log.Info().
		Int("commits", rep.CommitCount).
		Int("tasks", len(rep.Tasks)).
		Int("problems", len(rep.Problems)).
		Str("split_ratio", fmt.Sprintf("%.2f:1", rep.SplitRatio())).
		Msg("classification complete")
	return rep, e.persist(ctx, req, rep, pending)
}

// persist stores the run, its rows and the events collected while generating.
func (e Engine) persist(ctx context.Context, req Request, rep Report, pending []pendingEvent) error {
	if req.DryRun || e.DB == nil {
		return nil
	}
	status := domain.RunGenerated
	if rep.Empty {
		status = domain.RunEmpty
	}
	run := domain.Run{
		ID:           rep.RunID,
		Owner:        rep.Owner,
		Mode:         rep.Mode,
		Title:        rep.Title,
		Since:        rep.Since,
		Until:        rep.Until,
		CommitCount:  rep.CommitCount,
		ProjectCount: len(rep.Projects),
		Status:       status,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
		Tasks:        rep.Tasks,
		Problems:     rep.Problems,
	}
	actor := firstNonEmpty(req.ActorID, "local-user")
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, domain.EventRunStarted, run.ID, "run", run.ID, actor, events.EventPayload{
		"since": run.Since, "until": run.Until, "mode": run.Mode, "projects": run.ProjectCount,
	}); err != nil {
		return err
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return err
	}
	for _, p := range pending {
		if err := e.Events.Append(ctx, tx, p.typ, run.ID, p.entityKind, p.entityID, actor, p.payload); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, domain.EventRunCompleted, run.ID, "run", run.ID, actor, events.EventPayload{
		"status": run.Status, "commits": run.CommitCount, "tasks": len(run.Tasks), "problems": len(run.Problems),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return e.touchLastUsed(ctx)
}

// touchLastUsed stamps the stored configuration, when there is one.
func (e Engine) touchLastUsed(ctx context.Context) error {
	stored, err := e.Repo.GetConfig(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	stored.LastUsed = e.now().UTC().Format(time.RFC3339)
	return e.Repo.PutConfig(ctx, stored)
}

// Export writes the spreadsheet of a stored run and returns its path.
func (e Engine) Export(ctx context.Context, runID, actorID string) (string, error) {
	if e.Config == nil {
		return "", errors.New("config not loaded")
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status == domain.RunEmpty {
		return "", ErrNothingToExport
	}
	path, err := e.OutputPath(run)
	if err != nil {
		return "", err
	}
	if err := e.Sheet.Write(path, sheet.Input{Title: run.Title, Tasks: run.Tasks, Problems: run.Problems}); err != nil {
		return "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkExported(ctx, tx, run.ID, path); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, domain.EventReportExported, run.ID, "run", run.ID, firstNonEmpty(actorID, "local-user"), events.EventPayload{"path": path}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	e.Log.Info().Str("run", run.ID).Str("path", path).Msg("report exported")
	return path, nil
}

// OutputPath renders the configured file name for a run under the output dir.
func (e Engine) OutputPath(run domain.Run) (string, error) {
	since, err := time.Parse(domain.DateLayout, run.Since)
	if err != nil {
		return "", fmt.Errorf("run since: %w", err)
	}
	until, err := time.Parse(domain.DateLayout, run.Until)
	if err != nil {
		return "", fmt.Errorf("run until: %w", err)
	}
	name, err := RenderName(e.Config.Output.FileName, run.Owner, domain.Window{Since: since, Until: until})
	if err != nil {
		return "", err
	}
	return filepath.Join(e.Config.Output.Dir, filepath.Base(name)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
