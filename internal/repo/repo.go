package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"workreport/internal/config"
	"workreport/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,owner,mode,title,since,until,commit_count,project_count,status,COALESCE(output_path,'') AS output_path,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.ID, &r.Owner, &r.Mode, &r.Title, &r.Since, &r.Until, &r.CommitCount, &r.ProjectCount, &r.Status, &r.OutputPath, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	return r, err
}

// InsertRun stores a run together with its task and problem rows.
func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,owner,mode,title,since,until,commit_count,project_count,status,output_path,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.Owner, run.Mode, run.Title, run.Since, run.Until, run.CommitCount, run.ProjectCount, run.Status, nullable(run.OutputPath), run.CreatedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, t := range run.Tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_tasks(run_id,seq,label,detail,start_date,end_date,owner,collaborators,progress,note) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			run.ID, t.Seq, t.Label, t.Detail, t.StartDate, t.EndDate, t.Owner, t.Collaborators, t.Progress, t.Note); err != nil {
			return fmt.Errorf("insert task row %d: %w", t.Seq, err)
		}
	}
	for _, p := range run.Problems {
		if _, err := tx.ExecContext(ctx, `INSERT INTO run_problems(run_id,seq,category,description,raised_date,resolution,resolved_date) VALUES (?,?,?,?,?,?,?)`,
			run.ID, p.Seq, p.Category, p.Description, p.RaisedDate, p.Resolution, p.ResolvedDate); err != nil {
			return fmt.Errorf("insert problem row %d: %w", p.Seq, err)
		}
	}
	return nil
}

// GetRun loads a run with its rows.
func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if err != nil {
		return run, err
	}
	if run.Tasks, err = r.listTaskRows(ctx, id); err != nil {
		return run, err
	}
	if run.Problems, err = r.listProblemRows(ctx, id); err != nil {
		return run, err
	}
	return run, nil
}

// RunFilters narrows ListRuns.
type RunFilters struct {
	Status string
	Limit  int
	// Cursor pages by created_at then id, newest first.
	CursorCreatedAt string
	CursorID        string
}

// ListRuns returns run headers without rows, newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, runColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// MarkExported records the written spreadsheet path.
func (r Repo) MarkExported(ctx context.Context, tx *sql.Tx, id, outputPath string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, output_path=? WHERE id=?`, domain.RunExported, outputPath, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listTaskRows(ctx context.Context, runID string) ([]domain.TaskRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,label,detail,start_date,end_date,owner,collaborators,progress,note FROM run_tasks WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskRow
	for rows.Next() {
		var t domain.TaskRow
		if err := rows.Scan(&t.Seq, &t.Label, &t.Detail, &t.StartDate, &t.EndDate, &t.Owner, &t.Collaborators, &t.Progress, &t.Note); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) listProblemRows(ctx context.Context, runID string) ([]domain.ProblemRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,category,description,raised_date,resolution,resolved_date FROM run_problems WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProblemRow
	for rows.Next() {
		var p domain.ProblemRow
		if err := rows.Scan(&p.Seq, &p.Category, &p.Description, &p.RaisedDate, &p.Resolution, &p.ResolvedDate); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// PutConfig stores the workspace configuration. The API key is never persisted.
func (r Repo) PutConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO settings(id,config_yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, string(payload), now)
	return err
}

// GetConfig returns the stored configuration or ErrNotFound.
func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM settings WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

// LatestEvents returns events newest first, optionally filtered. A positive
// before restricts the result to older events.
func (r Repo) LatestEvents(ctx context.Context, limit int, before int64, runID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, before)
	}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
