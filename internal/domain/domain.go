package domain

import "time"

// DateLayout is the calendar-date format used across the report.
const DateLayout = "2006-01-02"

// Classification modes.
const (
	ModeBatch     = "batch"
	ModePerCommit = "per-commit"
)

// Per-commit classification item types.
const (
	ItemTask    = "task"
	ItemProblem = "problem"
)

const (
	// NoneSentinel fills collaborators and related ids when there is nothing to report.
	NoneSentinel = "none"
	// ProgressDone is the only progress value this pipeline produces.
	ProgressDone = "100%"
	// Uncategorized labels fallback output.
	Uncategorized = "uncategorized"
)

// CommitRecord is one version-control commit inside the report window.
type CommitRecord struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
	Files   []string  `json:"files"`
	Project string    `json:"project"`
}

// DateString renders the commit date as YYYY-MM-DD.
func (c CommitRecord) DateString() string {
	return c.Date.Format(DateLayout)
}

// ProjectCommitGroup holds one project's commits in extraction order.
type ProjectCommitGroup struct {
	Project string
	Commits []CommitRecord
}

// TaskCandidate is an unvalidated grouping of commits proposed by the classifier.
type TaskCandidate struct {
	Module        string   `json:"module"`
	Category      string   `json:"category"`
	Description   string   `json:"description"`
	KeyChanges    []string `json:"key_changes,omitempty"`
	CommitIndices []int    `json:"commit_indices,omitempty"`
}

// ResolvedTask is a candidate with its reconstructed date range.
type ResolvedTask struct {
	TaskCandidate
	StartDate time.Time
	EndDate   time.Time
}

// ProjectTasks carries one project's resolved tasks into the assembler.
type ProjectTasks struct {
	Project string
	Tasks   []ResolvedTask
}

// ClassifiedCommit is the per-commit classification of a single commit.
type ClassifiedCommit struct {
	Type        string       `json:"type" enum:"task,problem"`
	Category    string       `json:"category"`
	Description string       `json:"description"`
	RelatedID   string       `json:"related_id"`
	Commit      CommitRecord `json:"commit"`
}

// TaskRow is a single line item of the task section.
type TaskRow struct {
	Seq           int    `json:"seq"`
	Label         string `json:"label"`
	Detail        string `json:"detail"`
	StartDate     string `json:"start_date" format:"date"`
	EndDate       string `json:"end_date" format:"date"`
	Owner         string `json:"owner"`
	Collaborators string `json:"collaborators"`
	Progress      string `json:"progress"`
	Note          string `json:"note"`
}

// ProblemRow is a single line item of the problem section.
type ProblemRow struct {
	Seq          int    `json:"seq"`
	Category     string `json:"category"`
	Description  string `json:"description"`
	RaisedDate   string `json:"raised_date" format:"date"`
	Resolution   string `json:"resolution"`
	ResolvedDate string `json:"resolved_date" format:"date"`
}

// Window is the inclusive calendar-date range of a report.
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Run is a persisted report generation.
type Run struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	Mode         string       `json:"mode" enum:"batch,per-commit"`
	Title        string       `json:"title"`
	Since        string       `json:"since" format:"date"`
	Until        string       `json:"until" format:"date"`
	CommitCount  int          `json:"commit_count"`
	ProjectCount int          `json:"project_count"`
	Status       string       `json:"status" enum:"empty,generated,exported"`
	OutputPath   string       `json:"output_path,omitempty"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
	Tasks        []TaskRow    `json:"tasks,omitempty"`
	Problems     []ProblemRow `json:"problems,omitempty"`
}

// Run statuses.
const (
	RunEmpty     = "empty"
	RunGenerated = "generated"
	RunExported  = "exported"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Event types written by the engine.
const (
	EventRunStarted       = "run.started"
	EventProjectSkipped   = "project.skipped"
	EventClassifyFallback = "classify.fallback"
	EventRunCompleted     = "run.completed"
	EventReportExported   = "report.exported"
	EventConfigUpdated    = "config.updated"
)

// APIKey authenticates API callers. Only the hash of the key is stored.
type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"-"`
	Scopes    []string `json:"scopes,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
