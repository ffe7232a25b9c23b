package server

import (
	"encoding/json"

	"workreport/internal/config"
	"workreport/internal/domain"
)

type HealthResponse struct {
	Status        string `json:"status" example:"ok" enum:"ok,outdated"`
	SchemaVersion int    `json:"schema_version"`
	SchemaLatest  int    `json:"schema_latest"`
}

type ConfigResponse struct {
	Config    *config.Config `json:"config"`
	APIKeySet bool           `json:"api_key_set"`
}

type GenerateRequest struct {
	Since    string   `json:"since,omitempty" format:"date" doc:"Window start, YYYY-MM-DD. Defaults to the current week."`
	Until    string   `json:"until,omitempty" format:"date"`
	Mode     string   `json:"mode,omitempty" enum:"batch,per-commit"`
	Owner    string   `json:"owner,omitempty"`
	Projects []string `json:"projects,omitempty" doc:"Repository paths. Defaults to the configured projects."`
	DryRun   bool     `json:"dry_run,omitempty" doc:"Preview without storing a run."`
}

type RunSummaryResponse struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Mode         string `json:"mode"`
	Title        string `json:"title"`
	Since        string `json:"since" format:"date"`
	Until        string `json:"until" format:"date"`
	CommitCount  int    `json:"commit_count"`
	ProjectCount int    `json:"project_count"`
	Status       string `json:"status" enum:"empty,generated,exported"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type paginatedRuns struct {
	Items      []RunSummaryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type ExportResponse struct {
	RunID       string `json:"run_id"`
	Path        string `json:"path"`
	DownloadURL string `json:"download_url"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Scopes  []string `json:"scopes,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func runSummary(r domain.Run) RunSummaryResponse {
	return RunSummaryResponse{
		ID:           r.ID,
		Owner:        r.Owner,
		Mode:         r.Mode,
		Title:        r.Title,
		Since:        r.Since,
		Until:        r.Until,
		CommitCount:  r.CommitCount,
		ProjectCount: r.ProjectCount,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RunID:      e.RunID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}
