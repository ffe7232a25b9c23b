package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"workreport/internal/config"
	"workreport/internal/domain"
	"workreport/internal/engine"
	"workreport/internal/events"
	"workreport/internal/migrate"
	"workreport/internal/repo"
	"workreport/internal/sheet"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"template_missing"`
	Message string         `json:"message" example:"template not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// service holds the engine shared by handlers. PUT /config swaps it.
type service struct {
	mu  sync.RWMutex
	eng engine.Engine
	log zerolog.Logger
}

func (s *service) engine() engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eng
}

func (s *service) setConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eng = s.eng.WithConfig(cfg)
}

// New returns an HTTP handler exposing the work report API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine config required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	svc := &service{eng: cfg.Engine, log: cfg.Log}
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, svc))
	hcfg := huma.DefaultConfig("Work Report API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, svc)
	registerConfig(group, svc)
	registerReports(group, svc, basePath)
	registerDownload(router, svc, basePath)
	registerEvents(group, svc)
	if cfg.Auth.DevLogin && cfg.Auth.JWTSecret != "" {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath, cfg.Auth)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, engine.ErrNoProjects):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrNothingToExport):
		return newAPIError(http.StatusConflict, "nothing_to_export", msg, nil)
	case errors.Is(err, sheet.ErrTemplateMissing):
		return newAPIError(http.StatusUnprocessableEntity, "template_missing", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, authCfg AuthConfig) {
	var spec []byte
	var once sync.Once
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if authCfg.enabled() {
				applyAuthSecurity(oas, basePath, authCfg)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string, authCfg AuthConfig) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	var security []map[string][]string
	if authCfg.JWTSecret != "" {
		oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		}
		security = append(security, map[string][]string{"bearerAuth": {}})
	}
	if authCfg.APIKeys {
		oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-Api-Key",
		}
		security = append(security, map[string][]string{"apiKeyAuth": {}})
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Work Report API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, svc *service) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		latest, err := migrate.Latest()
		if err != nil {
			return nil, handleError(err)
		}
		resp := HealthResponse{Status: "ok", SchemaLatest: latest}
		if e := svc.engine(); e.DB != nil {
			v, err := migrate.CurrentVersion(ctx, e.DB)
			if err != nil {
				return nil, handleError(err)
			}
			resp.SchemaVersion = v
			if v < latest {
				resp.Status = "outdated"
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerConfig(api huma.API, svc *service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Show the active configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		cfg := svc.engine().Config
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: ConfigResponse{Config: cfg, APIKeySet: cfg.LLM.APIKey != ""}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Replace the configuration",
		Description: "Accepts the configuration as JSON or YAML. Omitted keys take their default values.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeConfigWrite); err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(string(input.RawBody))) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		// YAML is a superset of JSON, so one decoder serves both.
		cfg, err := config.FromYAML(input.RawBody)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
		}
		e := svc.engine()
		cfg.LLM.APIKey = e.Config.LLM.APIKey
		if err := e.Repo.PutConfig(ctx, cfg); err != nil {
			return nil, handleError(err)
		}
		principal, _ := principalFromRequest(ctx)
		if err := e.Events.AppendNow(ctx, domain.EventConfigUpdated, "", "config", "", principal.ActorID, events.EventPayload{
			"owner":    cfg.Owner,
			"projects": len(cfg.Projects),
			"mode":     cfg.Mode,
		}); err != nil {
			return nil, handleError(err)
		}
		svc.setConfig(cfg)
		svc.log.Info().Str("actor", principal.ActorID).Msg("config updated")
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: ConfigResponse{Config: cfg, APIKeySet: cfg.LLM.APIKey != ""}}, nil
	})
}

func registerReports(api huma.API, svc *service, basePath string) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Generate a report for a window",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest `json:"body"`
	}) (*struct {
		Body engine.Report `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeReportsWrite); err != nil {
			return nil, err
		}
		principal, _ := principalFromRequest(ctx)
		rep, err := svc.engine().Generate(ctx, engine.Request{
			Since:    input.Body.Since,
			Until:    input.Body.Until,
			Mode:     input.Body.Mode,
			Owner:    input.Body.Owner,
			Projects: input.Body.Projects,
			ActorID:  principal.ActorID,
			DryRun:   input.Body.DryRun,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List stored reports, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"empty,generated,exported"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRuns `json:"body"`
	}, error) {
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		runs, err := svc.engine().Repo.ListRuns(ctx, repo.RunFilters{
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: createdAt,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRuns{Items: []RunSummaryResponse{}}
		if len(runs) > limit {
			last := runs[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			runs = runs[:limit]
		}
		for _, r := range runs {
			resp.Items = append(resp.Items, runSummary(r))
		}
		return &struct {
			Body paginatedRuns `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get a stored report with its rows",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := svc.engine().Repo.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if run.Tasks == nil {
			run.Tasks = []domain.TaskRow{}
		}
		if run.Problems == nil {
			run.Problems = []domain.ProblemRow{}
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/excel",
		Summary:     "Write the report spreadsheet",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, ScopeReportsWrite); err != nil {
			return nil, err
		}
		principal, _ := principalFromRequest(ctx)
		out, err := svc.engine().Export(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{
			RunID:       input.ID,
			Path:        out,
			DownloadURL: path.Join(basePath, "reports", input.ID, "download"),
		}}, nil
	})
}

// registerDownload serves the exported workbook. It is a plain chi route
// because the body is a file, not JSON.
func registerDownload(r chi.Router, svc *service, basePath string) {
	r.Get(path.Join(basePath, "reports/{id}/download"), func(w http.ResponseWriter, req *http.Request) {
		run, err := svc.engine().Repo.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if run.OutputPath == "" {
			respondStatusError(w, newAPIError(http.StatusConflict, "not_exported", "report has not been exported", map[string]any{"run_id": run.ID}))
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(run.OutputPath)))
		http.ServeFile(w, req, run.OutputPath)
	})
}

func registerEvents(api huma.API, svc *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RunID  string `query:"run_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := svc.engine().Repo.LatestEvents(ctx, limit+1, cursorID, input.RunID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Scopes, authCfg.TokenTTL, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
