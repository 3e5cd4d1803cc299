package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"scrumbringer/internal/config"
	"scrumbringer/internal/domain"
	"scrumbringer/internal/engine"
	"scrumbringer/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Limiter, when set, wraps every API request. Injected so deployments
	// can bring their own rate limiting.
	Limiter func(http.Handler) http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"task not found or version conflict"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"version\":3}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Scrumbringer API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	if cfg.Limiter != nil {
		router.Use(cfg.Limiter)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Scrumbringer API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerWorkflows(group, cfg.Engine)
	registerTaskTypes(group, cfg.Engine)
	registerCards(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	if errors.Is(err, engine.ErrNotFoundOrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"op": te.Op, "status": string(te.Status)})
	}
	var re engine.InvalidReferenceError
	if errors.As(err, &re) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_reference", err.Error(), map[string]any{"field": re.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Scrumbringer API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.OrgID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "org_id is required", nil)
		}
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		now := time.Now().UTC().Format(time.RFC3339)
		p := domain.Project{
			OrgID:     input.Body.OrgID,
			Name:      input.Body.Name,
			CreatedAt: now,
		}
		if input.Body.Description != nil {
			p.Description = *input.Body.Description
		}
		id, err := e.Repo.InsertProject(ctx, p)
		if err != nil {
			if repo.IsForeignKeyViolation(err) {
				return nil, handleError(engine.InvalidReferenceError{Field: "org_id"})
			}
			return nil, handleError(err)
		}
		p.ID = id
		if err := e.Repo.UpsertProjectConfig(ctx, p.ID, config.Default()); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID int64 `query:"org_id"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		orgID := input.OrgID
		if orgID == 0 {
			if p, ok := principalFromContext(ctx); ok {
				orgID = p.OrgID
			}
		}
		items, err := e.Repo.ListProjects(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID int64             `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.TypeID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type_id is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			ProjectID: input.ProjectID,
			TypeID:    input.Body.TypeID,
			Title:     input.Body.Title,
			CardID:    input.Body.CardID,
			CreatedBy: userID,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID    int64  `path:"project_id"`
		Status       string `query:"status" enum:"available,claimed,ongoing,completed,"`
		TypeID       int64  `query:"type_id"`
		CapabilityID int64  `query:"capability_id"`
		AssignedTo   int64  `query:"assigned_to"`
		Q            string `query:"q"`
		Blocked      bool   `query:"blocked"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
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
		tasks, err := e.ListTasks(ctx, input.ProjectID, engine.ListFilters{
			Status:       domain.Status(input.Status),
			TypeID:       input.TypeID,
			CapabilityID: input.CapabilityID,
			AssignedTo:   input.AssignedTo,
			TextQuery:    input.Q,
			Blocked:      input.Blocked,
			Limit:        limit + 1,
			CursorID:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			tasks = tasks[:limit]
			resp.NextCursor = fmt.Sprintf("%d", tasks[limit-1].ID)
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
		ID        int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	registerTransition(api, e, "claim-task", "claim", "Claim task", e.ClaimTask)
	registerTransition(api, e, "start-task", "start", "Start working a claimed task", e.StartWork)
	registerTransition(api, e, "release-task", "release", "Release task", e.ReleaseTask)
	registerTransition(api, e, "complete-task", "complete", "Complete task", e.CompleteTask)

	huma.Register(api, huma.Operation{
		OperationID: "task-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/events",
		Summary:     "Task event history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
		ID        int64 `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		items, err := e.Repo.ListTaskEvents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

// registerTransition wires one POST lifecycle endpoint. All four transitions
// share the same request/response shape; only the engine call differs.
func registerTransition(
	api huma.API,
	e engine.Engine,
	operationID, action, summary string,
	call func(ctx context.Context, taskID, userID int64, version int) (domain.Task, error),
) {
	huma.Register(api, huma.Operation{
		OperationID: operationID,
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/" + action,
		Summary:     summary,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                 `path:"project_id"`
		ID        int64                 `path:"id"`
		Body      TaskTransitionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Version < 1 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "version is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err == nil && t.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		updated, err := call(ctx, input.ID, userID, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(updated)}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                 `path:"project_id"`
		Body      CreateWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		w := domain.Workflow{
			ProjectID: input.ProjectID,
			Name:      input.Body.Name,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		id, err := e.Repo.InsertWorkflow(ctx, w)
		if err != nil {
			if repo.IsForeignKeyViolation(err) {
				return nil, handleError(engine.InvalidReferenceError{Field: "project_id"})
			}
			return nil, handleError(err)
		}
		w.ID = id
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkflows(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkflowResponse, 0, len(items))
		for _, w := range items {
			res = append(res, workflowResponse(w))
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID int64             `path:"project_id"`
		Body      CreateRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if input.Body.WorkflowID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "workflow_id is required", nil)
		}
		if input.Body.TriggerEvent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "trigger_event is required", nil)
		}
		if !e.Config.AllowsTrigger(input.Body.TriggerEvent) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unsupported trigger_event", map[string]any{"trigger_event": input.Body.TriggerEvent})
		}
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		w, err := e.Repo.GetWorkflow(ctx, input.Body.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		if w.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "workflow not found in project", nil)
		}
		rl := domain.Rule{
			WorkflowID:   input.Body.WorkflowID,
			SourceTypeID: input.Body.SourceTypeID,
			TriggerEvent: input.Body.TriggerEvent,
			Active:       true,
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if input.Body.Active != nil {
			rl.Active = *input.Body.Active
		}
		id, err := e.Repo.InsertRule(ctx, rl)
		if err != nil {
			if repo.IsForeignKeyViolation(err) {
				return nil, handleError(engine.InvalidReferenceError{Field: "source_type_id"})
			}
			return nil, handleError(err)
		}
		rl.ID = id
		for _, tid := range input.Body.TemplateIDs {
			if err := e.Repo.AttachTemplate(ctx, rl.ID, tid); err != nil {
				if repo.IsForeignKeyViolation(err) {
					return nil, handleError(engine.InvalidReferenceError{Field: "template_ids"})
				}
				return nil, handleError(err)
			}
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflows/{workflow_id}/rules",
		Summary:     "List rules",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  int64 `path:"project_id"`
		WorkflowID int64 `path:"workflow_id"`
	}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		if w.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "workflow not found in project", nil)
		}
		items, err := e.Repo.ListRules(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RuleResponse, 0, len(items))
		for _, rl := range items {
			res = append(res, ruleResponse(rl))
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-active",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/rules/{id}/active",
		Summary:     "Activate or deactivate a rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                `path:"project_id"`
		ID        int64                `path:"id"`
		Body      SetRuleActiveRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.SetRuleActive(ctx, input.ID, input.Body.Active); err != nil {
			return nil, handleError(err)
		}
		rl, err := e.Repo.GetRule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rl)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/templates",
		Summary:       "Create rule template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                 `path:"project_id"`
		Body      CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		if input.Body.TitleTemplate == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title_template is required", nil)
		}
		if input.Body.TypeID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type_id is required", nil)
		}
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		tpl := domain.RuleTemplate{
			TitleTemplate: input.Body.TitleTemplate,
			TypeID:        input.Body.TypeID,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		id, err := e.Repo.InsertTemplate(ctx, tpl)
		if err != nil {
			if repo.IsForeignKeyViolation(err) {
				return nil, handleError(engine.InvalidReferenceError{Field: "type_id"})
			}
			return nil, handleError(err)
		}
		tpl.ID = id
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(tpl)}, nil
	})
}

func registerTaskTypes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task-type",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/task-types",
		Summary:       "Create task type",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		OrgID int64                 `path:"org_id"`
		Body  CreateTaskTypeRequest `json:"body"`
	}) (*struct {
		Body TaskTypeResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t := domain.TaskType{
			OrgID:     input.OrgID,
			Name:      input.Body.Name,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		id, err := e.Repo.InsertTaskType(ctx, t)
		if err != nil {
			if repo.IsForeignKeyViolation(err) {
				return nil, handleError(engine.InvalidReferenceError{Field: "org_id"})
			}
			return nil, handleError(err)
		}
		t.ID = id
		return &struct {
			Body TaskTypeResponse `json:"body"`
		}{Body: taskTypeResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-types",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/task-types",
		Summary:     "List task types",
	}, func(ctx context.Context, input *struct {
		OrgID int64 `path:"org_id"`
	}) (*struct {
		Body []TaskTypeResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTaskTypes(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TaskTypeResponse, 0, len(items))
		for _, t := range items {
			res = append(res, taskTypeResponse(t))
		}
		return &struct {
			Body []TaskTypeResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerCards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/cards",
		Summary:       "Create card",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID int64             `path:"project_id"`
		Body      CreateCardRequest `json:"body"`
	}) (*struct {
		Body CardResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c := domain.Card{
			ProjectID: input.ProjectID,
			Title:     input.Body.Title,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		id, err := e.Repo.InsertCard(ctx, c)
		if err != nil {
			if repo.IsForeignKeyViolation(err) {
				return nil, handleError(engine.InvalidReferenceError{Field: "project_id"})
			}
			return nil, handleError(err)
		}
		c.ID = id
		return &struct {
			Body CardResponse `json:"body"`
		}{Body: cardResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cards",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/cards",
		Summary:     "List cards",
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []CardResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCards(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CardResponse, 0, len(items))
		for _, c := range items {
			res = append(res, cardResponse(c))
		}
		return &struct {
			Body []CardResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
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
		items, err := e.Repo.EventsAfter(ctx, limit+1, cursorID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
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

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-work-sessions",
		Method:      http.MethodGet,
		Path:        "/me/sessions",
		Summary:     "Current user's work sessions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkSessionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Sessions.ListForUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkSessionResponse, 0, len(items))
		for _, s := range items {
			res = append(res, sessionResponse(s))
		}
		return &struct {
			Body []WorkSessionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// The raw key is returned exactly once; only its hash is stored.
		raw := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			UserID:    userID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Name: key.Name, Key: raw, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/me/api-keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.UserID == 0 {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		username := principal.Username
		if username == "" {
			if u, err := e.Repo.GetUser(ctx, principal.UserID); err == nil {
				username = u.Username
			}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			UserID:   principal.UserID,
			Username: username,
			Source:   principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		username := strings.TrimSpace(input.Body.Username)
		if username == "" || input.Body.OrgID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username and org_id are required", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		userID, err := e.Repo.EnsureUser(ctx, input.Body.OrgID, username, now)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID, input.Body.OrgID, username)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
