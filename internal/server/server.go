package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"habitline/internal/calendar"
	"habitline/internal/domain"
	"habitline/internal/engine"
	"habitline/internal/ledger"
	"habitline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the habitline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(middleware.Recoverer)
	router.Use(accessLog(cfg.Logger))
	hcfg := huma.DefaultConfig("Habitline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerSchedule(group, cfg.Engine)
	registerCompletions(group, cfg.Engine)
	registerAnalytics(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, calendar.ErrInvalidDate):
		return newAPIError(http.StatusBadRequest, "invalid_date", err.Error(), nil)
	case errors.Is(err, calendar.ErrInvalidRange):
		return newAPIError(http.StatusBadRequest, "invalid_range", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTask):
		return newAPIError(http.StatusBadRequest, "invalid_task", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Habitline API Docs</title>
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

type taskBody struct {
	Body TaskResponse `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", map[string]any{"field": "name"})
		}
		opts, err := input.Body.options()
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
		Tag      string `query:"tag"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{Category: input.Category, Tag: input.Tag, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{Items: mapTasks(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskBody, error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		opts, err := input.Body.options(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hold-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/hold",
		Summary:     "Suspend a task for a date range",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string      `path:"task_id"`
		Body   HoldRequest `json:"body" required:"false"`
	}) (*taskBody, error) {
		start, err := parseDate("start", input.Body.Start)
		if err != nil {
			return nil, handleError(err)
		}
		end, err := parseOptionalDate("end", input.Body.End)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.HoldTask(ctx, input.TaskID, start, end)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}/hold",
		Summary:     "Release a held task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*taskBody, error) {
		t, err := e.ReleaseTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t)}, nil
	})
}

func registerSchedule(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/resolve",
		Summary:     "Due state of a task on a date",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Date   string `query:"date" format:"date"`
	}) (*struct {
		Body ResolveResponse `json:"body"`
	}, error) {
		date, err := parseDate("date", input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Resolve(ctx, input.TaskID, date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolveResponse `json:"body"`
		}{Body: resolveResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agenda",
		Method:      http.MethodGet,
		Path:        "/agenda",
		Summary:     "All tasks with due state and completion for a date",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date string `query:"date" format:"date"`
	}) (*struct {
		Body AgendaResponse `json:"body"`
	}, error) {
		date, err := parseDate("date", input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		agenda, err := e.Agenda(ctx, date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgendaResponse `json:"body"`
		}{Body: agendaResponse(agenda)}, nil
	})
}

func registerCompletions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/completions",
		Summary:     "Record a completion and cascade to dependents",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   CompleteRequest `json:"body" required:"false"`
	}) (*struct {
		Body CascadeResponse `json:"body"`
	}, error) {
		date, err := parseDate("date", input.Body.Date)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Complete(ctx, input.TaskID, date, engine.CompleteOptions{
			DurationMinutes: input.Body.DurationMinutes,
			StartedAt:       input.Body.StartedAt,
		})
		// A broken cycle is reported in the body; the records were committed.
		if err != nil && !errors.Is(err, ledger.ErrCyclicDependency) {
			return nil, handleError(err)
		}
		return &struct {
			Body CascadeResponse `json:"body"`
		}{Body: cascadeResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "uncomplete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}/completions/{date}",
		Summary:     "Remove a completion",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Date   string `path:"date" format:"date"`
	}) (*struct {
		Body UncompleteResponse `json:"body"`
	}, error) {
		date, err := parseDate("date", input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		removed, err := e.Uncomplete(ctx, input.TaskID, date)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UncompleteResponse `json:"body"`
		}{Body: UncompleteResponse{Removed: removed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-completions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/completions",
		Summary:     "Completion history of a task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Start  string `query:"start" format:"date"`
		End    string `query:"end" format:"date"`
	}) (*struct {
		Body paginatedCompletions `json:"body"`
	}, error) {
		start, err := parseDate("start", input.Start)
		if err != nil {
			return nil, handleError(err)
		}
		end, err := parseDate("end", input.End)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.History(ctx, input.TaskID, start, end)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCompletions{Items: make([]CompletionResponse, 0, len(items))}
		for _, c := range items {
			resp.Items = append(resp.Items, completionResponse(c))
		}
		return &struct {
			Body paginatedCompletions `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAnalytics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "analytics",
		Method:      http.MethodGet,
		Path:        "/analytics",
		Summary:     "Completion rates, streaks and rollups",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Today      string `query:"today" format:"date"`
		WindowDays int    `query:"window_days" minimum:"0" maximum:"3660"`
	}) (*struct {
		Body AnalyticsResponse `json:"body"`
	}, error) {
		today, err := parseDate("today", input.Today)
		if err != nil {
			return nil, handleError(err)
		}
		snap, err := e.Analytics(ctx, today, input.WindowDays)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalyticsResponse `json:"body"`
		}{Body: analyticsResponse(snap)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: make([]EventResponse, 0, len(items))}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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
