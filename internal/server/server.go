package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"taskgen/internal/domain"
	"taskgen/internal/engine"
	"taskgen/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"unknown task type"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the {"error":{...}} envelope returned on every failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the engine: the action endpoint plus
// typed REST operations documented in OpenAPI.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request validation failures are client errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return huma.NewError(status, msg, errs...)
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(requestLogger(logger))

	hcfg := huma.DefaultConfig("Taskgen API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerScans(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	router.HandleFunc(path.Join(basePath, "engine"), newDispatcher(cfg.Engine, logger).ServeHTTP)

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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidSignal), errors.Is(err, domain.ErrUnknownTaskType):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
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
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	// Built on first request, after every operation is registered.
	var (
		once sync.Once
		spec []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, "openapi: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
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
    <title>Taskgen API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
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

func registerScans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "trigger-scan",
		Method:      http.MethodPost,
		Path:        "/scans",
		Summary:     "Run a scan now",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		resp, err := triggerScan(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scans",
		Method:      http.MethodGet,
		Path:        "/scans",
		Summary:     "List run logs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"20" minimum:"0"`
		Before string `query:"before" doc:"Run id to page from"`
	}) (*struct {
		Body LogsResponse `json:"body"`
	}, error) {
		resp, err := recentLogs(ctx, e, input.Limit, input.Before)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks/pending",
		Summary:     "Pending tasks grouped by project",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Exclude []string `query:"exclude" doc:"Task types to leave out, comma separated"`
	}) (*struct {
		Body map[string]engine.ProjectTasks `json:"body"`
	}, error) {
		grouped, err := pendingTasks(ctx, e, input.Exclude)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]engine.ProjectTasks `json:"body"`
		}{Body: grouped}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/complete",
		Summary:     "Report a finished domain action",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CompleteTaskRequest
	}) (*struct {
		Body CompleteTaskResponse `json:"body"`
	}, error) {
		resp, err := completeTask(ctx, e, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompleteTaskResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// The handlers below are shared by the REST operations and the action endpoint.

func triggerScan(ctx context.Context, e engine.Engine) (ScanResponse, error) {
	summary, err := e.Run(ctx, domain.TriggerManual)
	if err != nil {
		return ScanResponse{}, newAPIError(http.StatusInternalServerError, "scan_failed", err.Error(), map[string]any{"run_id": summary.ID})
	}
	return ScanResponse{Success: summary.OverallStatus != domain.RunFailed, Summary: summary}, nil
}

func recentLogs(ctx context.Context, e engine.Engine, limit int, before string) (LogsResponse, error) {
	limit = normalizeLimit(limit)
	items, err := e.RecentLogs(ctx, limit+1, before)
	if err != nil {
		return LogsResponse{}, err
	}
	resp := LogsResponse{Items: items}
	if len(items) > limit {
		resp.Items = items[:limit]
		resp.NextCursor = items[limit-1].ID
	}
	if resp.Items == nil {
		resp.Items = []domain.RunLog{}
	}
	return resp, nil
}

func pendingTasks(ctx context.Context, e engine.Engine, exclude []string) (map[string]engine.ProjectTasks, error) {
	types, err := parseExclude(exclude)
	if err != nil {
		return nil, err
	}
	return e.PendingByProject(ctx, types)
}

func completeTask(ctx context.Context, e engine.Engine, req CompleteTaskRequest) (CompleteTaskResponse, error) {
	n, err := e.CompleteSignal(ctx, engine.Signal{
		Type:            req.Type,
		ProjectID:       req.ProjectID,
		CollaborationID: req.CollaborationID,
	})
	if err != nil {
		return CompleteTaskResponse{}, err
	}
	return CompleteTaskResponse{Success: true, Completed: n}, nil
}

// parseExclude accepts repeated values as well as comma separated lists.
func parseExclude(raw []string) ([]domain.TaskType, error) {
	var out []domain.TaskType
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := domain.ParseTaskType(part)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 20
	}
	if in > 200 {
		return 200
	}
	return in
}
