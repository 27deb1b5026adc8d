package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"deliverline/internal/domain"
	"deliverline/internal/engine"
	"deliverline/internal/engine/auth"
	"deliverline/internal/logger"
	"deliverline/internal/metrics"
	"deliverline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
	Metrics   metrics.Recorder
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"permission denied: deliverable.create in department \"Design\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"action\":\"deliverable.create\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the deliverline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Nop{}
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
	router.Use(newRecoveryMiddleware(log))
	router.Use(newObserveMiddleware(log, rec))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	router.Use(newRateLimiter(cfg.RateLimit).middleware(log))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	hcfg := huma.DefaultConfig("Deliverline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerDeliverables(group, cfg.Engine)
	registerScan(group, cfg.Engine)
	registerOverview(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		details := map[string]any{"action": fe.Action}
		if fe.Department != "" {
			details["department"] = string(fe.Department)
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", ve.Message, map[string]any{"field": ve.Field})
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidCredentials):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	case errors.Is(err, engine.ErrInactiveUser):
		return newAPIError(http.StatusUnauthorized, "inactive_user", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownActor):
		return newAPIError(http.StatusUnauthorized, "unknown_actor", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Deliverline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; from /auth/login, or X-Api-Key.
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	issue := func(u domain.User) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		token, expires, err := mintToken(authCfg.JWTSecret, u.ID, time.Now(), authCfg.ttl())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token, ExpiresAt: expires, User: u}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange email and password for a JWT",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Email) == "" || input.Body.Password == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email and password are required", nil)
		}
		u, err := e.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return issue(u)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Create a regular account and sign in",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, err := e.Register(ctx, engine.RegisterOptions{
			Email:      input.Body.Email,
			Password:   input.Body.Password,
			Name:       input.Body.Name,
			Phone:      input.Body.Phone,
			Department: domain.Department(input.Body.Department),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return issue(u)
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user and permissions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Identity `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		who.Permissions.AccessibleDepartments = nonNilSlice(who.Permissions.AccessibleDepartments)
		return &struct {
			Body engine.Identity `json:"body"`
		}{Body: who}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "departments",
		Method:      http.MethodGet,
		Path:        "/departments",
		Summary:     "Department catalog as seen by the current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Departments `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deps, err := e.Departments(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		deps.All = nonNilSlice(deps.All)
		deps.Technical = nonNilSlice(deps.Technical)
		deps.Accessible = nonNilSlice(deps.Accessible)
		deps.Creatable = nonNilSlice(deps.Creatable)
		return &struct {
			Body engine.Departments `json:"body"`
		}{Body: deps}, nil
	})
}

func registerDeliverables(api huma.API, e engine.Engine) {
	type deliverableBody struct {
		Body DeliverableResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-deliverable",
		Method:        http.MethodPost,
		Path:          "/deliverables",
		Summary:       "Create deliverable",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDeliverableRequest `json:"body"`
	}) (*deliverableBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDeliverable(ctx, engine.DeliverableCreateOptions{
			ActorID:     actorID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Department:  domain.Department(input.Body.Department),
			Deadline:    input.Body.Deadline,
			Priority:    input.Body.Priority,
			Tags:        input.Body.Tags,
			ScanURL:     input.Body.ScanURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableBody{Body: deliverableResponse(d, clock(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/deliverables",
		Summary:     "List visible deliverables, earliest deadline first unless sort says otherwise",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Department string `query:"department"`
		Status     string `query:"status"`
		Priority   string `query:"priority"`
		CreatedBy  string `query:"created_by"`
		Tag        string `query:"tag"`
		Query      string `query:"q" doc:"Case-insensitive search over name, description, department and tags"`
		Sort       string `query:"sort" doc:"deadline, priority, status or department"`
		Attention  bool   `query:"attention"`
		Overdue    bool   `query:"overdue"`
	}) (*struct {
		Body paginatedDeliverables `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListDeliverables(ctx, actorID, engine.ListFilter{
			Department: domain.Department(input.Department),
			Status:     input.Status,
			Priority:   input.Priority,
			CreatedBy:  input.CreatedBy,
			Tag:        input.Tag,
			Query:      input.Query,
			Sort:       input.Sort,
			Attention:  input.Attention,
			Overdue:    input.Overdue,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedDeliverables `json:"body"`
		}{Body: paginatedDeliverables{Items: mapDeliverables(items, clock(e)), Count: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deliverable",
		Method:      http.MethodGet,
		Path:        "/deliverables/{id}",
		Summary:     "Get deliverable",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*deliverableBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDeliverable(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableBody{Body: deliverableResponse(d, clock(e))}, nil
	})

	update := func(ctx context.Context, opts engine.DeliverableUpdateOptions) (*deliverableBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts.ActorID = actorID
		d, err := e.UpdateDeliverable(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableBody{Body: deliverableResponse(d, clock(e))}, nil
	}
	updateErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "update-deliverable",
		Method:      http.MethodPatch,
		Path:        "/deliverables/{id}",
		Summary:     "Change status, priority, deadline or tags",
		Errors:      updateErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body UpdateDeliverableRequest `json:"body"`
	}) (*deliverableBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		return update(ctx, engine.DeliverableUpdateOptions{
			ID:       input.ID,
			Status:   input.Body.Status,
			Priority: input.Body.Priority,
			Deadline: input.Body.Deadline,
			AddTags:  input.Body.AddTags,
		})
	})

	for _, tr := range []struct {
		op, path, summary string
		status            domain.Status
	}{
		{"start-deliverable", "/deliverables/{id}/start", "Mark deliverable in progress", domain.StatusInProgress},
		{"complete-deliverable", "/deliverables/{id}/done", "Mark deliverable done", domain.StatusDone},
	} {
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        tr.path,
			Summary:     tr.summary,
			Errors:      updateErrors,
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*deliverableBody, error) {
			return update(ctx, engine.DeliverableUpdateOptions{ID: input.ID, Status: string(tr.status)})
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "delete-deliverable",
		Method:      http.MethodDelete,
		Path:        "/deliverables/{id}",
		Summary:     "Delete deliverable",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Policy string `query:"policy" doc:"role or unconditional; defaults to the configured policy"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		policy, err := engine.ParseDeletePolicy(input.Policy)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteDeliverable(ctx, actorID, input.ID, policy); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerScan(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "scan",
		Method:      http.MethodPost,
		Path:        "/scan",
		Summary:     "Create a deliverable from scanned document text",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ScanRequest `json:"body"`
	}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.IngestScan(ctx, engine.ScanInput{
			ActorID:    actorID,
			Text:       input.Body.Text,
			Department: domain.Department(input.Body.Department),
			ScanURL:    input.Body.ScanURL,
			DryRun:     input.Body.DryRun,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: scanResponse(res, clock(e))}, nil
	})
}

func registerOverview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "attention",
		Method:      http.MethodGet,
		Path:        "/attention",
		Summary:     "Visible deliverables that are overdue, due soon or urgent",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedDeliverables `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Attention(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedDeliverables `json:"body"`
		}{Body: paginatedDeliverables{Items: mapDeliverables(items, clock(e)), Count: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Counts over the visible deliverables",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.Stats(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if stats.ByDepartment == nil {
			stats.ByDepartment = map[domain.Department]int{}
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-overdue",
		Method:      http.MethodPost,
		Path:        "/overdue/refresh",
		Summary:     "Recompute stored overdue counters",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.RefreshResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if !who.Permissions.CanSeeAllDepartments {
			return nil, handleError(auth.ForbiddenError{Action: "overdue.refresh"})
		}
		res, err := e.RefreshOverdue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RefreshResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	type userBody struct {
		Body domain.User `json:"body"`
	}
	userErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users visible to the current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		users, err := e.ListUsers(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        userErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*userBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.SaveUser(ctx, engine.UserCreateOptions{
			ID:         input.Body.ID,
			ActorID:    actorID,
			Email:      input.Body.Email,
			Password:   input.Body.Password,
			Name:       input.Body.Name,
			Phone:      input.Body.Phone,
			Department: domain.Department(input.Body.Department),
			Role:       input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &userBody{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*userBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &userBody{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{id}",
		Summary:     "Update profile, department, role or activation",
		Errors:      userErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUserRequest `json:"body"`
	}) (*userBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.UserUpdateOptions{
			ID:          input.ID,
			ActorID:     actorID,
			Name:        input.Body.Name,
			Phone:       input.Body.Phone,
			Preferences: input.Body.Preferences,
			Role:        input.Body.Role,
			Active:      input.Body.Active,
		}
		if input.Body.Department != nil {
			dept := domain.Department(*input.Body.Department)
			opts.Department = &dept
		}
		u, err := e.UpdateUser(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &userBody{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-user",
		Method:      http.MethodPost,
		Path:        "/users/{id}/promote",
		Summary:     "Promote to department head or technical direction",
		Errors:      userErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body PromoteRequest `json:"body"`
	}) (*userBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Promote(ctx, actorID, input.ID, engine.Promotion(input.Body.To))
		if err != nil {
			return nil, handleError(err)
		}
		return &userBody{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-password",
		Method:      http.MethodPut,
		Path:        "/users/{id}/password",
		Summary:     "Set a user's password",
		Errors:      userErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body PasswordRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetPassword(ctx, actorID, input.ID, input.Body.Password); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys of a user",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id" doc:"defaults to the current user"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, actorID, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Mint an API key; the raw key is only returned here",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, key, err := e.CreateAPIKey(ctx, actorID, input.Body.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{APIKey: key, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Revoke API key",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, actorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"deliverable,user,snapshot"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, actorID, store.EventFilter{
			Limit:      limit + 1,
			Before:     cursorID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
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

func clock(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
