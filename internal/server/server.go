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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statusflow/internal/app"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/engine/auth"
	"statusflow/internal/events"
	"statusflow/internal/lock"
	"statusflow/internal/registry"
	"statusflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	// Locker guards scheduler passes triggered over HTTP. Nil runs them
	// unguarded.
	Locker  lock.Locker
	LockTTL time.Duration
	Logger  *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"permission_denied"`
	Message string         `json:"message" example:"work item completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the statusflow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.logger()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		if status == http.StatusUnprocessableEntity {
			// schema violations are client errors, not denials
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Repo))
	router.Handle("/metrics", promhttp.HandlerFor(cfg.App.Metrics.Registry, promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("Statusflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{app: cfg.App, locker: cfg.Locker, lockTTL: cfg.LockTTL, logger: cfg.logger()}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerMe(group)
	h.registerRegistry(group)
	h.registerEntities(group)
	h.registerTransitions(group)
	h.registerScheduler(group)
	h.registerEvents(group)
	h.registerNotifications(group)
	h.registerRBAC(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// StartWebhooks runs the webhook dispatcher for the app's registry file
// until ctx is done.
func StartWebhooks(ctx context.Context, a *app.App, logger *slog.Logger) {
	startWebhookDispatcher(ctx, a.Repo, a.Config.Webhooks, logger)
}

type handlers struct {
	app     *app.App
	locker  lock.Locker
	lockTTL time.Duration
	logger  *slog.Logger
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{"sufficient": fe.Required.Strings()})
	}
	var ce *registry.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusInternalServerError, "configuration_error", err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownKind), errors.Is(err, domain.ErrUnknownCapability):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "aborted", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// denialError maps a denied transition to its HTTP status.
func denialError(d *engine.Denial) huma.StatusError {
	details := map[string]any{"code": string(d.Code)}
	if d.Detail != "" {
		details["detail"] = d.Detail
	}
	switch d.Code {
	case engine.DenyPermission:
		details["sufficient"] = d.Sufficient.Strings()
		return newAPIError(http.StatusForbidden, "permission_denied", d.Reason, details)
	case engine.DenyDwell:
		details["required_days"] = d.RequiredDays
		details["elapsed_days"] = d.ElapsedDays
	}
	return newAPIError(http.StatusUnprocessableEntity, "transition_denied", d.Reason, details)
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

// caller resolves the request actor and its capabilities: what the
// credential grants plus the actor's role grants.
func (h handlers) caller(ctx context.Context) (domain.Actor, domain.CapabilitySet, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Actor{}, 0, authErr
	}
	actor := domain.Actor{ID: p.ActorID}
	roleCaps, err := h.app.Capabilities(ctx, actor)
	if err != nil {
		return domain.Actor{}, 0, err
	}
	return actor, p.Capabilities.Union(roleCaps), nil
}

func (h handlers) requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, caps, err := h.caller(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	required := domain.NewCapabilitySet(domain.CapAdmin)
	if !caps.HasAny(required) {
		return domain.Actor{}, auth.ForbiddenError{Required: required}
	}
	return actor, nil
}

func parseKindParam(raw string) (domain.Kind, huma.StatusError) {
	kind, err := domain.ParseKind(raw)
	if err != nil {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"kind": raw})
	}
	return kind, nil
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Statusflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
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

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and its capabilities",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, caps, err := h.caller(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		roles, err := h.app.Auth.ActorRoles(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:      p.ActorID,
			Source:       p.Source,
			Roles:        nonNilSlice(roles),
			Capabilities: nonNilSlice(caps.Strings()),
		}}, nil
	})
}

func (h handlers) registerRegistry(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-registry",
		Method:      http.MethodGet,
		Path:        "/registry/{kind}",
		Summary:     "Statuses and rules of one kind",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
	}) (*struct {
		Body KindRegistryResponse `json:"body"`
	}, error) {
		kind, perr := parseKindParam(input.Kind)
		if perr != nil {
			return nil, perr
		}
		res, err := kindRegistryResponse(h.app.Registry, kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KindRegistryResponse `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerEntities(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "put-entity",
		Method:      http.MethodPut,
		Path:        "/entities/{kind}/{id}",
		Summary:     "Create or refresh an entity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Kind string        `path:"kind"`
		ID   string        `path:"id"`
		Body EntityRequest `json:"body"`
	}) (*struct {
		Status int
		Body   EntityResponse `json:"body"`
	}, error) {
		kind, perr := parseKindParam(input.Kind)
		if perr != nil {
			return nil, perr
		}
		priority, err := domain.ParsePriority(input.Body.Priority)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "priority"})
		}
		actor, err := h.requireAdmin(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if st := input.Body.Status; st != "" && !h.app.Registry.HasStatus(kind, domain.Status(st)) {
			return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed",
				fmt.Sprintf("unknown %s status %q", kind, st), map[string]any{"field": "status"})
		}
		saved, created, err := h.app.SaveEntity(ctx, input.Body.toEntity(kind, input.ID, priority), actor)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return &struct {
			Status int
			Body   EntityResponse `json:"body"`
		}{Status: status, Body: entityResponse(saved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		kind, perr := parseKindParam(input.Kind)
		if perr != nil {
			return nil, perr
		}
		e, err := h.app.Repo.GetEntity(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}",
		Summary:     "List entities of a kind",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind   string `path:"kind"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EntityResponse `json:"body"`
	}, error) {
		kind, perr := parseKindParam(input.Kind)
		if perr != nil {
			return nil, perr
		}
		f := repo.EntityFilters{Kind: &kind, Limit: normalizeLimit(input.Limit)}
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, domain.Status(s))
			}
		}
		items, err := h.app.Repo.ListEntities(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EntityResponse, 0, len(items))
		for _, e := range items {
			out = append(out, entityResponse(e))
		}
		return &struct {
			Body []EntityResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (h handlers) registerTransitions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "available-transitions",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{id}/transitions",
		Summary:     "Statuses the caller may move the entity to",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*struct {
		Body AvailableResponse `json:"body"`
	}, error) {
		kind, perr := parseKindParam(input.Kind)
		if perr != nil {
			return nil, perr
		}
		_, caps, err := h.caller(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		e, err := h.app.Repo.GetEntity(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		available, err := h.app.Engine.AvailableTransitions(kind, e, caps)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AvailableResponse `json:"body"`
		}{Body: AvailableResponse{
			Kind:      kind.String(),
			EntityID:  e.ID,
			Current:   string(e.Status),
			Available: statusStrings(available),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/entities/{kind}/{id}/transitions",
		Summary:     "Request a status transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Kind string            `path:"kind"`
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		kind, perr := parseKindParam(input.Kind)
		if perr != nil {
			return nil, perr
		}
		if strings.TrimSpace(input.Body.To) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", map[string]any{"field": "to"})
		}
		if !h.app.Registry.HasStatus(kind, domain.Status(input.Body.To)) {
			return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed", fmt.Sprintf("unknown %s status %q", kind, input.Body.To), map[string]any{"field": "to"})
		}
		actor, caps, err := h.caller(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		e, err := h.app.Repo.GetEntity(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.app.Engine.RequestTransition(ctx, kind, e, domain.Status(input.Body.To), actor, caps)
		if err != nil {
			return nil, handleError(err)
		}
		switch {
		case res.Denial != nil:
			return nil, denialError(res.Denial)
		case res.Conflict:
			return nil, newAPIError(http.StatusConflict, "conflict", domain.ErrConflict.Error(), map[string]any{"from": string(res.From)})
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "describe-status",
		Method:      http.MethodGet,
		Path:        "/entities/{kind}/{id}/status",
		Summary:     "Describe the entity's status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind"`
		ID   string `path:"id"`
	}) (*struct {
		Body StatusInfoResponse `json:"body"`
	}, error) {
		kind, perr := parseKindParam(input.Kind)
		if perr != nil {
			return nil, perr
		}
		_, caps, err := h.caller(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		e, err := h.app.Repo.GetEntity(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		info, err := h.app.Engine.DescribeStatus(kind, e, caps)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusInfoResponse `json:"body"`
		}{Body: statusInfoResponse(info)}, nil
	})
}

func (h handlers) registerScheduler(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "run-pass",
		Method:      http.MethodPost,
		Path:        "/scheduler/pass",
		Summary:     "Run one scheduled pass",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body PassRequest `json:"body"`
	}) (*struct {
		Body PassResponse `json:"body"`
	}, error) {
		if _, err := h.requireAdmin(ctx); err != nil {
			return nil, handleError(err)
		}
		kinds, err := domain.ParseKinds(input.Body.Kinds)
		if err != nil {
			return nil, handleError(err)
		}
		summary, skipped, err := h.app.RunPass(ctx, kinds, h.locker, h.lockTTL)
		if err != nil && !summary.Aborted {
			return nil, handleError(err)
		}
		out := passResponse(summary)
		out.Skipped = skipped
		return &struct {
			Body PassResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
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
		items, err := h.app.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
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

func (h handlers) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List queued notifications",
	}, func(ctx context.Context, input *struct {
		RecipientID string `query:"recipient_id"`
		Kind        string `query:"kind"`
		Pending     bool   `query:"pending"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		items, err := h.app.Repo.ListNotifications(ctx, repo.NotificationFilters{
			RecipientID: input.RecipientID,
			Kind:        input.Kind,
			Pending:     input.Pending,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]NotificationResponse, 0, len(items))
		for _, n := range items {
			out = append(out, notificationResponse(n))
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ack-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/{id}/delivered",
		Summary:       "Mark a notification delivered",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := h.app.Repo.MarkDelivered(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerRBAC(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/rbac/roles",
		Summary:     "List roles and their capabilities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RoleResponse `json:"body"`
	}, error) {
		roles, err := h.app.Repo.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RoleResponse, 0, len(roles))
		for _, r := range roles {
			out = append(out, roleResponse(r))
		}
		return &struct {
			Body []RoleResponse `json:"body"`
		}{Body: out}, nil
	})

	for _, op := range []struct {
		id, path, summary, evt string
		apply                  func(ctx context.Context, actorID, roleID string) error
	}{
		{"grant-role", "/rbac/grant", "Grant role", events.TypeRoleGranted, func(ctx context.Context, actorID, roleID string) error {
			return h.app.Repo.AssignRole(ctx, nil, actorID, roleID)
		}},
		{"revoke-role", "/rbac/revoke", "Revoke role", events.TypeRoleRevoked, func(ctx context.Context, actorID, roleID string) error {
			return h.app.Repo.RevokeRole(ctx, nil, actorID, roleID)
		}},
	} {
		huma.Register(api, huma.Operation{
			OperationID:   op.id,
			Method:        http.MethodPost,
			Path:          op.path,
			Summary:       op.summary,
			DefaultStatus: http.StatusNoContent,
			Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			if input.Body.ActorID == "" || input.Body.RoleID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
			}
			caller, err := h.requireAdmin(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			if err := op.apply(ctx, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			if err := h.app.Events.Append(ctx, nil, op.evt, "rbac", input.Body.ActorID, caller.ID, events.EventPayload{"role_id": input.Body.RoleID}); err != nil {
				h.logger.Warn("rbac event not recorded", "err", err)
			}
			return &struct{}{}, nil
		})
	}
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
