package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	RBAC     auth.Service
	BasePath string
	Auth     AuthConfig
	// MetricsPath serves the prometheus registry when set.
	MetricsPath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"APPROVE_MILESTONE rejected in drafting: event not accepted in this state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"state\":\"drafting\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bountyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.RBAC.DB == nil {
		cfg.RBAC = auth.New(cfg.Engine.DB)
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.MetricsPath != "" {
		router.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerBounties(group, cfg)
	registerEvents(group, cfg)
	registerRBAC(group, cfg)
	registerMe(group, cfg)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Event != "" {
			details["event"] = ve.Event
		}
		if ve.State != "" {
			details["state"] = ve.State
		}
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), details)
	}
	var re *engine.ReconciliationError
	if errors.As(err, &re) {
		return newAPIError(http.StatusConflict, "reconciliation_hold", err.Error(), map[string]any{"bounty_id": re.BountyID})
	}
	var sfx *engine.SideEffectError
	if errors.As(err, &sfx) {
		details := map[string]any{"op": sfx.Op, "kind": string(sfx.Kind), "retryable": sfx.Retryable()}
		if sfx.Retryable() {
			return newAPIError(http.StatusServiceUnavailable, "rail_unavailable", err.Error(), details)
		}
		return newAPIError(http.StatusUnprocessableEntity, "side_effect_failed", err.Error(), details)
	}
	if errors.Is(err, engine.ErrReconciliationRequired) {
		return newAPIError(http.StatusConflict, "reconciliation_required", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStaleVersion) {
		return newAPIError(http.StatusConflict, "stale_version", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission accepts permissions carried in the token before consulting the
// stored role grants.
func requirePermission(ctx context.Context, s auth.Service, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return principal, nil
	}
	if err := s.Require(ctx, principal.ActorID, perm); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// registerOpenAPI serves the generated document with the error envelope and bearer
// security attached to every operation except health.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, req *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, path.Join("/", basePath, "health"))
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func decorateOpenAPI(oas *huma.OpenAPI, publicPath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	if oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}

	envelope := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = envelope
			if route == publicPath {
				op.Security = []map[string][]string{}
			} else {
				op.Security = bearer
			}
		}
	}
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

func registerBounties(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "create-bounty",
		Method:        http.MethodPost,
		Path:          "/bounties",
		Summary:       "Create bounty",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBountyRequest `json:"body"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, cfg.RBAC, auth.PermBountyManage)
		if err != nil {
			return nil, handleError(err)
		}
		funder := strings.TrimSpace(input.Body.FunderID)
		if funder == "" {
			funder = principal.ActorID
		}
		snap, err := e.CreateBounty(ctx, engine.CreateOptions{
			ID:            input.Body.ID,
			FunderID:      funder,
			Title:         input.Body.Title,
			Budget:        input.Body.Budget,
			Currency:      input.Body.Currency,
			PaymentMethod: domain.PaymentMethod(input.Body.PaymentMethod),
			Draft:         draftFromRequest(input.Body.Draft),
			ActorID:       principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bounties",
		Method:      http.MethodGet,
		Path:        "/bounties",
		Summary:     "List bounties",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		State    string `query:"state"`
		FunderID string `query:"funder_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedBounties `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		createdAt, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.List(ctx, repo.BountyFilters{
			State:           input.State,
			FunderID:        input.FunderID,
			Limit:           limit + 1,
			CursorCreatedAt: createdAt,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedBounties{Items: []repo.BountySummary{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedBounties `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bounty",
		Method:      http.MethodGet,
		Path:        "/bounties/{bounty_id}",
		Summary:     "Bounty snapshot",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BountyID string `path:"bounty_id"`
	}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		snap, err := e.Snapshot(ctx, input.BountyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-releases",
		Method:      http.MethodGet,
		Path:        "/bounties/{bounty_id}/releases",
		Summary:     "Escrow movements recorded for a bounty",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BountyID string `path:"bounty_id"`
	}) (*struct {
		Body []repo.Release `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetBounty(ctx, input.BountyID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListReleases(ctx, input.BountyID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []repo.Release{}
		}
		return &struct {
			Body []repo.Release `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "submit-event",
		Method:      http.MethodPost,
		Path:        "/bounties/{bounty_id}/events",
		Summary:     "Submit a lifecycle event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		BountyID string             `path:"bounty_id"`
		Body     SubmitEventRequest `json:"body"`
	}) (*struct {
		Body SubmitEventResponse `json:"body"`
	}, error) {
		evtType := domain.EventType(strings.TrimSpace(input.Body.Type))
		if evtType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		perm, ok := auth.PermissionFor(evtType)
		if !ok {
			if domain.SystemEvents[evtType] {
				return nil, handleError(auth.ForbiddenError{Permission: "system:" + string(evtType)})
			}
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown event type", map[string]any{"type": string(evtType)})
		}
		principal, err := requirePermission(ctx, cfg.RBAC, perm)
		if err != nil {
			return nil, handleError(err)
		}
		snap, err := e.Submit(ctx, input.BountyID, eventFromRequest(input.Body, principal.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitEventResponse `json:"body"`
		}{Body: submitResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/bounties/{bounty_id}/events",
		Summary:     "Notification history, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BountyID string `path:"bounty_id"`
		Type     string `query:"type"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			BountyID: input.BountyID,
			Type:     input.Type,
			Before:   before,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Notification{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, cfg Config) {
	for _, op := range []struct {
		id, path, summary string
		apply             func(context.Context, string, string) error
	}{
		{"grant-role", "/rbac/roles/grant", "Grant role", cfg.RBAC.Grant},
		{"revoke-role", "/rbac/roles/revoke", "Revoke role", cfg.RBAC.Revoke},
	} {
		apply := op.apply
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusForbidden,
			},
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			if _, err := requirePermission(ctx, cfg.RBAC, auth.PermRBACManage); err != nil {
				return nil, handleError(err)
			}
			if strings.TrimSpace(input.Body.ActorID) == "" || strings.TrimSpace(input.Body.RoleID) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role_id are required", nil)
			}
			if err := apply(ctx, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
}

func registerMe(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(roles) == 0 {
			stored, err := cfg.RBAC.ActorRoles(ctx, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			roles = stored
		}
		if len(perms) == 0 {
			stored, err := cfg.RBAC.ActorPermissions(ctx, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			perms = stored
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
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
