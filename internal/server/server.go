package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: active -> declined"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Questline API.
func New(cfg Config) (http.Handler, error) {
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Questline API", "0.1.0")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerUsers(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerPoints(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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

// handleError maps the engine taxonomy onto HTTP statuses: missing
// records 404, lost write races 409, rejected transitions 422.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidTransition) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "cannot change"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		return "invalid_transition"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := requireGuardian(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.Username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is required", nil)
		}
		role := input.Body.Role
		if role == "" {
			role = "member"
		}
		u := domain.User{
			Username:    input.Body.Username,
			DisplayName: input.Body.DisplayName,
			Role:        role,
			Timezone:    input.Body.Timezone,
		}
		if err := e.Repo.InsertUser(ctx, u); err != nil {
			return nil, handleError(err)
		}
		created, err := e.Repo.GetUser(ctx, u.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "import-catalog",
		Method:      http.MethodPost,
		Path:        "/catalog/import",
		Summary:     "Import template catalog",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ImportCatalogRequest `json:"body"`
	}) (*struct {
		Body engine.ImportResult `json:"body"`
	}, error) {
		p, authErr := requireGuardian(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.YAML) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "yaml is required", nil)
		}
		cat, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := e.ImportCatalog(ctx, cat, p.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImportResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "Get stored templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CatalogResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		var resp CatalogResponse
		var err error
		if resp.Tasks, err = e.Repo.ListTemplates(ctx, domain.KindTask); err != nil {
			return nil, handleError(err)
		}
		if resp.Quests, err = e.Repo.ListTemplates(ctx, domain.KindQuest); err != nil {
			return nil, handleError(err)
		}
		if resp.Missions, err = e.Repo.ListTemplates(ctx, domain.KindMission); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CatalogResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Assign a template to a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		p, authErr := requireGuardian(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Assign(ctx, engine.AssignOptions{
			ID:         input.Body.ID,
			UserID:     input.Body.UserID,
			Kind:       input.Body.Kind,
			TemplateID: input.Body.TemplateID,
			AssignedBy: p.Username,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/users/{username}/assignments",
		Summary:     "List a user's assignments",
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
		Status   string `query:"status"`
		Type     string `query:"type"`
	}) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrGuardian(ctx, input.Username); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAssignments(ctx, repo.AssignmentFilters{
			UserID: input.Username,
			Status: input.Status,
			Type:   input.Type,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Assignment{}
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/users/{username}/assignments/{id}",
		Summary:     "Get one assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
		ID       string `path:"id"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrGuardian(ctx, input.Username); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAssignment(ctx, input.Username, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	type assignmentAction struct {
		Username string `path:"username"`
		ID       string `path:"id"`
	}
	registerLifecycleVerb := func(verb, summary string, guardianOnly bool, run func(ctx context.Context, p Principal, in *assignmentAction) (domain.Assignment, error)) {
		huma.Register(api, huma.Operation{
			OperationID: verb + "-assignment",
			Method:      http.MethodPost,
			Path:        "/users/{username}/assignments/{id}/" + verb,
			Summary:     summary,
			Errors: []int{
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *assignmentAction) (*struct {
			Body domain.Assignment `json:"body"`
		}, error) {
			var p Principal
			var authErr huma.StatusError
			if guardianOnly {
				p, authErr = requireGuardian(ctx)
			} else {
				p, authErr = requireSelfOrGuardian(ctx, input.Username)
			}
			if authErr != nil {
				return nil, authErr
			}
			a, err := run(ctx, p, input)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Assignment `json:"body"`
			}{Body: a}, nil
		})
	}

	registerLifecycleVerb("accept", "Accept an assignment", false, func(ctx context.Context, _ Principal, in *assignmentAction) (domain.Assignment, error) {
		return e.Accept(ctx, in.Username, in.ID)
	})
	registerLifecycleVerb("decline", "Decline an assignment", false, func(ctx context.Context, _ Principal, in *assignmentAction) (domain.Assignment, error) {
		return e.Decline(ctx, in.Username, in.ID)
	})
	registerLifecycleVerb("submit", "Submit a task for approval", false, func(ctx context.Context, _ Principal, in *assignmentAction) (domain.Assignment, error) {
		return e.Submit(ctx, in.Username, in.ID)
	})
	registerLifecycleVerb("approve", "Approve a submitted task", true, func(ctx context.Context, p Principal, in *assignmentAction) (domain.Assignment, error) {
		return e.Approve(ctx, in.Username, in.ID, p.Username)
	})
	registerLifecycleVerb("reject", "Reject a submitted task", true, func(ctx context.Context, p Principal, in *assignmentAction) (domain.Assignment, error) {
		return e.Reject(ctx, in.Username, in.ID, p.Username)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-leaf",
		Method:      http.MethodPost,
		Path:        "/users/{username}/assignments/{id}/complete",
		Summary:     "Complete a leaf task and cascade",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Username string              `path:"username"`
		ID       string              `path:"id"`
		Body     CompleteLeafRequest `json:"body"`
	}) (*struct {
		Body engine.CascadeResult `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrGuardian(ctx, input.Username); authErr != nil {
			return nil, authErr
		}
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		res, err := e.CompleteLeaf(ctx, input.Username, input.ID, engine.LeafPath{
			QuestID: input.Body.QuestID,
			TaskID:  input.Body.TaskID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CascadeResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-locks",
		Method:      http.MethodPost,
		Path:        "/users/{username}/assignments/{id}/refresh-locks",
		Summary:     "Re-run unlock propagation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
		ID       string `path:"id"`
	}) (*struct {
		Body UnlockResponse `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrGuardian(ctx, input.Username); authErr != nil {
			return nil, authErr
		}
		unlocked, err := e.RefreshLocks(ctx, input.Username, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if unlocked == nil {
			unlocked = []string{}
		}
		return &struct {
			Body UnlockResponse `json:"body"`
		}{Body: UnlockResponse{Unlocked: unlocked}}, nil
	})
}

func registerPoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-points",
		Method:      http.MethodGet,
		Path:        "/users/{username}/points",
		Summary:     "Get a user's point total",
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
	}) (*struct {
		Body PointsResponse `json:"body"`
	}, error) {
		if _, authErr := requireSelfOrGuardian(ctx, input.Username); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetUser(ctx, input.Username); err != nil {
			return nil, handleError(err)
		}
		total, err := e.Repo.GetPoints(ctx, input.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PointsResponse `json:"body"`
		}{Body: PointsResponse{UserID: input.Username, Total: total}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
	}, func(ctx context.Context, input *struct {
		User  string `query:"user"`
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.User, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
