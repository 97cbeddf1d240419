// Package server implements the JSON/HTTP API for flagport: flag and
// environment management, the SDK evaluation endpoints, and exposure
// analytics. Errors use a single envelope of the form
// {"error":{"code":...,"message":...}}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flagport/flagport/internal/core"
	"github.com/flagport/flagport/internal/middleware"
	"github.com/flagport/flagport/internal/repository"
	"github.com/flagport/flagport/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// Error envelope codes.
const (
	codeInvalidRequest = "invalid_request"
	codeNotFound       = "not_found"
	codeInternalError  = "internal_error"
)

type HTTPServer struct {
	service          Service
	maxJSONBodyBytes int64
	routerMiddleware []func(http.Handler) http.Handler
}

// HandlerOption configures optional HTTP handler parameters.
type HandlerOption func(*HTTPServer)

// WithMaxJSONBodyBytes caps the accepted JSON request body size.
func WithMaxJSONBodyBytes(n int64) HandlerOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithRouterMiddleware mounts middleware inside the router, after route
// matching, so the resolved chi route pattern is visible to it.
func WithRouterMiddleware(mw ...func(http.Handler) http.Handler) HandlerOption {
	return func(s *HTTPServer) {
		s.routerMiddleware = append(s.routerMiddleware, mw...)
	}
}

// NewHTTPHandler builds the /v1 API router. Authentication, rate limiting,
// logging, and metrics middleware are mounted by the caller so that /healthz
// and /metrics can stay outside the authenticated chain.
func NewHTTPHandler(svc Service, opts ...HandlerOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:          svc,
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	r := chi.NewRouter()
	r.Use(server.routerMiddleware...)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/flags", func(r chi.Router) {
			r.Get("/", server.handleListFlags)
			r.Post("/", server.handleCreateFlag)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", server.handleGetFlag)
				r.Put("/", server.handleUpdateFlag)
				r.Delete("/", server.handleDeleteFlag)
				r.Patch("/state", server.handleUpdateFlagState)
				r.Post("/rules", server.handleAddRule)
				r.Delete("/rules/{ruleID}", server.handleDeleteRule)
			})
		})

		r.Route("/environments", func(r chi.Router) {
			r.Get("/", server.handleListEnvironments)
			r.Post("/", server.handleCreateEnvironment)
			r.Delete("/{id}", server.handleDeleteEnvironment)
		})

		r.Route("/sdk", func(r chi.Router) {
			r.Get("/config", server.handleSDKConfig)
			r.Post("/evaluate", server.handleEvaluate)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Post("/exposure", server.handleRecordExposure)
			r.Get("/flags/{id}/stats", server.handleFlagStats)
		})
	})

	return r
}

// HealthHandler reports liveness. It is mounted outside the authenticated
// router.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

type listFlagsResponse struct {
	Flags  []repository.FeatureFlag `json:"flags"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := repository.FlagFilter{
		ProjectID:   strings.TrimSpace(query.Get("projectId")),
		Environment: strings.TrimSpace(query.Get("environment")),
		Limit:       20,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be between 1 and 100")
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "offset must be non-negative")
			return
		}
		filter.Offset = offset
	}

	flags, total, err := s.service.ListFlags(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if flags == nil {
		flags = []repository.FeatureFlag{}
	}

	writeJSON(w, http.StatusOK, listFlagsResponse{
		Flags:  flags,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

type createFlagRequest struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	State       map[string]bool `json:"state"`
	Tags        []string        `json:"tags"`
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var req createFlagRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFlag(r.Context(), repository.FeatureFlag{
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
		State:       req.State,
		Tags:        req.Tags,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := s.service.GetFlag(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	var update repository.FlagUpdate
	if err := s.decodeJSONBody(w, r, &update); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateFlag(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

type updateStateRequest struct {
	Environment string `json:"environment"`
	Enabled     *bool  `json:"enabled"`
}

type updateStateResponse struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	State     map[string]bool `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (s *HTTPServer) handleUpdateFlagState(w http.ResponseWriter, r *http.Request) {
	var req updateStateRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "enabled is required")
		return
	}

	updated, err := s.service.UpdateFlagState(r.Context(), chi.URLParam(r, "id"), req.Environment, *req.Enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updateStateResponse{
		ID:        updated.ID,
		Key:       updated.Key,
		State:     updated.State,
		UpdatedAt: updated.UpdatedAt,
	})
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteFlag(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type addRuleRequest struct {
	Type        string   `json:"type"`
	Attribute   string   `json:"attribute"`
	Operator    string   `json:"operator"`
	Values      []string `json:"values"`
	Environment string   `json:"environment"`
}

func (s *HTTPServer) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req addRuleRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.AddRule(r.Context(), chi.URLParam(r, "id"), core.Rule{
		Type:        core.RuleType(req.Type),
		Attribute:   req.Attribute,
		Operator:    core.Operator(req.Operator),
		Values:      req.Values,
		Environment: req.Environment,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteRule(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "ruleID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type listEnvironmentsResponse struct {
	Environments []repository.Environment `json:"environments"`
}

func (s *HTTPServer) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	environments, err := s.service.ListEnvironments(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if environments == nil {
		environments = []repository.Environment{}
	}

	writeJSON(w, http.StatusOK, listEnvironmentsResponse{Environments: environments})
}

type createEnvironmentRequest struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *HTTPServer) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req createEnvironmentRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateEnvironment(r.Context(), repository.Environment{
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteEnvironment(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSDKConfig(w http.ResponseWriter, r *http.Request) {
	configuration, err := s.service.Config(r.Context(), strings.TrimSpace(r.URL.Query().Get("environment")))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, configuration)
}

type evaluateRequest struct {
	Environment string `json:"environment"`
	User        struct {
		ID      string   `json:"id"`
		Email   string   `json:"email"`
		Country string   `json:"country"`
		Groups  []string `json:"groups"`
	} `json:"user"`
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	evaluation, err := s.service.Evaluate(r.Context(), req.Environment, core.User{
		ID:      req.User.ID,
		Email:   req.User.Email,
		Country: req.User.Country,
		Groups:  req.User.Groups,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluation)
}

type exposureRequest struct {
	FlagKey     string    `json:"flagKey"`
	Environment string    `json:"environment"`
	UserID      string    `json:"userId"`
	ClientID    string    `json:"clientId"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *HTTPServer) handleRecordExposure(w http.ResponseWriter, r *http.Request) {
	var req exposureRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	// The authenticated client id wins over whatever the body claims.
	clientID, ok := middleware.ClientIDFromContext(r.Context())
	if !ok {
		clientID = req.ClientID
	}
	err := s.service.RecordExposure(r.Context(), repository.Exposure{
		FlagKey:     req.FlagKey,
		Environment: req.Environment,
		UserID:      req.UserID,
		ClientID:    clientID,
		Timestamp:   req.Timestamp,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFlagStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	environment := strings.TrimSpace(query.Get("environment"))
	if environment == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "environment is required")
		return
	}
	period := strings.TrimSpace(query.Get("period"))
	if period == "" {
		period = "7d"
	}

	stats, err := s.service.FlagStats(r.Context(), chi.URLParam(r, "id"), environment, period)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, userErrorMessage(err))
	case errors.Is(err, repository.ErrInvalidEnvironment):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, userErrorMessage(err))
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, userErrorMessage(err))
	case errors.Is(err, repository.ErrDuplicateKey):
		writeError(w, http.StatusConflict, codeInvalidRequest, userErrorMessage(err))
	case errors.Is(err, repository.ErrEnvironmentInUse):
		writeError(w, http.StatusConflict, codeInvalidRequest, userErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, codeInvalidRequest, "request canceled")
	default:
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal server error")
	}
}

// userErrorMessage surfaces the wrapped error text for client errors. Internal
// errors never reach this; they are masked in writeServiceError.
func userErrorMessage(err error) string {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return "resource not found"
	case errors.Is(err, repository.ErrDuplicateKey):
		return "key already exists"
	case errors.Is(err, repository.ErrEnvironmentInUse):
		return "environment is still referenced by flags or rules"
	default:
		return err.Error()
	}
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, codeInvalidRequest, "request body too large")
		return
	}

	writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
