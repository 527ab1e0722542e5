// Package server exposes the orchestration engine over HTTP. Commands map
// onto the core's operations one to one; the stream endpoint carries the
// hub's snapshot-then-deltas contract over SSE.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/orchestrate"
	"caseline/internal/phase"
	"caseline/internal/schedule"
	"caseline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Core     *orchestrate.Core
	Store    store.Store
	Settings *config.Config
	Log      *zap.Logger
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"illegal transition initial -> analysis"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Caseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerInvestigations(group, cfg)
	registerTasks(group, cfg)
	registerAgents(group, cfg)
	registerApprovals(group, cfg)
	registerEvents(group, cfg)
	registerStream(router, basePath, cfg)

	startWebhookDispatcher(cfg)
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

// handleError maps engine failures onto the envelope. Every rejection
// carries the remedy the caller needs to retry correctly.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var illegal *orchestrate.IllegalTransitionError
	if errors.As(err, &illegal) {
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), map[string]any{
			"legal_destinations": legalStrings(illegal),
		})
	}
	var confirm *orchestrate.ConfirmationRequiredError
	if errors.As(err, &confirm) {
		return newAPIError(http.StatusUnprocessableEntity, "confirmation_required", err.Error(), map[string]any{
			"confirm": true,
		})
	}
	var pending *orchestrate.ApprovalPendingError
	if errors.As(err, &pending) {
		return newAPIError(http.StatusConflict, "approval_pending", err.Error(), map[string]any{
			"approval_id": pending.ApprovalID,
		})
	}
	var persist *orchestrate.PersistenceError
	if errors.As(err, &persist) {
		return newAPIError(http.StatusInternalServerError, "persistence_failure", err.Error(), nil)
	}
	switch {
	case errors.Is(err, orchestrate.ErrNoOpTransition):
		return newAPIError(http.StatusUnprocessableEntity, "no_op", err.Error(), nil)
	case errors.Is(err, orchestrate.ErrUnknownInvestigation),
		errors.Is(err, orchestrate.ErrUnknownAgent),
		errors.Is(err, orchestrate.ErrUnknownTask),
		errors.Is(err, orchestrate.ErrUnknownApproval),
		errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, orchestrate.ErrDuplicateAgent),
		errors.Is(err, orchestrate.ErrDuplicateID):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, orchestrate.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	case errors.Is(err, schedule.ErrNotCancellable):
		return newAPIError(http.StatusConflict, "not_cancellable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func legalStrings(e *orchestrate.IllegalTransitionError) []string {
	out := make([]string, len(e.Legal))
	for i, p := range e.Legal {
		out[i] = string(p)
	}
	return out
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

type InvestigationPath struct {
	InvestigationID string `path:"investigation_id"`
}

func registerInvestigations(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-investigation",
		Method:        http.MethodPost,
		Path:          "/investigations",
		Summary:       "Create an investigation",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateInvestigationRequest
	}) (*struct {
		Body domain.Investigation
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actor := input.Body.Actor
		if actor == "" {
			actor = "api"
		}
		inv, err := cfg.Core.CreateInvestigation(ctx, input.Body.Title, input.Body.Targets, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Investigation }{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-investigations",
		Method:      http.MethodGet,
		Path:        "/investigations",
		Summary:     "List investigations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body InvestigationListResponse
	}, error) {
		return &struct{ Body InvestigationListResponse }{
			Body: InvestigationListResponse{Investigations: cfg.Core.ListInvestigations()},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-investigation",
		Method:      http.MethodGet,
		Path:        "/investigations/{investigation_id}",
		Summary:     "Get one investigation",
	}, func(ctx context.Context, input *InvestigationPath) (*struct {
		Body domain.Investigation
	}, error) {
		inv, err := cfg.Core.GetInvestigation(input.InvestigationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Investigation }{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/investigations/{investigation_id}/snapshot",
		Summary:     "Full workflow state snapshot",
	}, func(ctx context.Context, input *InvestigationPath) (*struct {
		Body domain.Snapshot
	}, error) {
		snap, err := cfg.Core.Snapshot(input.InvestigationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Snapshot }{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-phase",
		Method:      http.MethodPost,
		Path:        "/investigations/{investigation_id}/transition",
		Summary:     "Request a phase transition",
	}, func(ctx context.Context, input *struct {
		InvestigationPath
		Body TransitionRequest
	}) (*struct {
		Body domain.Investigation
	}, error) {
		inv, err := cfg.Core.TransitionPhase(ctx, orchestrate.TransitionRequest{
			InvestigationID: input.InvestigationID,
			Target:          phase.Phase(input.Body.TargetPhase),
			Reason:          input.Body.Reason,
			RequestedBy:     input.Body.RequestedBy,
			Confirm:         input.Body.Confirm,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Investigation }{Body: inv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/investigations/{investigation_id}/transitions",
		Summary:     "Transition audit log, newest first",
	}, func(ctx context.Context, input *struct {
		InvestigationPath
		Limit int `query:"limit"`
	}) (*struct {
		Body TransitionListResponse
	}, error) {
		recs, err := cfg.Store.ListTransitions(ctx, input.InvestigationID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body TransitionListResponse }{Body: TransitionListResponse{Transitions: recs}}, nil
	})
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/investigations/{investigation_id}/tasks",
		Summary:       "Assign a task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		InvestigationPath
		Body AssignTaskRequest
	}) (*struct {
		Body domain.Task
	}, error) {
		t, err := cfg.Core.AssignTask(ctx, input.InvestigationID,
			domain.CapabilityClass(input.Body.Capability), input.Body.Description,
			domain.TaskPriority(input.Body.Priority))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Task }{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/investigations/{investigation_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		InvestigationPath
		Open bool `query:"open"`
	}) (*struct {
		Body TaskListResponse
	}, error) {
		if _, err := cfg.Core.GetInvestigation(input.InvestigationID); err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body TaskListResponse }{
			Body: TaskListResponse{Tasks: cfg.Core.Scheduler().List(input.InvestigationID, input.Open)},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-batch",
		Method:      http.MethodPost,
		Path:        "/investigations/{investigation_id}/batches",
		Summary:     "Fan out a task batch and await all members",
	}, func(ctx context.Context, input *struct {
		InvestigationPath
		Body BatchRequest
	}) (*struct {
		Body BatchResponse
	}, error) {
		if len(input.Body.Tasks) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "batch requires at least one task", nil)
		}
		specs := make([]orchestrate.TaskSpec, len(input.Body.Tasks))
		for i, t := range input.Body.Tasks {
			specs[i] = orchestrate.TaskSpec{
				Capability:  domain.CapabilityClass(t.Capability),
				Description: t.Description,
				Priority:    domain.TaskPriority(t.Priority),
			}
		}
		timeout := time.Duration(input.Body.TimeoutSeconds) * time.Second
		result, err := cfg.Core.RunBatch(ctx, input.InvestigationID, specs,
			schedule.BatchPolicy(input.Body.Policy), timeout)
		if err != nil && len(result.Succeeded) == 0 && len(result.Failed) == 0 {
			return nil, handleError(err)
		}
		return &struct{ Body BatchResponse }{Body: BatchResponse{
			Succeeded: result.Succeeded,
			Failed:    result.Failed,
			TimedOut:  result.TimedOut,
			OK:        err == nil,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get one task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task
	}, error) {
		t, err := cfg.Core.Scheduler().Get(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Task }{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/progress",
		Summary:     "Report task progress",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   ProgressRequest
	}) (*struct {
		Body domain.Task
	}, error) {
		t, err := cfg.Core.ReportTaskProgress(ctx, input.TaskID, input.Body.Percent)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Task }{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-result",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/result",
		Summary:     "Report task outcome",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   TaskResultRequest
	}) (*struct {
		Body domain.Task
	}, error) {
		t, err := cfg.Core.ReportTaskResult(ctx, input.TaskID, input.Body.Success,
			input.Body.ResultRef, input.Body.FailureReason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Task }{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task
	}, error) {
		t, err := cfg.Core.CancelTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Task }{Body: t}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register a worker agent",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest
	}) (*struct {
		Body domain.AgentAssignment
	}, error) {
		if strings.TrimSpace(input.Body.AgentID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		a, err := cfg.Core.RegisterAgent(ctx, domain.AgentAssignment{
			AgentID:    input.Body.AgentID,
			Name:       input.Body.Name,
			Capability: domain.CapabilityClass(input.Body.Capability),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.AgentAssignment }{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Capability string `query:"capability"`
	}) (*struct {
		Body AgentListResponse
	}, error) {
		return &struct{ Body AgentListResponse }{
			Body: AgentListResponse{Agents: cfg.Core.Registry().List(domain.CapabilityClass(input.Capability))},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent-status",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/status",
		Summary:     "Record externally observed agent status",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Body    UpdateAgentStatusRequest
	}) (*struct {
		Body domain.AgentAssignment
	}, error) {
		a, err := cfg.Core.UpdateAgentStatus(ctx, input.AgentID, domain.AgentStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.AgentAssignment }{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}",
		Summary:     "Detach an agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := cfg.Core.RemoveAgent(input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "removed"}}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-approval",
		Method:        http.MethodPost,
		Path:          "/investigations/{investigation_id}/approvals",
		Summary:       "Open an approval gate",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		InvestigationPath
		Body RequestApprovalRequest
	}) (*struct {
		Body domain.ApprovalRequest
	}, error) {
		timeout := time.Duration(input.Body.TimeoutSeconds) * time.Second
		req, err := cfg.Core.RequestApproval(ctx, input.InvestigationID, input.Body.Action, timeout)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.ApprovalRequest }{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/investigations/{investigation_id}/approvals",
		Summary:     "List approval requests",
	}, func(ctx context.Context, input *struct {
		InvestigationPath
		Open bool `query:"open"`
	}) (*struct {
		Body ApprovalListResponse
	}, error) {
		if _, err := cfg.Core.GetInvestigation(input.InvestigationID); err != nil {
			return nil, handleError(err)
		}
		var approvals []domain.ApprovalRequest
		if input.Open {
			approvals = cfg.Core.Gates().Open(input.InvestigationID)
		} else {
			approvals = cfg.Core.Gates().List(input.InvestigationID)
		}
		return &struct{ Body ApprovalListResponse }{Body: ApprovalListResponse{Approvals: approvals}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/resolve",
		Summary:     "Resolve an approval gate",
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
		Body       ResolveApprovalRequest
	}) (*struct {
		Body domain.ApprovalRequest
	}, error) {
		if strings.TrimSpace(input.Body.Resolver) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "resolver is required", nil)
		}
		req, err := cfg.Core.ResolveApproval(input.ApprovalID, input.Body.Approved, input.Body.Resolver)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.ApprovalRequest }{Body: req}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/investigations/{investigation_id}/events",
		Summary:     "Event log after a cursor, ascending",
	}, func(ctx context.Context, input *struct {
		InvestigationPath
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body EventListResponse
	}, error) {
		if _, err := cfg.Core.GetInvestigation(input.InvestigationID); err != nil {
			return nil, handleError(err)
		}
		events, err := cfg.Store.EventsAfter(ctx, input.Limit, input.After, input.InvestigationID)
		if err != nil {
			return nil, handleError(err)
		}
		cursor := input.After
		if len(events) > 0 {
			cursor = events[len(events)-1].ID
		}
		return &struct{ Body EventListResponse }{Body: EventListResponse{Events: events, Cursor: cursor}}, nil
	})
}

// registerStream serves the live observer feed as SSE: one snapshot event
// first, ordered deltas after.
func registerStream(router chi.Router, basePath string, cfg Config) {
	router.Get(basePath+"/investigations/{investigation_id}/stream", func(w http.ResponseWriter, r *http.Request) {
		investigationID := chi.URLParam(r, "investigation_id")
		sub, err := cfg.Core.Subscribe(investigationID)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
				"code": "not_found", "message": err.Error(),
			}})
			return
		}
		defer cfg.Core.Unsubscribe(sub)

		flusher, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		for {
			select {
			case event, open := <-sub.C:
				if !open {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					cfg.Log.Warn("stream encode failed", zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
