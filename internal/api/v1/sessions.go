// Package v1 exposes the session operation surface over HTTP. Handlers are
// thin: decode, delegate to the session service, map sentinel errors to
// status codes.
package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/crewline/crewline/internal/domain"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/transport"
	"github.com/crewline/crewline/internal/worktree"
)

type CreateSessionInput struct {
	Body struct {
		AgentType  string         `json:"agent_type" minLength:"1" doc:"Configured agent profile name"`
		Prompt     string         `json:"prompt,omitempty" doc:"Initial prompt, queued until the agent is ready"`
		RepoPath   string         `json:"repo_path" minLength:"1" doc:"Path to the base git repository"`
		BaseBranch string         `json:"base_branch,omitempty" doc:"Branch to base the worktree on (default HEAD)"`
		PlanMode   bool           `json:"plan_mode,omitempty" doc:"Start the agent in plan mode"`
		Metadata   map[string]any `json:"metadata,omitempty" doc:"Opaque caller metadata"`
		Start      bool           `json:"start,omitempty" doc:"Attach the agent process immediately"`
	}
}

type SessionOutput struct {
	Body *domain.Session
}

type ListSessionsInput struct {
	IncludeArchived bool `query:"include_archived" doc:"Include archived sessions"`
}

type ListSessionsOutput struct {
	Body []*domain.Session
}

type SessionIDInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type PromptInput struct {
	ID   uuid.UUID `path:"id" doc:"Session ID"`
	Body struct {
		Text string `json:"text" minLength:"1" doc:"Prompt text"`
	}
}

type ResolveRequestInput struct {
	ID        uuid.UUID `path:"id" doc:"Session ID"`
	RequestID string    `path:"requestID" doc:"Pending request ID"`
	Body      struct {
		Decision string `json:"decision" minLength:"1" doc:"Decision relayed to the agent"`
	}
}

type StopSessionInput struct {
	ID   uuid.UUID `path:"id" doc:"Session ID"`
	Body struct {
		Force bool `json:"force,omitempty" doc:"Kill immediately instead of letting the agent finish"`
	}
}

type HistoryOutput struct {
	Body []domain.HistoryEntry
}

type PendingRequestsOutput struct {
	Body []*domain.PendingRequest
}

type UpdateMetadataInput struct {
	ID   uuid.UUID `path:"id" doc:"Session ID"`
	Body struct {
		Metadata map[string]any `json:"metadata" doc:"Replacement metadata blob"`
	}
}

type SetPlanModeInput struct {
	ID   uuid.UUID `path:"id" doc:"Session ID"`
	Body struct {
		PlanMode bool `json:"plan_mode" doc:"Plan mode hint for the next handshake"`
	}
}

type PlanDriftOutput struct {
	Body []session.PlanDrift
}

func RegisterSessionRoutes(api huma.API, svc SessionService) {
	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Create a session with an isolated worktree",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *CreateSessionInput) (*SessionOutput, error) {
		sess, err := svc.Create(ctx, session.CreateParams{
			AgentType:  input.Body.AgentType,
			Prompt:     input.Body.Prompt,
			RepoPath:   input.Body.RepoPath,
			BaseBranch: input.Body.BaseBranch,
			PlanMode:   input.Body.PlanMode,
			Metadata:   input.Body.Metadata,
		})
		if err != nil {
			return nil, mapSessionError(err)
		}

		if input.Body.Start {
			if err := svc.Start(ctx, sess.ID); err != nil {
				return nil, mapSessionError(err)
			}
			if sess, err = svc.Get(ctx, sess.ID); err != nil {
				return nil, mapSessionError(err)
			}
		}
		return &SessionOutput{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ListSessionsInput) (*ListSessionsOutput, error) {
		list, err := svc.List(ctx, input.IncludeArchived)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &ListSessionsOutput{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get one session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*SessionOutput, error) {
		sess, err := svc.Get(ctx, input.ID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &SessionOutput{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/start",
		Summary:     "Attach the agent process to a created session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*SessionOutput, error) {
		if err := svc.Start(ctx, input.ID); err != nil {
			return nil, mapSessionError(err)
		}
		sess, err := svc.Get(ctx, input.ID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &SessionOutput{Body: sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enqueue-prompt",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/prompts",
		Summary:     "Submit a prompt, queued while the agent is busy",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *PromptInput) (*struct{}, error) {
		if err := svc.EnqueuePrompt(ctx, input.ID, input.Body.Text); err != nil {
			return nil, mapSessionError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-requests",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/requests",
		Summary:     "List open interactive requests",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*PendingRequestsOutput, error) {
		list, err := svc.PendingRequests(ctx, input.ID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &PendingRequestsOutput{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-pending-request",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/requests/{requestID}",
		Summary:     "Answer a pending permission or input request",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ResolveRequestInput) (*struct{}, error) {
		if err := svc.Resolve(ctx, input.ID, input.RequestID, input.Body.Decision); err != nil {
			return nil, mapSessionError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/stop",
		Summary:     "Stop a session, gracefully by default",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *StopSessionInput) (*struct{}, error) {
		stop := svc.SoftStop
		if input.Body.Force {
			stop = svc.HardStop
		}
		if err := stop(ctx, input.ID); err != nil {
			return nil, mapSessionError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Delete a session, its history, and its worktree",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*struct{}, error) {
		if err := svc.Delete(ctx, input.ID); err != nil {
			return nil, mapSessionError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session-history",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/history",
		Summary:     "Get the ordered message and tool-call stream",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*HistoryOutput, error) {
		entries, err := svc.History(ctx, input.ID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &HistoryOutput{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/archive",
		Summary:     "Archive a terminal session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*struct{}, error) {
		if err := svc.Archive(ctx, input.ID); err != nil {
			return nil, mapSessionError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/unarchive",
		Summary:     "Restore an archived session to listings",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*struct{}, error) {
		if err := svc.Unarchive(ctx, input.ID); err != nil {
			return nil, mapSessionError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-session-metadata",
		Method:      http.MethodPatch,
		Path:        "/sessions/{id}/metadata",
		Summary:     "Replace the session metadata blob",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *UpdateMetadataInput) (*struct{}, error) {
		if err := svc.UpdateMetadata(ctx, input.ID, input.Body.Metadata); err != nil {
			return nil, mapSessionError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-session-plan-mode",
		Method:      http.MethodPatch,
		Path:        "/sessions/{id}/plan-mode",
		Summary:     "Toggle the plan-mode handshake hint",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SetPlanModeInput) (*struct{}, error) {
		if err := svc.SetPlanMode(ctx, input.ID, input.Body.PlanMode); err != nil {
			return nil, mapSessionError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-session-plan-files",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/plan-files/drift",
		Summary:     "Rehash declared plan files and report out-of-band edits",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *SessionIDInput) (*PlanDriftOutput, error) {
		drifts, err := svc.VerifyPlanFiles(ctx, input.ID)
		if err != nil {
			return nil, mapSessionError(err)
		}
		return &PlanDriftOutput{Body: drifts}, nil
	})
}

// mapSessionError translates service sentinels into HTTP problem responses.
// Spawn preflight failures surface as 422 with the remediation hint intact.
func mapSessionError(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound("session not found")
	case errors.Is(err, session.ErrUnknownRequest):
		return huma.Error404NotFound("no such pending request")
	case errors.Is(err, session.ErrUnknownAgent):
		return huma.Error422UnprocessableEntity("unknown agent type")
	case errors.Is(err, transport.ErrMissingBinary), errors.Is(err, transport.ErrMissingEnv):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, worktree.ErrDirtyRepo), errors.Is(err, worktree.ErrMissingBranch):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, session.ErrTooManySessions):
		return huma.Error429TooManyRequests("session limit reached, stop or finish a running session first")
	case errors.Is(err, session.ErrTerminal),
		errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrBadTransition),
		errors.Is(err, session.ErrNotResumable),
		errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError("session operation failed", err)
	}
}
