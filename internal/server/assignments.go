package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"appraisal/internal/domain"
	dErrors "appraisal/internal/domainerrors"
	"appraisal/internal/engine"
	"appraisal/internal/events"
	"appraisal/internal/policy"
	"appraisal/internal/repo"
	"appraisal/internal/workflow"
)

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type assignmentPath struct {
	ID string `path:"id"`
}

type commandOutput struct {
	Body CommandResponse `json:"body"`
}

// registerCommand registers op with a handler that resolves the caller and
// renders the engine result.
func registerCommand[I any](api huma.API, op huma.Operation, run func(ctx context.Context, actor policy.Actor, in *I) (engine.Result, error)) {
	if op.Errors == nil {
		op.Errors = commandErrors
	}
	if op.Method == "" {
		op.Method = http.MethodPost
	}
	huma.Register(api, op, func(ctx context.Context, in *I) (*commandOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := run(ctx, actor, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &commandOutput{Body: commandResponse(res)}, nil
	})
}

// viewable loads the assignment and checks the caller may read it.
func viewable(ctx context.Context, e engine.Engine, id string) (*workflow.Assignment, huma.StatusError) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	a, err := e.Load(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	if err := e.Workflow.Policy.Authorize(policy.OpView, actor, policy.Subject{EmployeeID: a.EmployeeID, ManagerID: a.ManagerID}); err != nil {
		return nil, handleError(err)
	}
	return a, nil
}

// scopeList narrows a listing to what the caller may see: parties only see
// their own assignments.
func scopeList(p policy.Policy, actor policy.Actor, f *repo.AssignmentFilters) {
	if p.Allows(policy.OpView, actor.Role, policy.RelNone) {
		return
	}
	switch actor.Role {
	case domain.RoleEmployee:
		f.EmployeeID = actor.ID
	case domain.RoleManager:
		f.ManagerID = actor.ID
	default:
		f.EmployeeID, f.ManagerID = actor.ID, actor.ID
	}
}

func textOf(body *CommentRequest) *string {
	if body == nil {
		return nil
	}
	return body.Text
}

func registerAssignments(api huma.API, e engine.Engine) {
	registerCommand(api, huma.Operation{
		OperationID:   "assign",
		Path:          "/assignments",
		Summary:       "Assign a questionnaire template to an employee",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		Body AssignRequest `json:"body"`
	}) (engine.Result, error) {
		return e.Assign(ctx, actor, engine.AssignOptions{
			AssignmentID:          strings.TrimSpace(in.Body.ID),
			TemplateID:            in.Body.TemplateID,
			EmployeeID:            in.Body.EmployeeID,
			ManagerID:             in.Body.ManagerID,
			DueDate:               in.Body.DueDate,
			RequiresManagerReview: in.Body.RequiresManagerReview,
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments visible to the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		EmployeeID string `query:"employee_id"`
		ManagerID  string `query:"manager_id"`
		TemplateID string `query:"template_id"`
		State      string `query:"state"`
		Active     bool   `query:"active"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body AssignmentListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.AssignmentFilters{
			EmployeeID: input.EmployeeID,
			ManagerID:  input.ManagerID,
			TemplateID: input.TemplateID,
			ActiveOnly: input.Active,
			Limit:      normalizeLimit(input.Limit),
		}
		if input.State != "" {
			st, err := domain.ParseWorkflowState(input.State)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"state": input.State})
			}
			f.States = []domain.WorkflowState{st}
		}
		scopeList(e.Workflow.Policy, actor, &f)
		items, err := e.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentListResponse `json:"body"`
		}{Body: AssignmentListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Current state of an assignment, folded from its log",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *assignmentPath) (*struct {
		Body *workflow.Assignment `json:"body"`
	}, error) {
		a, err := viewable(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body *workflow.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment-events",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}/events",
		Summary:     "The assignment's event log in sequence order",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *assignmentPath) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, err := viewable(ctx, e, input.ID); err != nil {
			return nil, err
		}
		envs, err := e.Events(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: nonNilSlice(envs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-missing-answers",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}/missing",
		Summary:     "Required questions still unanswered, per side",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *assignmentPath) (*struct {
		Body MissingAnswersResponse `json:"body"`
	}, error) {
		a, err := viewable(ctx, e, input.ID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body MissingAnswersResponse `json:"body"`
		}{Body: MissingAnswersResponse{
			Employee: nonNilSlice(a.Missing(domain.RoleEmployee)),
			Manager:  nonNilSlice(a.Missing(domain.RoleManager)),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}/verify",
		Summary:     "Replay the log twice and compare with the directory",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *assignmentPath) (*struct {
		Body engine.VerifyReport `json:"body"`
	}, error) {
		if _, err := viewable(ctx, e, input.ID); err != nil {
			return nil, err
		}
		rep, err := e.Verify(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VerifyReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerCommands(api huma.API, e engine.Engine) {
	registerCommand(api, huma.Operation{
		OperationID: "initialize-assignment",
		Path:        "/assignments/{id}/initialize",
		Summary:     "Manager initializes the assignment, optionally adding sections",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string             `path:"id"`
		Body *InitializeRequest `json:"body,omitempty"`
	}) (engine.Result, error) {
		var req InitializeRequest
		if in.Body != nil {
			req = *in.Body
		}
		return e.Initialize(ctx, in.ID, actor, req.CustomSections, req.Notes)
	})

	registerCommand(api, huma.Operation{
		OperationID: "start-work",
		Path:        "/assignments/{id}/start",
		Summary:     "Start working on the questionnaire",
	}, func(ctx context.Context, actor policy.Actor, in *assignmentPath) (engine.Result, error) {
		return e.StartWork(ctx, in.ID, actor)
	})

	registerCommand(api, huma.Operation{
		OperationID: "save-answer",
		Method:      http.MethodPut,
		Path:        "/assignments/{id}/answers",
		Summary:     "Save the caller's answer to a question",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string            `path:"id"`
		Body SaveAnswerRequest `json:"body"`
	}) (engine.Result, error) {
		return e.SaveAnswer(ctx, in.ID, actor, in.Body.SectionID, in.Body.QuestionID, in.Body.Value)
	})

	registerCommand(api, huma.Operation{
		OperationID: "submit",
		Path:        "/assignments/{id}/submit",
		Summary:     "Submit the caller's side of the questionnaire",
	}, func(ctx context.Context, actor policy.Actor, in *assignmentPath) (engine.Result, error) {
		return e.Submit(ctx, in.ID, actor)
	})

	registerCommand(api, huma.Operation{
		OperationID: "start-review-meeting",
		Path:        "/assignments/{id}/review/start",
		Summary:     "Start the review meeting",
	}, func(ctx context.Context, actor policy.Actor, in *assignmentPath) (engine.Result, error) {
		return e.StartReviewMeeting(ctx, in.ID, actor)
	})

	registerCommand(api, huma.Operation{
		OperationID: "edit-answer-during-review",
		Method:      http.MethodPut,
		Path:        "/assignments/{id}/review/answers",
		Summary:     "Edit an answer during the review meeting",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string            `path:"id"`
		Body EditAnswerRequest `json:"body"`
	}) (engine.Result, error) {
		b := in.Body
		return e.EditAnswer(ctx, in.ID, actor, b.SectionID, b.QuestionID, b.AnswerRole, b.Value)
	})

	registerCommand(api, huma.Operation{
		OperationID: "add-review-note",
		Path:        "/assignments/{id}/review/notes",
		Summary:     "Add an in-review note",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string         `path:"id"`
		Body AddNoteRequest `json:"body"`
	}) (engine.Result, error) {
		return e.AddNote(ctx, in.ID, actor, strings.TrimSpace(in.Body.NoteID), in.Body.Content, in.Body.SectionID)
	})

	registerCommand(api, huma.Operation{
		OperationID: "update-review-note",
		Method:      http.MethodPut,
		Path:        "/assignments/{id}/review/notes/{note_id}",
		Summary:     "Update an in-review note",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID     string            `path:"id"`
		NoteID string            `path:"note_id"`
		Body   UpdateNoteRequest `json:"body"`
	}) (engine.Result, error) {
		return e.UpdateNote(ctx, in.ID, actor, in.NoteID, in.Body.Content)
	})

	registerCommand(api, huma.Operation{
		OperationID: "delete-review-note",
		Method:      http.MethodDelete,
		Path:        "/assignments/{id}/review/notes/{note_id}",
		Summary:     "Delete an in-review note",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID     string `path:"id"`
		NoteID string `path:"note_id"`
	}) (engine.Result, error) {
		return e.DeleteNote(ctx, in.ID, actor, in.NoteID)
	})

	registerCommand(api, huma.Operation{
		OperationID: "finish-review-meeting",
		Path:        "/assignments/{id}/review/finish",
		Summary:     "Finish the review meeting",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string          `path:"id"`
		Body *CommentRequest `json:"body,omitempty"`
	}) (engine.Result, error) {
		return e.FinishReviewMeeting(ctx, in.ID, actor, textOf(in.Body))
	})

	registerCommand(api, huma.Operation{
		OperationID: "sign-off",
		Path:        "/assignments/{id}/sign-off",
		Summary:     "Employee signs off the review",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string          `path:"id"`
		Body *CommentRequest `json:"body,omitempty"`
	}) (engine.Result, error) {
		return e.SignOff(ctx, in.ID, actor, textOf(in.Body))
	})

	registerCommand(api, huma.Operation{
		OperationID: "confirm-outcome",
		Path:        "/assignments/{id}/confirm",
		Summary:     "Employee confirms the review outcome",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string          `path:"id"`
		Body *CommentRequest `json:"body,omitempty"`
	}) (engine.Result, error) {
		return e.ConfirmOutcome(ctx, in.ID, actor, textOf(in.Body))
	})

	registerCommand(api, huma.Operation{
		OperationID: "finalize",
		Path:        "/assignments/{id}/finalize",
		Summary:     "Manager finalizes the assignment",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string          `path:"id"`
		Body *CommentRequest `json:"body,omitempty"`
	}) (engine.Result, error) {
		return e.Finalize(ctx, in.ID, actor, textOf(in.Body))
	})

	registerCommand(api, huma.Operation{
		OperationID: "withdraw",
		Path:        "/assignments/{id}/withdraw",
		Summary:     "Withdraw the assignment",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string          `path:"id"`
		Body *CommentRequest `json:"body,omitempty"`
	}) (engine.Result, error) {
		return e.Withdraw(ctx, in.ID, actor, textOf(in.Body))
	})

	registerCommand(api, huma.Operation{
		OperationID: "reopen",
		Path:        "/assignments/{id}/reopen",
		Summary:     "Move the assignment back to an earlier state",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string        `path:"id"`
		Body ReopenRequest `json:"body"`
	}) (engine.Result, error) {
		target, err := domain.ParseWorkflowState(string(in.Body.TargetState))
		if err != nil {
			return engine.Result{}, dErrors.Wrap(err, dErrors.CodeInvalidArgument, "invalid target state").With("target_state", string(in.Body.TargetState))
		}
		return e.Reopen(ctx, in.ID, actor, target, in.Body.Reason)
	})
}

func registerGoals(api huma.API, e engine.Engine) {
	registerCommand(api, huma.Operation{
		OperationID: "add-goal",
		Path:        "/assignments/{id}/goals",
		Summary:     "Add a goal under a goal question",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string         `path:"id"`
		Body AddGoalRequest `json:"body"`
	}) (engine.Result, error) {
		b := in.Body
		return e.AddGoal(ctx, in.ID, actor, workflow.GoalInput{
			GoalID:     strings.TrimSpace(b.GoalID),
			QuestionID: b.QuestionID,
			Timeframe:  b.Timeframe,
			Objective:  b.Objective,
			Metric:     b.Metric,
			Weighting:  b.Weighting,
		})
	})

	registerCommand(api, huma.Operation{
		OperationID: "modify-goal",
		Method:      http.MethodPatch,
		Path:        "/assignments/{id}/goals/{goal_id}",
		Summary:     "Record a modification of a goal",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID     string            `path:"id"`
		GoalID string            `path:"goal_id"`
		Body   ModifyGoalRequest `json:"body"`
	}) (engine.Result, error) {
		return e.ModifyGoal(ctx, in.ID, actor, in.GoalID, in.Body.Changes, in.Body.Reason)
	})

	registerCommand(api, huma.Operation{
		OperationID: "delete-goal",
		Method:      http.MethodDelete,
		Path:        "/assignments/{id}/goals/{goal_id}",
		Summary:     "Delete a goal",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID     string `path:"id"`
		GoalID string `path:"goal_id"`
		Reason string `query:"reason"`
	}) (engine.Result, error) {
		return e.DeleteGoal(ctx, in.ID, actor, in.GoalID, in.Reason)
	})

	registerCommand(api, huma.Operation{
		OperationID: "link-predecessor",
		Path:        "/assignments/{id}/predecessors",
		Summary:     "Link a finalized prior assignment to a goal question",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string                 `path:"id"`
		Body LinkPredecessorRequest `json:"body"`
	}) (engine.Result, error) {
		return e.LinkPredecessor(ctx, in.ID, actor, in.Body.QuestionID, in.Body.PredecessorAssignmentID)
	})

	registerCommand(api, huma.Operation{
		OperationID: "rate-predecessor-goal",
		Path:        "/assignments/{id}/predecessor-ratings",
		Summary:     "Rate the achievement of a predecessor goal",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string                     `path:"id"`
		Body RatePredecessorGoalRequest `json:"body"`
	}) (engine.Result, error) {
		b := in.Body
		return e.RatePredecessorGoal(ctx, in.ID, actor, b.QuestionID, b.GoalID, b.DegreeOfAchievement, b.Justification)
	})

	registerCommand(api, huma.Operation{
		OperationID: "modify-predecessor-rating",
		Method:      http.MethodPatch,
		Path:        "/assignments/{id}/predecessor-ratings",
		Summary:     "Record a modification of a predecessor goal rating",
	}, func(ctx context.Context, actor policy.Actor, in *struct {
		ID   string                         `path:"id"`
		Body ModifyPredecessorRatingRequest `json:"body"`
	}) (engine.Result, error) {
		b := in.Body
		return e.ModifyPredecessorRating(ctx, in.ID, actor, b.QuestionID, b.GoalID, b.RatingRole, b.Changes, b.Reason)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Newest events across all assignments",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `query:"assignment_id"`
		Kind         string `query:"kind"`
		ActorID      string `query:"actor_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       int64  `query:"cursor" doc:"Return events older than this store position"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !e.Workflow.Policy.Allows(policy.OpView, actor.Role, policy.RelNone) {
			return nil, handleError(dErrors.Unauthorized("role %s may not read the event stream", actor.Role))
		}
		kind := events.Kind(input.Kind)
		if kind != "" && !kind.Known() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown event kind", map[string]any{"kind": input.Kind})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit+1, repo.EventFilter{
			AssignmentID: input.AssignmentID,
			Kind:         kind,
			ActorID:      input.ActorID,
			Before:       input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: []events.Envelope{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Position, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTeam(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-team",
		Method:      http.MethodGet,
		Path:        "/team",
		Summary:     "Reporting lines, optionally for one manager",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ManagerID string `query:"manager_id"`
	}) (*struct {
		Body TeamResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		lines, err := e.Repo.ListReportingLines(ctx, input.ManagerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TeamResponse `json:"body"`
		}{Body: TeamResponse{Items: nonNilSlice(lines)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-manager",
		Method:        http.MethodPut,
		Path:          "/team/{employee_id}",
		Summary:       "Set who an employee reports to",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EmployeeID string            `path:"employee_id"`
		Body       SetManagerRequest `json:"body"`
	}) (*struct{}, error) {
		if err := authorizeTeam(ctx, e); err != nil {
			return nil, err
		}
		if err := e.SetManager(ctx, input.EmployeeID, strings.TrimSpace(input.Body.ManagerID)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-manager",
		Method:        http.MethodDelete,
		Path:          "/team/{employee_id}",
		Summary:       "Remove an employee's reporting line",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EmployeeID string `path:"employee_id"`
	}) (*struct{}, error) {
		if err := authorizeTeam(ctx, e); err != nil {
			return nil, err
		}
		if err := e.RemoveManager(ctx, input.EmployeeID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func authorizeTeam(ctx context.Context, e engine.Engine) huma.StatusError {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	if !e.Workflow.Policy.Allows(policy.OpManageTeam, actor.Role, policy.RelNone) {
		return handleError(dErrors.Unauthorized("role %s may not manage reporting lines", actor.Role))
	}
	return nil
}
