package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ratify/internal/workflow"
	"github.com/pitabwire/ratify/model"
)

type decisionBody struct {
	Comments string `json:"comments"`
}

func stageParams(r *http.Request) (string, int, error) {
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 1 {
		return "", 0, model.NewBadRequestError("stage sequence must be a positive integer")
	}
	return chi.URLParam(r, "instanceId"), seq, nil
}

// errSystemActor refuses human decisions made under the scheduler's identity.
var errSystemActor = model.NewNotAuthorizedError("the " + workflow.SystemActor + " identity cannot record decisions")

func handleApprove(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID, seq, err := stageParams(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body decisionBody
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		if rctx.SubjectID == workflow.SystemActor {
			WriteError(w, errSystemActor)
			return
		}

		inst, err := engine.Approve(r.Context(), instanceID, seq, rctx.SubjectID, body.Comments)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleReject(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID, seq, err := stageParams(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body decisionBody
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		if rctx.SubjectID == workflow.SystemActor {
			WriteError(w, errSystemActor)
			return
		}

		inst, err := engine.Reject(r.Context(), instanceID, seq, rctx.SubjectID, body.Comments)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleDelegate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID, seq, err := stageParams(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body struct {
			ToUser   string `json:"to_user"`
			Comments string `json:"comments"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}

		if rctx.SubjectID == workflow.SystemActor {
			WriteError(w, errSystemActor)
			return
		}

		inst, err := engine.Delegate(r.Context(), instanceID, seq, rctx.SubjectID, body.ToUser, body.Comments)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// handleEscalate lets the submitter, a seat holder on the stage, or an
// administrator escalate a stage ahead of its deadline.
func handleEscalate(engine *workflow.Engine, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID, seq, err := stageParams(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body decisionBody
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Get(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if !mayEscalate(inst, seq, rctx, adminRole) {
			WriteError(w, model.NewNotAuthorizedError("only the submitter, a stage approver or an administrator may escalate"))
			return
		}

		inst, err = engine.Escalate(r.Context(), instanceID, seq, rctx.SubjectID, body.Comments)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleReassign(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID, seq, err := stageParams(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		var body struct {
			ToUsers  []string `json:"to_users"`
			Comments string   `json:"comments"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if len(body.ToUsers) == 0 {
			WriteError(w, model.NewValidationError([]model.FieldError{
				{Field: "to_users", Code: "REQUIRED", Message: "to_users is required"},
			}))
			return
		}

		inst, err := engine.Reassign(r.Context(), instanceID, seq, rctx.SubjectID, body.ToUsers, body.Comments)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func mayEscalate(inst model.WorkflowInstance, seq int, rctx *model.RequestContext, adminRole string) bool {
	if rctx.SubjectID == workflow.SystemActor {
		return false
	}
	if rctx.HasRole(adminRole) || inst.SubmittedBy == rctx.SubjectID {
		return true
	}
	st := inst.Stage(seq)
	if st == nil {
		return false
	}
	for _, seat := range st.Seats {
		if seat.Status == model.SeatPending && (seat.Identity == rctx.SubjectID || seat.Nominal == rctx.SubjectID) {
			return true
		}
	}
	return false
}
