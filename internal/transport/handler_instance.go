package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/ratify/internal/idempotency"
	"github.com/pitabwire/ratify/internal/observability"
	"github.com/pitabwire/ratify/internal/workflow"
	"github.com/pitabwire/ratify/model"
)

// IdempotencyKeyHeader carries the client's deduplication key on submit.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader is set on a submit response served from an earlier request.
const ReplayedHeader = "Idempotent-Replayed"

func handleSubmit(deps Dependencies) http.HandlerFunc {
	ttl := deps.Config.Idempotency.TTL
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		log := observability.RequestLogger(r.Context(), deps.Logger)

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				WriteError(w, model.NewBadRequestError("request body too large"))
				return
			}
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}

		var doc model.Document
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body: "+err.Error()))
			return
		}

		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		var storeKey, hash string
		if key != "" && deps.Idempotency != nil {
			storeKey = idempotency.Key(rctx.SubjectID, key)
			hash = idempotency.HashRequest(raw)
			instanceID, found, err := deps.Idempotency.Check(r.Context(), storeKey, hash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				inst, err := deps.Engine.Get(r.Context(), instanceID)
				if err != nil {
					WriteError(w, err)
					return
				}
				if deps.Metrics != nil {
					deps.Metrics.RecordIdempotentReplay()
				}
				w.Header().Set(ReplayedHeader, "true")
				WriteJSON(w, http.StatusOK, inst)
				return
			}
		}

		inst, err := deps.Engine.SubmitDocument(r.Context(), doc, rctx.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}

		if storeKey != "" {
			if err := deps.Idempotency.Put(r.Context(), storeKey, hash, inst.ID, ttl); err != nil {
				log.Warn("idempotency record failed",
					zap.String("instance_id", inst.ID),
					zap.Error(err),
				)
			}
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleListInstances(engine *workflow.Engine, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		q := r.URL.Query()

		filters := workflow.Filters{
			Status:       model.InstanceStatus(q.Get("status")),
			DocumentID:   q.Get("document_id"),
			WorkflowType: q.Get("workflow_type"),
			SubmittedBy:  q.Get("submitted_by"),
			Limit:        queryInt(r, "limit", 50),
			Offset:       queryInt(r, "offset", 0),
		}
		if filters.Limit > 500 {
			filters.Limit = 500
		}
		// Non-admins only see what they submitted.
		if !rctx.HasRole(adminRole) {
			filters.SubmittedBy = rctx.SubjectID
		}

		insts, err := engine.List(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if insts == nil {
			insts = []model.WorkflowInstance{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"items":  insts,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleGetInstance(engine *workflow.Engine, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := loadVisible(w, r, engine, adminRole)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceHistory(engine *workflow.Engine, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := loadVisible(w, r, engine, adminRole)
		if !ok {
			return
		}
		history := inst.History
		if history == nil {
			history = []model.HistoryEntry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"instance_id": inst.ID,
			"items":       history,
		})
	}
}

func handleInbox(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		seats, err := engine.PendingFor(r.Context(), rctx.SubjectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if seats == nil {
			seats = []model.PendingSeat{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": seats})
	}
}

func handleCancel(engine *workflow.Engine, adminRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Get(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if inst.SubmittedBy != rctx.SubjectID && !rctx.HasRole(adminRole) {
			WriteError(w, model.NewNotAuthorizedError("only the submitter or an administrator may cancel"))
			return
		}

		inst, err = engine.Cancel(r.Context(), instanceID, rctx.SubjectID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// loadVisible fetches the routed instance and writes a 404 unless the
// caller submitted it, holds or held a seat on it, or is an administrator.
func loadVisible(w http.ResponseWriter, r *http.Request, engine *workflow.Engine, adminRole string) (model.WorkflowInstance, bool) {
	rctx := model.MustRequestContext(r.Context())
	instanceID := chi.URLParam(r, "instanceId")

	inst, err := engine.Get(r.Context(), instanceID)
	if err != nil {
		WriteError(w, err)
		return model.WorkflowInstance{}, false
	}
	if !rctx.HasRole(adminRole) && !participant(inst, rctx.SubjectID) {
		WriteNotFound(w, fmt.Sprintf("workflow instance %q not found", instanceID))
		return model.WorkflowInstance{}, false
	}
	return inst, true
}

func participant(inst model.WorkflowInstance, subject string) bool {
	if inst.SubmittedBy == subject {
		return true
	}
	for _, st := range inst.Stages {
		for _, seat := range st.Seats {
			if seat.Identity == subject || seat.Nominal == subject || seat.EscalatedFrom == subject {
				return true
			}
		}
	}
	return false
}
