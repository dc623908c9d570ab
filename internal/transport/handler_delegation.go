package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ratify/internal/directory"
	"github.com/pitabwire/ratify/model"
)

func handleListDelegations(d *directory.Delegations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		items, err := d.List(r.Context(), directory.ListFilters{
			FromUser: q.Get("from_user"),
			ToUser:   q.Get("to_user"),
			Status:   model.DelegationStatus(q.Get("status")),
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		if items == nil {
			items = []model.DelegationRule{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func handleGetDelegation(d *directory.Delegations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := d.Get(r.Context(), chi.URLParam(r, "delegationId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rule)
	}
}

func handleCreateDelegation(d *directory.Delegations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule model.DelegationRule
		if err := decodeJSON(r, &rule, false); err != nil {
			WriteError(w, err)
			return
		}
		created, err := d.Create(r.Context(), rule)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleUpdateDelegation(d *directory.Delegations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rule model.DelegationRule
		if err := decodeJSON(r, &rule, false); err != nil {
			WriteError(w, err)
			return
		}
		rule.ID = chi.URLParam(r, "delegationId")
		updated, err := d.Update(r.Context(), rule)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleCancelDelegation(d *directory.Delegations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule, err := d.Cancel(r.Context(), chi.URLParam(r, "delegationId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rule)
	}
}

func handleDeleteDelegation(d *directory.Delegations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Delete(r.Context(), chi.URLParam(r, "delegationId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
