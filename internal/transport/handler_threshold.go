package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ratify/internal/threshold"
	"github.com/pitabwire/ratify/model"
)

func handleListThresholds(reg *threshold.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items := reg.List()
		if items == nil {
			items = []model.Threshold{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func handleGetThreshold(reg *threshold.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "thresholdId")
		t, ok := reg.Get(id)
		if !ok {
			WriteNotFound(w, fmt.Sprintf("threshold %q not found", id))
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func handleCreateThreshold(reg *threshold.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t model.Threshold
		if err := decodeJSON(r, &t, false); err != nil {
			WriteError(w, err)
			return
		}
		created, err := reg.Create(r.Context(), t)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleUpdateThreshold(reg *threshold.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t model.Threshold
		if err := decodeJSON(r, &t, false); err != nil {
			WriteError(w, err)
			return
		}
		t.ID = chi.URLParam(r, "thresholdId")
		updated, err := reg.Update(r.Context(), t)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteThreshold(reg *threshold.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := reg.Delete(r.Context(), chi.URLParam(r, "thresholdId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
