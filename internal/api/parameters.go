package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
)

// CreateParameters handles POST /v1/parameters
// With ?duplicateFrom={uuid} the referenced set is copied instead.
func (h *Handler) CreateParameters(w http.ResponseWriter, r *http.Request) {
	if from := r.URL.Query().Get("duplicateFrom"); from != "" {
		source, err := requiredUUID(from, "duplicateFrom")
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		id, err := h.parameters.Duplicate(r.Context(), source)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, id)
		return
	}

	set, err := decodeParameters(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if set == nil {
		h.handleError(w, r, apperrors.Validation("body", "parameters are required"))
		return
	}
	id, err := h.parameters.Create(r.Context(), *set)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, id)
}

// CreateDefaultParameters handles POST /v1/parameters/default
func (h *Handler) CreateDefaultParameters(w http.ResponseWriter, r *http.Request) {
	id, err := h.parameters.CreateDefault(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, id)
}

// GetParameters handles GET /v1/parameters/{uuid}
func (h *Handler) GetParameters(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "uuid")
	if !ok {
		return
	}
	set, err := h.parameters.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, set)
}

// ListParameters handles GET /v1/parameters
func (h *Handler) ListParameters(w http.ResponseWriter, r *http.Request) {
	sets, err := h.parameters.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if sets == nil {
		sets = []domain.ParameterSet{}
	}
	h.writeJSON(w, http.StatusOK, sets)
}

// UpdateParameters handles PUT /v1/parameters/{uuid}
// An empty body resets the set to defaults.
func (h *Handler) UpdateParameters(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "uuid")
	if !ok {
		return
	}
	set, err := decodeParameters(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.parameters.Update(r.Context(), id, set); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteParameters handles DELETE /v1/parameters/{uuid}
func (h *Handler) DeleteParameters(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "uuid")
	if !ok {
		return
	}
	if err := h.parameters.Delete(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetParametersProvider handles GET /v1/parameters/{uuid}/provider
func (h *Handler) GetParametersProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "uuid")
	if !ok {
		return
	}
	provider, err := h.parameters.Provider(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeText(w, http.StatusOK, provider)
}

// UpdateParametersProvider handles PUT /v1/parameters/{uuid}/provider
// The body is the provider name as plain text; empty resets to the default.
func (h *Handler) UpdateParametersProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "uuid")
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.parameters.UpdateProvider(r.Context(), id, strings.TrimSpace(string(body))); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// decodeParameters returns nil for an empty body.
func decodeParameters(w http.ResponseWriter, r *http.Request) (*domain.ParameterSet, error) {
	body, err := readBody(w, r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var set domain.ParameterSet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, apperrors.Validation("body", "invalid parameters: "+err.Error())
	}
	return &set, nil
}
