// Package api provides the HTTP API handlers and routing for the security
// analysis service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
	"securityanalysis/internal/health"
	"securityanalysis/internal/job"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// UserIDHeader carries the caller identity.
const UserIDHeader = "userId"

// AnalysisService is the submission side used by the handlers.
type AnalysisService interface {
	Run(ctx context.Context, sub job.SubmitRequest) (uuid.UUID, error)
	Status(ctx context.Context, id uuid.UUID) (domain.Status, bool, error)
	InvalidateStatus(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteAll(ctx context.Context, ids []uuid.UUID) error
	Stop(ctx context.Context, id uuid.UUID, receiver, userID string)
	DebugFile(ctx context.Context, id uuid.UUID) (io.ReadCloser, int64, error)
	Providers() []string
	DefaultProvider() string
	ResultsCount(ctx context.Context) (int64, error)
}

// ParametersService manages stored parameter sets.
type ParametersService interface {
	Create(ctx context.Context, set domain.ParameterSet) (uuid.UUID, error)
	CreateDefault(ctx context.Context) (uuid.UUID, error)
	Duplicate(ctx context.Context, from uuid.UUID) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.ParameterSet, error)
	List(ctx context.Context) ([]domain.ParameterSet, error)
	Update(ctx context.Context, id uuid.UUID, set *domain.ParameterSet) error
	Delete(ctx context.Context, id uuid.UUID) error
	Provider(ctx context.Context, id uuid.UUID) (string, error)
	UpdateProvider(ctx context.Context, id uuid.UUID, provider string) error
}

// Handler contains HTTP handlers for the security analysis API
type Handler struct {
	analyses   AnalysisService
	parameters ParametersService
	health     *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(analyses AnalysisService, parameters ParametersService, healthChecker *health.Checker) *Handler {
	return &Handler{
		analyses:   analyses,
		parameters: parameters,
		health:     healthChecker,
	}
}

// Run handles POST /v1/networks/{networkUuid}/run
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	networkUUID, ok := h.pathUUID(w, r, "networkUuid")
	if !ok {
		return
	}
	q := r.URL.Query()

	sub := job.SubmitRequest{
		NetworkUUID: networkUUID,
		VariantID:   q.Get("variantId"),
		Receiver:    q.Get("receiver"),
		ReporterID:  q.Get("reporterId"),
		ReportType:  q.Get("reportType"),
		Provider:    q.Get("provider"),
		UserID:      r.Header.Get(UserIDHeader),
	}
	var err error
	if sub.ReportUUID, err = optionalUUID(q.Get("reportUuid"), "reportUuid"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if sub.DynamicSimulationResultUUID, err = requiredUUID(q.Get("dynamicSimulationResultUuid"), "dynamicSimulationResultUuid"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if sub.ParametersUUID, err = requiredUUID(q.Get("parametersUuid"), "parametersUuid"); err != nil {
		h.handleError(w, r, err)
		return
	}
	if raw := q.Get("debug"); raw != "" {
		if sub.Debug, err = strconv.ParseBool(raw); err != nil {
			h.handleError(w, r, apperrors.Validation("debug", "must be a boolean"))
			return
		}
	}

	id, err := h.analyses.Run(r.Context(), sub)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, id)
}

// ResultStatus handles GET /v1/results/{resultUuid}/status
// Returns 204 when the result is unknown.
func (h *Handler) ResultStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "resultUuid")
	if !ok {
		return
	}
	status, found, err := h.analyses.Status(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// InvalidateStatus handles PUT /v1/results/invalidate-status?resultUuid=...
func (h *Handler) InvalidateStatus(w http.ResponseWriter, r *http.Request) {
	ids, err := queryUUIDs(r, "resultUuid")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	updated, err := h.analyses.InvalidateStatus(r.Context(), ids)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// DeleteResult handles DELETE /v1/results/{resultUuid}
func (h *Handler) DeleteResult(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "resultUuid")
	if !ok {
		return
	}
	if err := h.analyses.Delete(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteResults handles DELETE /v1/results?resultUuid=...
// Without ids every result is deleted.
func (h *Handler) DeleteResults(w http.ResponseWriter, r *http.Request) {
	ids, err := queryUUIDs(r, "resultUuid")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if err := h.analyses.DeleteAll(r.Context(), ids); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StopResult handles PUT /v1/results/{resultUuid}/stop
func (h *Handler) StopResult(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "resultUuid")
	if !ok {
		return
	}
	receiver := r.URL.Query().Get("receiver")
	h.analyses.Stop(r.Context(), id, receiver, r.Header.Get(UserIDHeader))
	w.WriteHeader(http.StatusOK)
}

// DownloadDebugFile handles GET /v1/results/{resultUuid}/download-debug-file
func (h *Handler) DownloadDebugFile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "resultUuid")
	if !ok {
		return
	}
	body, size, err := h.analyses.DebugFile(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id.String()+`.tar.gz"`)
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		slog.Warn("Debug file download interrupted", "resultUuid", id, "error", err)
	}
}

// Providers handles GET /v1/providers
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.analyses.Providers())
}

// DefaultProvider handles GET /v1/default-provider
func (h *Handler) DefaultProvider(w http.ResponseWriter, r *http.Request) {
	h.writeText(w, http.StatusOK, h.analyses.DefaultProvider())
}

// ResultsCount handles GET /v1/supervision/results-count
func (h *Handler) ResultsCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.analyses.ResultsCount(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if a required dependency is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	body := map[string]string{"error": message}
	if code != "" {
		body["code"] = code
	}
	h.writeJSON(w, status, body)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error(), apperrors.CodeOf(err))
}

// pathUUID parses a path wildcard, writing a 400 on failure.
func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := requiredUUID(r.PathValue(name), name)
	if err != nil {
		h.handleError(w, r, err)
		return uuid.Nil, false
	}
	return id, true
}

func requiredUUID(raw, field string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, apperrors.Validation(field, "is required")
	}
	return optionalUUID(raw, field)
}

func optionalUUID(raw, field string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.Validation(field, "must be a UUID")
	}
	return id, nil
}

func queryUUIDs(r *http.Request, name string) ([]uuid.UUID, error) {
	values := r.URL.Query()[name]
	ids := make([]uuid.UUID, 0, len(values))
	for _, raw := range values {
		id, err := requiredUUID(raw, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// readBody reads a bounded request body. It reports an oversized body as a
// validation error.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.Validation("body", "request body too large")
		}
		return nil, apperrors.Validation("body", "unreadable request body")
	}
	return data, nil
}
