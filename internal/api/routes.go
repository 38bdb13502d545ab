package api

import (
	"net/http"

	"securityanalysis/internal/health"
	"securityanalysis/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Analyses      AnalysisService
	Parameters    ParametersService
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Analyses, cfg.Parameters, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	route("POST /v1/networks/{networkUuid}/run", handler.Run)

	route("GET /v1/results/{resultUuid}/status", handler.ResultStatus)
	route("PUT /v1/results/invalidate-status", handler.InvalidateStatus)
	route("DELETE /v1/results/{resultUuid}", handler.DeleteResult)
	route("DELETE /v1/results", handler.DeleteResults)
	route("PUT /v1/results/{resultUuid}/stop", handler.StopResult)
	route("GET /v1/results/{resultUuid}/download-debug-file", handler.DownloadDebugFile)

	route("GET /v1/providers", handler.Providers)
	route("GET /v1/default-provider", handler.DefaultProvider)
	route("GET /v1/supervision/results-count", handler.ResultsCount)

	route("POST /v1/parameters", handler.CreateParameters)
	route("POST /v1/parameters/default", handler.CreateDefaultParameters)
	route("GET /v1/parameters", handler.ListParameters)
	route("GET /v1/parameters/{uuid}", handler.GetParameters)
	route("PUT /v1/parameters/{uuid}", handler.UpdateParameters)
	route("DELETE /v1/parameters/{uuid}", handler.DeleteParameters)
	route("GET /v1/parameters/{uuid}/provider", handler.GetParametersProvider)
	route("PUT /v1/parameters/{uuid}/provider", handler.UpdateParametersProvider)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
