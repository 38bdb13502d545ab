// Package client holds the REST clients for the collaborating services:
// contingency resolution (actions), prior-stage dynamic simulation results,
// the network store and the report server.
//
// Every client maps a 404 to the collaborator-specific business error and
// any other failure to apperrors.UpstreamFetch carrying the remote message.
// Calls go through a per-collaborator circuit breaker; 5xx responses and
// transport errors count as failures, nothing is retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"securityanalysis/internal/apperrors"
	"securityanalysis/pkg/circuitbreaker"
)

// APIVersion is the path version segment shared by all collaborators.
const APIVersion = "v1"

// maxErrorBody caps how much of a failed response is kept as the message.
const maxErrorBody = 64 << 10

// Call outcomes reported to the metrics recorder.
const (
	OutcomeSuccess   = "success"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
)

// MetricsRecorder is an optional interface for recording collaborator calls.
type MetricsRecorder interface {
	RecordCollaboratorCall(ctx context.Context, collaborator, outcome string, durationSeconds float64)
}

// Options configure every client built from them.
type Options struct {
	Timeout    time.Duration           // per-request timeout (default: 30s)
	HTTPClient *http.Client            // overrides Timeout when set
	Breakers   *circuitbreaker.Registry // shared breakers keyed by collaborator name
	Metrics    MetricsRecorder
}

type restClient struct {
	name    string
	baseURI string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	metrics MetricsRecorder
	logger  *slog.Logger
}

func newRestClient(name, baseURI string, opts Options) *restClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	return &restClient{
		name:    name,
		baseURI: baseURI,
		http:    httpClient,
		breaker: breakers.Get(name),
		metrics: opts.Metrics,
		logger:  slog.With("component", "client", "collaborator", name),
	}
}

// buildEndpointURL joins base URI, API version and endpoint with single
// slashes and cleans the resulting path.
func buildEndpointURL(baseURI, version, endpoint string) (string, error) {
	u, err := url.Parse(baseURI)
	if err != nil {
		return "", fmt.Errorf("invalid base uri %q: %w", baseURI, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid base uri %q: scheme and host required", baseURI)
	}
	u.Path = path.Join("/", u.Path, version, endpoint)
	return u.String(), nil
}

// request describes one collaborator call.
type request struct {
	op          string
	method      string
	endpoint    string
	query       url.Values
	body        []byte
	contentType string

	// notFound builds the business error for a 404; nil treats 404 like any
	// other failure.
	notFound func(message string) error
}

// do executes req and returns the response of a 2xx answer. The caller owns
// the returned body.
func (c *restClient) do(ctx context.Context, req request) (*http.Response, error) {
	endpointURL, err := buildEndpointURL(c.baseURI, APIVersion, req.endpoint)
	if err != nil {
		return nil, apperrors.UpstreamFetch(req.op, err.Error())
	}
	if len(req.query) > 0 {
		endpointURL += "?" + req.query.Encode()
	}

	start := time.Now()
	var (
		resp   *http.Response
		status int
	)
	err = c.breaker.DoContext(ctx, func() error {
		var body io.Reader
		if req.body != nil {
			body = bytes.NewReader(req.body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, endpointURL, body)
		if err != nil {
			return err
		}
		if req.contentType != "" {
			httpReq.Header.Set("Content-Type", req.contentType)
		}

		r, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		status = r.StatusCode
		if status >= 200 && status < 300 {
			resp = r
			return nil
		}
		defer r.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBody))
		message := errorMessage(status, raw)
		if status == http.StatusNotFound && req.notFound != nil {
			return req.notFound(message)
		}
		return apperrors.UpstreamFetch(req.op, message)
	}, func(error) bool {
		return status == 0 || status >= 500
	})

	outcome := OutcomeSuccess
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = OutcomeRejected
		err = apperrors.UpstreamFetch(req.op, c.name+" unavailable: circuit breaker open")
	case err != nil && ctx.Err() != nil:
		outcome = OutcomeCancelled
	case err != nil && status == http.StatusNotFound:
		outcome = OutcomeNotFound
	case err != nil:
		outcome = OutcomeError
	}
	var appErr *apperrors.Error
	if err != nil && !errors.As(err, &appErr) {
		err = apperrors.UpstreamFetch(req.op, err.Error())
	}
	if c.metrics != nil {
		c.metrics.RecordCollaboratorCall(ctx, c.name, outcome, time.Since(start).Seconds())
	}
	if outcome == OutcomeCancelled {
		c.logger.Debug("REST API call abandoned", "op", req.op, "url", endpointURL, "error", err)
		return nil, err
	}
	if err != nil {
		c.logger.Warn("REST API call failed", "op", req.op, "url", endpointURL, "status", status, "error", err)
		return nil, err
	}
	c.logger.Debug("REST API called successfully", "op", req.op, "url", endpointURL)
	return resp, nil
}

// getJSON performs req and decodes a JSON answer into v.
func (c *restClient) getJSON(ctx context.Context, req request, v any) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return apperrors.UpstreamFetch(req.op, "invalid response body: "+err.Error())
	}
	return nil
}

// getBytes performs req and returns the raw answer.
func (c *restClient) getBytes(ctx context.Context, req request) ([]byte, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.UpstreamFetch(req.op, "read response: "+err.Error())
	}
	return data, nil
}

// errorMessage extracts the message of a failed answer: the JSON "message"
// field when present, else the raw body, else the status line.
func errorMessage(status int, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Sprintf("%d %s", status, strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_")))
	}
	var payload struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &payload); err == nil && payload.Message != nil {
		return *payload.Message
	}
	return string(body)
}
