//go:build e2e

// Package e2e exercises a deployed service. Tests skip unless DSA_E2E_URL
// points at a running instance.
//
//	DSA_E2E_URL=http://localhost:8080 go test -tags=e2e ./e2e/
package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"securityanalysis/internal/domain"
	"securityanalysis/internal/health"
	"securityanalysis/internal/job"
	"securityanalysis/internal/messaging"
	"securityanalysis/internal/testutil"
	"securityanalysis/pkg/cloudevent"
)

type apiClient struct {
	t       testing.TB
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(t testing.TB) *apiClient {
	t.Helper()
	baseURL := os.Getenv("DSA_E2E_URL")
	if baseURL == "" {
		t.Skip("DSA_E2E_URL not set")
	}
	return &apiClient{
		t:       t,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  os.Getenv("DSA_E2E_API_KEY"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and returns the status code and body.
func (c *apiClient) do(method, path, contentType string, body []byte) (int, []byte) {
	c.t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("userId", "e2e")
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (c *apiClient) json(method, path string, in, out any) int {
	c.t.Helper()
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
	}
	status, data := c.do(method, path, "application/json", body)
	if out != nil && status < 300 && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			c.t.Fatalf("decode %s %s: %v (%s)", method, path, err, data)
		}
	}
	return status
}

func (c *apiClient) createParameters(set domain.ParameterSet) uuid.UUID {
	c.t.Helper()
	var id uuid.UUID
	if status := c.json(http.MethodPost, "/v1/parameters", set, &id); status != http.StatusOK {
		c.t.Fatalf("create parameters: status %d", status)
	}
	c.t.Cleanup(func() {
		c.json(http.MethodDelete, "/v1/parameters/"+id.String(), nil, nil)
	})
	return id
}

// subscribeEvents listens on an event subject when DSA_E2E_NATS_URL is set.
func subscribeEvents(t *testing.T, subject string) <-chan *cloudevent.CloudEvent {
	t.Helper()
	url := os.Getenv("DSA_E2E_NATS_URL")
	if url == "" {
		return nil
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(nc.Close)

	events := make(chan *cloudevent.CloudEvent, 16)
	if _, err := nc.Subscribe(subject, func(m *nats.Msg) {
		var ev cloudevent.CloudEvent
		if err := json.Unmarshal(m.Data, &ev); err == nil {
			events <- &ev
		}
	}); err != nil {
		t.Fatalf("nats subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("nats flush: %v", err)
	}
	return events
}

func TestAPI_Livez(t *testing.T) {
	c := newAPIClient(t)
	if status, _ := c.do(http.MethodGet, "/livez", "", nil); status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
}

func TestAPI_Readyz(t *testing.T) {
	c := newAPIClient(t)

	var result health.Response
	if status := c.json(http.MethodGet, "/readyz", nil, &result); status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	if result.Status == health.StatusUnhealthy {
		t.Errorf("Expected serving status, got %s", result.Status)
	}
}

func TestAPI_Providers(t *testing.T) {
	c := newAPIClient(t)

	var providers []string
	if status := c.json(http.MethodGet, "/v1/providers", nil, &providers); status != http.StatusOK {
		t.Fatalf("providers: status %d", status)
	}
	status, body := c.do(http.MethodGet, "/v1/default-provider", "", nil)
	if status != http.StatusOK {
		t.Fatalf("default provider: status %d", status)
	}
	found := false
	for _, p := range providers {
		if p == string(body) {
			found = true
		}
	}
	if !found {
		t.Errorf("default provider %q not in %v", body, providers)
	}
}

func TestAPI_ParametersLifecycle(t *testing.T) {
	c := newAPIClient(t)

	listID := uuid.New()
	id := c.createParameters(domain.ParameterSet{
		ScenarioDuration:       30,
		ContingenciesStartTime: 2,
		ContingencyListIDs:     []uuid.UUID{listID},
	})

	var got domain.ParameterSet
	if status := c.json(http.MethodGet, "/v1/parameters/"+id.String(), nil, &got); status != http.StatusOK {
		t.Fatalf("get: status %d", status)
	}
	if got.ScenarioDuration != 30 || len(got.ContingencyListIDs) != 1 || got.ContingencyListIDs[0] != listID {
		t.Errorf("stored set = %+v", got)
	}

	var dup uuid.UUID
	if status := c.json(http.MethodPost, "/v1/parameters?duplicateFrom="+id.String(), nil, &dup); status != http.StatusOK {
		t.Fatalf("duplicate: status %d", status)
	}
	defer c.json(http.MethodDelete, "/v1/parameters/"+dup.String(), nil, nil)
	if dup == id {
		t.Error("duplicate returned the source id")
	}

	// An empty body resets to defaults
	if status, _ := c.do(http.MethodPut, "/v1/parameters/"+id.String(), "application/json", nil); status != http.StatusOK {
		t.Fatalf("reset: status %d", status)
	}
	c.json(http.MethodGet, "/v1/parameters/"+id.String(), nil, &got)
	if got.ScenarioDuration != domain.DefaultScenarioDuration {
		t.Errorf("ScenarioDuration after reset = %v", got.ScenarioDuration)
	}

	if status := c.json(http.MethodDelete, "/v1/parameters/"+id.String(), nil, nil); status != http.StatusOK {
		t.Fatalf("delete: status %d", status)
	}
	if status := c.json(http.MethodGet, "/v1/parameters/"+id.String(), nil, nil); status != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", status)
	}
}

func TestAPI_RunRejected(t *testing.T) {
	c := newAPIClient(t)
	network := uuid.New().String()
	prior := uuid.New().String()

	emptyList := c.createParameters(domain.ParameterSet{ScenarioDuration: 10, ContingencyListIDs: []uuid.UUID{}})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing parameters", "?dynamicSimulationResultUuid=" + prior, http.StatusBadRequest},
		{"unknown parameters", "?dynamicSimulationResultUuid=" + prior + "&parametersUuid=" + uuid.NewString(), http.StatusNotFound},
		{"unknown provider", "?dynamicSimulationResultUuid=" + prior + "&parametersUuid=" + emptyList.String() + "&provider=nope", http.StatusNotFound},
		{"empty contingency lists", "?dynamicSimulationResultUuid=" + prior + "&parametersUuid=" + emptyList.String(), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := c.do(http.MethodPost, "/v1/networks/"+network+"/run"+tt.query, "", nil); status != tt.want {
				t.Errorf("status = %d, want %d (%s)", status, tt.want, body)
			}
		})
	}
}

func TestAPI_UnknownResult(t *testing.T) {
	c := newAPIClient(t)
	id := uuid.NewString()
	events := subscribeEvents(t, messaging.SubjectCancelFailed)

	if status, _ := c.do(http.MethodGet, "/v1/results/"+id+"/status", "", nil); status != http.StatusNoContent {
		t.Errorf("status of unknown result = %d, want 204", status)
	}
	if status, _ := c.do(http.MethodPut, "/v1/results/invalidate-status?resultUuid="+id, "", nil); status != http.StatusNotFound {
		t.Errorf("invalidate unknown result = %d, want 404", status)
	}
	if status, _ := c.do(http.MethodGet, "/v1/results/"+id+"/download-debug-file", "", nil); status != http.StatusNotFound {
		t.Errorf("debug file of unknown result = %d, want 404", status)
	}
	if status, _ := c.do(http.MethodPut, "/v1/results/"+id+"/stop?receiver=e2e", "", nil); status != http.StatusOK {
		t.Fatalf("stop unknown result = %d, want 200", status)
	}

	if events == nil {
		return
	}
	ev := testutil.MustReceive(t, events, testutil.WithTimeout(10*time.Second))
	if ev.Type != job.EventTypeCancelFailed {
		t.Errorf("event type = %s, want %s", ev.Type, job.EventTypeCancelFailed)
	}
	if ev.Data["resultUuid"] != id {
		t.Errorf("event resultUuid = %v, want %s", ev.Data["resultUuid"], id)
	}
}

// TestAPI_RunToCompletion needs a network, a finished dynamic simulation and
// a contingency list known to the upstream services.
func TestAPI_RunToCompletion(t *testing.T) {
	c := newAPIClient(t)
	network := os.Getenv("DSA_E2E_NETWORK_UUID")
	prior := os.Getenv("DSA_E2E_DYNAMIC_SIMULATION_RESULT_UUID")
	list := os.Getenv("DSA_E2E_CONTINGENCY_LIST_UUID")
	if network == "" || prior == "" || list == "" {
		t.Skip("upstream fixtures not configured")
	}
	events := subscribeEvents(t, messaging.SubjectResult)

	params := c.createParameters(domain.ParameterSet{
		ScenarioDuration:       domain.DefaultScenarioDuration,
		ContingenciesStartTime: domain.DefaultContingenciesStartTime,
		ContingencyListIDs:     []uuid.UUID{uuid.MustParse(list)},
	})

	var id uuid.UUID
	path := "/v1/networks/" + network + "/run?receiver=e2e&dynamicSimulationResultUuid=" + prior + "&parametersUuid=" + params.String()
	if status := c.json(http.MethodPost, path, nil, &id); status != http.StatusOK {
		t.Fatalf("run: status %d", status)
	}
	defer c.json(http.MethodDelete, "/v1/results/"+id.String(), nil, nil)

	var status domain.Status
	testutil.MustWaitFor(t, "terminal status", func() bool {
		c.json(http.MethodGet, "/v1/results/"+id.String()+"/status", nil, &status)
		return status.Terminal()
	}, testutil.WithTimeout(10*time.Minute), testutil.WithInterval(2*time.Second))

	if status == domain.StatusFailed {
		t.Errorf("run ended %s", status)
	}
	if events != nil {
		ev := testutil.MustReceive(t, events, testutil.WithTimeout(30*time.Second))
		if ev.Data["resultUuid"] != id.String() {
			t.Errorf("result event for %v, want %s", ev.Data["resultUuid"], id)
		}
	}
}

func TestAPI_RequiresAPIKey(t *testing.T) {
	c := newAPIClient(t)
	if c.apiKey == "" {
		t.Skip("DSA_E2E_API_KEY not set")
	}
	c.apiKey = ""
	if status, _ := c.do(http.MethodGet, "/v1/providers", "", nil); status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}
}
