package job

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
	"securityanalysis/internal/provider"
	"securityanalysis/internal/report"
	"securityanalysis/internal/testutil"
	"securityanalysis/pkg/cloudevent"
)

// memStore is an in-memory ResultStore.
type memStore struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]domain.Status
	debug    map[uuid.UUID]string
	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		statuses: make(map[uuid.UUID]domain.Status),
		debug:    make(map[uuid.UUID]string),
	}
}

func (s *memStore) Insert(_ context.Context, id uuid.UUID, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	s.statuses[id] = status
	return nil
}

func (s *memStore) SaveStatus(_ context.Context, id uuid.UUID, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.statuses[id]; !ok || current == domain.StatusRunning {
		s.statuses[id] = status
	}
	return nil
}

func (s *memStore) CompleteStatus(_ context.Context, id uuid.UUID, status domain.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[id] != domain.StatusRunning {
		return false, nil
	}
	s.statuses[id] = status
	return true, nil
}

func (s *memStore) UpdateStatus(_ context.Context, ids []uuid.UUID, status domain.Status) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated []uuid.UUID
	for _, id := range ids {
		if _, ok := s.statuses[id]; ok {
			s.statuses[id] = status
			updated = append(updated, id)
		}
	}
	return updated, nil
}

func (s *memStore) FindStatus(_ context.Context, id uuid.UUID) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[id]
	if !ok {
		return "", apperrors.ResultNotFound(id.String())
	}
	return status, nil
}

func (s *memStore) UpsertDebugLocation(_ context.Context, id uuid.UUID, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[id]; !ok {
		s.statuses[id] = domain.StatusNotDone
	}
	s.debug[id] = location
	return nil
}

func (s *memStore) DebugLocation(_ context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	location, ok := s.debug[id]
	if !ok {
		return "", apperrors.ResultNotFound(id.String())
	}
	return location, nil
}

func (s *memStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, id)
	delete(s.debug, id)
	return nil
}

func (s *memStore) DeleteAll(_ context.Context, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		n := int64(len(s.statuses))
		clear(s.statuses)
		clear(s.debug)
		return n, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := s.statuses[id]; ok {
			n++
		}
		delete(s.statuses, id)
		delete(s.debug, id)
	}
	return n, nil
}

func (s *memStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.statuses)), nil
}

func (s *memStore) status(id uuid.UUID) (domain.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[id]
	return status, ok
}

// fakeParameters is a ParameterSource over a fixed map.
type fakeParameters struct {
	sets            map[uuid.UUID]domain.ParameterSet
	defaultProvider string
}

func (p *fakeParameters) Get(_ context.Context, id uuid.UUID) (*domain.ParameterSet, error) {
	set, ok := p.sets[id]
	if !ok {
		return nil, apperrors.ParametersNotFound(id.String())
	}
	return &set, nil
}

func (p *fakeParameters) DefaultProvider() string {
	return p.defaultProvider
}

// fakeContingencies resolves every listed id into one contingency per list.
// A non-nil gate blocks the call until it is closed.
type fakeContingencies struct {
	gate    chan struct{}
	entered chan struct{}
	infos   []domain.ContingencyInfos
	err     error
}

func (c *fakeContingencies) GetContingencies(ctx context.Context, _ []uuid.UUID, _ uuid.UUID, _ string) ([]domain.ContingencyInfos, error) {
	if c.entered != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.infos, c.err
}

// fakeSimulations serves gzip payloads of a prior dynamic simulation.
type fakeSimulations struct {
	dump, models, parameters []byte
	err                      error
}

func (s *fakeSimulations) OutputState(context.Context, uuid.UUID) ([]byte, error) {
	return s.dump, s.err
}

func (s *fakeSimulations) DynamicModel(context.Context, uuid.UUID) ([]byte, error) {
	return s.models, s.err
}

func (s *fakeSimulations) Parameters(context.Context, uuid.UUID) ([]byte, error) {
	return s.parameters, s.err
}

type fakeNetworks struct{}

func (fakeNetworks) Export(_ context.Context, _ uuid.UUID, _ string, w io.Writer) (int64, error) {
	n, err := io.WriteString(w, "<network/>")
	return int64(n), err
}

// fakeReports records forwarded reports.
type fakeReports struct {
	mu      sync.Mutex
	reports map[uuid.UUID]*report.Node
}

func (r *fakeReports) SendReport(_ context.Context, id uuid.UUID, root *report.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = make(map[uuid.UUID]*report.Node)
	}
	r.reports[id] = root
	return nil
}

func (r *fakeReports) get(id uuid.UUID) *report.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports[id]
}

// fakeArtifacts keeps uploaded objects in memory.
type fakeArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (a *fakeArtifacts) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[key] = data
	return nil
}

func (a *fakeArtifacts) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[key]
	if !ok {
		return nil, 0, apperrors.NotFound("debug file", key)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (a *fakeArtifacts) has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[key]
	return ok
}

// recordingNotifier collects every event.
type recordingNotifier struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
	ch     chan *cloudevent.CloudEvent
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan *cloudevent.CloudEvent, 64)}
}

func (n *recordingNotifier) Notify(_ context.Context, ev *cloudevent.CloudEvent) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	n.ch <- ev
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

// next waits for the next event and checks its type.
func (n *recordingNotifier) next(t *testing.T, wantType string) *cloudevent.CloudEvent {
	t.Helper()
	ev := testutil.MustReceive(t, n.ch, testutil.WithTimeout(5*time.Second))
	if ev.Type != wantType {
		t.Fatalf("event type = %q (message %v), want %q", ev.Type, ev.Data["message"], wantType)
	}
	return ev
}

// fakeEngine blocks in Run until released or, when interruptible, until
// its context is cancelled.
type fakeEngine struct {
	name          string
	interruptible bool
	started       chan *provider.Input
	release       chan struct{}
	result        *domain.AnalysisResult
	err           error
}

func newFakeEngine(name string, interruptible bool) *fakeEngine {
	return &fakeEngine{
		name:          name,
		interruptible: interruptible,
		started:       make(chan *provider.Input, 8),
		release:       make(chan struct{}),
		result:        convergedResult("c1"),
	}
}

func (e *fakeEngine) Name() string        { return e.name }
func (e *fakeEngine) Interruptible() bool { return e.interruptible }

func (e *fakeEngine) Run(ctx context.Context, in *provider.Input) (*domain.AnalysisResult, error) {
	e.started <- in
	if e.interruptible {
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-e.release
	}
	return e.result, e.err
}

func convergedResult(ids ...string) *domain.AnalysisResult {
	res := &domain.AnalysisResult{PreContingencyStatus: report.ConvergedStatus}
	for _, id := range ids {
		res.PostContingency = append(res.PostContingency, domain.PostContingencyResult{ContingencyID: id, Status: report.ConvergedStatus})
	}
	return res
}

// fixture wires an Analysis and a Coordinator over fakes.
type fixture struct {
	store         *memStore
	contingencies *fakeContingencies
	simulations   *fakeSimulations
	reports       *fakeReports
	artifacts     *fakeArtifacts
	notifier      *recordingNotifier
	engine        *fakeEngine
	registry      *provider.Registry
	analysis      *Analysis
	coord         *Coordinator
	workRoot      string
}

func newFixture(t *testing.T, interruptible bool) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		contingencies: &fakeContingencies{infos: []domain.ContingencyInfos{{
			ID:          "c1",
			Contingency: &domain.Contingency{ID: "c1", Elements: []domain.ContingencyElement{{ID: "LINE1", ElementType: "LINE"}}},
		}}},
		simulations: mustSimulations(t),
		reports:     &fakeReports{},
		artifacts:   &fakeArtifacts{},
		notifier:    newRecordingNotifier(),
		engine:      newFakeEngine("Dynawo", interruptible),
		workRoot:    t.TempDir(),
	}
	registry := mustRegistry(t, f.engine)
	f.registry = registry
	f.analysis = NewAnalysis(AnalysisDeps{
		Store:         f.store,
		Contingencies: f.contingencies,
		Simulations:   f.simulations,
		Networks:      fakeNetworks{},
		Reports:       f.reports,
		Artifacts:     f.artifacts,
		Engines:       registry,
		Notifier:      f.notifier,
		WorkDirRoot:   f.workRoot,
	})
	f.coord = NewCoordinator(f.analysis, nil, time.Minute)
	return f
}

func mustSimulations(t *testing.T) *fakeSimulations {
	t.Helper()
	dump := mustGzip(t, []byte("dump-state"))
	models := mustGzipJSON(t, []domain.DynamicModelConfig{{Model: "LoadAlphaBeta", Group: "LAB"}})
	params := mustGzipJSON(t, map[string]any{"startTime": 0, "stopTime": 100, "solverId": "IDA"})
	return &fakeSimulations{dump: dump, models: models, parameters: params}
}

func mustGzipJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return mustGzip(t, raw)
}

func mustGzip(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// newRun returns an accepted-ready run request and records it as RUNNING.
func (f *fixture) newRun(t *testing.T) *RunRequest {
	t.Helper()
	req := &RunRequest{
		ResultUUID:                  uuid.New(),
		NetworkUUID:                 uuid.New(),
		Receiver:                    "receiver-1",
		Provider:                    f.engine.name,
		UserID:                      "user-1",
		DynamicSimulationResultUUID: uuid.New(),
		Parameters: domain.ParameterSet{
			ID:                     uuid.New(),
			ScenarioDuration:       50,
			ContingenciesStartTime: 5,
			ContingencyListIDs:     []uuid.UUID{uuid.New()},
		},
	}
	if err := f.store.Insert(context.Background(), req.ResultUUID, domain.StatusRunning); err != nil {
		t.Fatal(err)
	}
	return req
}

// start accepts req and executes it in the background. The returned channel
// is closed when Execute returns.
func (f *fixture) start(t *testing.T, req *RunRequest) <-chan struct{} {
	t.Helper()
	if !f.coord.Accept(context.Background(), req) {
		t.Fatal("Accept() = false, want true")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coord.Execute(context.Background(), req.ResultUUID)
	}()
	return done
}

func (f *fixture) waitPhase(t *testing.T, id uuid.UUID, phase Phase) {
	t.Helper()
	testutil.MustWaitFor(t, "phase "+phase.String(), func() bool {
		st, ok := f.coord.State(id)
		return ok && st.Phase == phase
	}, testutil.WithTimeout(5*time.Second))
}

func (f *fixture) workDirEntries(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.workRoot)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

var errEngine = errors.New("solver diverged")

func mustRegistry(t *testing.T, engines ...provider.Engine) *provider.Registry {
	t.Helper()
	registry, err := provider.NewRegistry(engines...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return registry
}
