package job

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
	"securityanalysis/internal/objectstore"
	"securityanalysis/internal/report"
	"securityanalysis/internal/testutil"
)

func TestCoordinator_CompletesRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	req := f.newRun(t)

	done := f.start(t, req)
	in := testutil.MustReceive(t, f.engine.started, testutil.WithTimeout(5*time.Second))

	if got := in.Parameters.Simulation.StartTime; got != 100 {
		t.Errorf("StartTime = %v, want 100", got)
	}
	if got := in.Parameters.Simulation.StopTime; got != 150 {
		t.Errorf("StopTime = %v, want 150", got)
	}
	if got := in.Parameters.ContingenciesStartTime; got != 5 {
		t.Errorf("ContingenciesStartTime = %v, want 5", got)
	}
	if _, ok := in.Parameters.Simulation.Extra["solverId"]; !ok {
		t.Error("prior simulation parameter solverId was dropped")
	}
	if got := in.Contingencies(); len(got) != 1 || got[0].ID != "c1" {
		t.Errorf("Contingencies() = %+v, want [c1]", got)
	}
	if got := in.DynamicModels(); len(got) != 1 || got[0].Model != "LoadAlphaBeta" {
		t.Errorf("DynamicModels() = %+v", got)
	}
	dump, err := os.ReadFile(in.DumpFile)
	if err != nil || string(dump) != "dump-state" {
		t.Errorf("dump file = %q, %v; want dump-state", dump, err)
	}
	if _, err := os.Stat(in.NetworkFile); err != nil {
		t.Errorf("network file: %v", err)
	}

	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	ev := f.notifier.next(t, EventTypeResult)
	if ev.Data["receiver"] != "receiver-1" || ev.Data["userId"] != "user-1" {
		t.Errorf("event data = %v", ev.Data)
	}
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusSucceed {
		t.Errorf("status = %q, want SUCCEED", status)
	}
	if st, _ := f.coord.State(req.ResultUUID); st.Phase != PhaseCompleted {
		t.Errorf("phase = %v, want COMPLETED", st.Phase)
	}
	if n := f.workDirEntries(t); n != 0 {
		t.Errorf("working directories left = %d, want 0", n)
	}
}

func TestCoordinator_NonConvergedContingencyFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.engine.result = &domain.AnalysisResult{
		PreContingencyStatus: report.ConvergedStatus,
		PostContingency: []domain.PostContingencyResult{
			{ContingencyID: "c1", Status: report.ConvergedStatus},
			{ContingencyID: "c2", Status: "FAILED"},
		},
	}
	req := f.newRun(t)
	req.ReportUUID = uuid.New()
	req.ReporterID = "reporter"

	done := f.start(t, req)
	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	f.notifier.next(t, EventTypeResult)
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusFailed {
		t.Errorf("status = %q, want FAILED", status)
	}
	if root := f.reports.get(req.ReportUUID); root == nil || root.Key != "reporter" {
		t.Errorf("forwarded report = %+v, want root keyed reporter", root)
	}
}

func TestCoordinator_EngineErrorFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.engine.err = errEngine
	f.engine.result = nil
	req := f.newRun(t)
	req.ReportUUID = uuid.New()

	done := f.start(t, req)
	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	ev := f.notifier.next(t, EventTypeFailed)
	if ev.Data["message"] != errEngine.Error() {
		t.Errorf("message = %v, want %q", ev.Data["message"], errEngine)
	}
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusFailed {
		t.Errorf("status = %q, want FAILED", status)
	}
	root := f.reports.get(req.ReportUUID)
	if root == nil || !root.HasChild(sectionComputation) {
		t.Fatalf("partial report not forwarded: %+v", root)
	}
}

func TestCoordinator_EngineErrorRecreatesDeletedRow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.engine.err = errEngine
	req := f.newRun(t)

	done := f.start(t, req)
	testutil.MustReceive(t, f.engine.started, testutil.WithTimeout(5*time.Second))
	if _, err := f.store.DeleteAll(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	if status, ok := f.store.status(req.ResultUUID); !ok || status != domain.StatusFailed {
		t.Errorf("status = %q (found %v), want FAILED", status, ok)
	}
}

func TestCoordinator_CompletionKeepsInvalidatedStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		engineErr error
		wantEvent string
	}{
		{"completed", nil, EventTypeResult},
		{"engine error", errEngine, EventTypeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, false)
			f.engine.err = tt.engineErr
			req := f.newRun(t)

			done := f.start(t, req)
			testutil.MustReceive(t, f.engine.started, testutil.WithTimeout(5*time.Second))
			if _, err := f.store.UpdateStatus(context.Background(), []uuid.UUID{req.ResultUUID}, domain.StatusNotDone); err != nil {
				t.Fatal(err)
			}
			close(f.engine.release)
			testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

			f.notifier.next(t, tt.wantEvent)
			if status, _ := f.store.status(req.ResultUUID); status != domain.StatusNotDone {
				t.Errorf("status = %q, want NOT_DONE", status)
			}
		})
	}
}

func TestCoordinator_AssemblyFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(f *fixture)
		wantCode string
	}{
		{
			name:     "upstream fetch",
			mutate:   func(f *fixture) { f.simulations.err = apperrors.UpstreamResultNotFound("no such result") },
			wantCode: apperrors.CodeUpstreamResultNotFound,
		},
		{
			name: "no contingency resolved",
			mutate: func(f *fixture) {
				f.contingencies.infos = []domain.ContingencyInfos{{ID: "c1", NotFoundElements: []string{"LINE1"}}}
			},
			wantCode: apperrors.CodeContingenciesNotFound,
		},
		{
			name:     "undecodable dynamic model",
			mutate:   func(f *fixture) { f.simulations.models = []byte("not gzip") },
			wantCode: apperrors.CodeDynamicModel,
		},
		{
			name:     "undecodable simulation parameters",
			mutate:   func(f *fixture) { f.simulations.parameters = mustGzip(t, []byte("{")) },
			wantCode: apperrors.CodeSimulationParameters,
		},
		{
			name:     "corrupt dump",
			mutate:   func(f *fixture) { f.simulations.dump = []byte("plain") },
			wantCode: apperrors.CodeDumpFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, false)
			tt.mutate(f)
			req := f.newRun(t)

			rc, err := f.analysis.Assemble(context.Background(), req)
			if code := apperrors.CodeOf(err); code != tt.wantCode {
				t.Fatalf("Assemble() error = %v (code %q), want code %q", err, code, tt.wantCode)
			}
			f.analysis.Cleanup(context.Background(), rc, false)

			done := f.start(t, f.newRun(t))
			testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))
			f.notifier.next(t, EventTypeFailed)
			testutil.MustNotReceive(t, f.engine.started, 50*time.Millisecond)
			if n := f.workDirEntries(t); n != 0 {
				t.Errorf("working directories left = %d, want 0", n)
			}
		})
	}
}

func TestCoordinator_AssemblyFailureMarksFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.contingencies.err = apperrors.UpstreamFetch("get contingencies", "boom")
	req := f.newRun(t)

	done := f.start(t, req)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	f.notifier.next(t, EventTypeFailed)
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusFailed {
		t.Errorf("status = %q, want FAILED", status)
	}
}

func TestCoordinator_StopBeforePickup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	req := f.newRun(t)

	f.coord.Stop(context.Background(), CancelRequest{ResultUUID: req.ResultUUID, Receiver: req.Receiver})
	if got := f.notifier.types(); len(got) != 0 {
		t.Fatalf("events before pickup = %v, want none", got)
	}

	if f.coord.Accept(context.Background(), req) {
		t.Fatal("Accept() = true for a stopped run")
	}
	f.notifier.next(t, EventTypeCancelled)
	if _, ok := f.store.status(req.ResultUUID); ok {
		t.Error("result still stored after cancellation")
	}
	f.coord.Execute(context.Background(), req.ResultUUID)
	testutil.MustNotReceive(t, f.engine.started, 50*time.Millisecond)
}

func TestCoordinator_StopNotStarted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	req := f.newRun(t)
	if !f.coord.Accept(context.Background(), req) {
		t.Fatal("Accept() = false")
	}

	f.coord.Stop(context.Background(), CancelRequest{ResultUUID: req.ResultUUID, Receiver: "override"})
	ev := f.notifier.next(t, EventTypeCancelled)
	if ev.Data["receiver"] != "override" {
		t.Errorf("receiver = %v, want override", ev.Data["receiver"])
	}

	f.coord.Execute(context.Background(), req.ResultUUID)
	testutil.MustNotReceive(t, f.engine.started, 50*time.Millisecond)
	if st, _ := f.coord.State(req.ResultUUID); st.Phase != PhaseCancelled {
		t.Errorf("phase = %v, want CANCELLED", st.Phase)
	}
}

func TestCoordinator_StopWhileAssembling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	f.contingencies.gate = make(chan struct{})
	f.contingencies.entered = make(chan struct{}, 1)
	req := f.newRun(t)

	done := f.start(t, req)
	testutil.MustReceive(t, f.contingencies.entered, testutil.WithTimeout(5*time.Second))

	f.coord.Stop(context.Background(), CancelRequest{ResultUUID: req.ResultUUID})
	ev := f.notifier.next(t, EventTypeCancelFailed)
	if ev.Data["message"] != MessageCancelPreparing {
		t.Errorf("message = %v, want %q", ev.Data["message"], MessageCancelPreparing)
	}

	close(f.contingencies.gate)
	testutil.MustReceive(t, f.engine.started, testutil.WithTimeout(5*time.Second))
	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	f.notifier.next(t, EventTypeResult)
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusSucceed {
		t.Errorf("status = %q, want SUCCEED", status)
	}
	st, _ := f.coord.State(req.ResultUUID)
	if st.Phase != PhaseCompleted || st.Stop != PhaseCancelFailed {
		t.Errorf("state = %v/%v, want COMPLETED/CANCEL_FAILED", st.Phase, st.Stop)
	}
}

func TestCoordinator_StopRunningInterruptible(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	req := f.newRun(t)
	req.Debug = true

	done := f.start(t, req)
	testutil.MustReceive(t, f.engine.started, testutil.WithTimeout(5*time.Second))
	f.waitPhase(t, req.ResultUUID, PhaseRunning)

	f.coord.Stop(context.Background(), CancelRequest{ResultUUID: req.ResultUUID})
	f.notifier.next(t, EventTypeCancelled)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	if _, ok := f.store.status(req.ResultUUID); ok {
		t.Error("result still stored after cancellation")
	}
	if f.artifacts.has(objectstore.DebugKey(req.ResultUUID.String())) {
		t.Error("debug archive saved for a cancelled run")
	}
	if n := f.workDirEntries(t); n != 0 {
		t.Errorf("working directories left = %d, want 0", n)
	}
	testutil.MustNotReceive(t, f.notifier.ch, 50*time.Millisecond)
}

func TestCoordinator_StopRunningNotInterruptible(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	req := f.newRun(t)

	done := f.start(t, req)
	testutil.MustReceive(t, f.engine.started, testutil.WithTimeout(5*time.Second))
	f.waitPhase(t, req.ResultUUID, PhaseRunning)

	f.coord.Stop(context.Background(), CancelRequest{ResultUUID: req.ResultUUID})
	ev := f.notifier.next(t, EventTypeCancelFailed)
	if ev.Data["message"] != MessageCancelRunning {
		t.Errorf("message = %v, want %q", ev.Data["message"], MessageCancelRunning)
	}
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusRunning {
		t.Errorf("status after failed stop = %q, want RUNNING", status)
	}

	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))
	f.notifier.next(t, EventTypeResult)
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusSucceed {
		t.Errorf("status = %q, want SUCCEED", status)
	}
}

func TestCoordinator_StopAfterCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	req := f.newRun(t)

	done := f.start(t, req)
	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))
	f.notifier.next(t, EventTypeResult)

	f.coord.Stop(context.Background(), CancelRequest{ResultUUID: req.ResultUUID})
	ev := f.notifier.next(t, EventTypeCancelFailed)
	if ev.Data["message"] != MessageCancelTooLate {
		t.Errorf("message = %v, want %q", ev.Data["message"], MessageCancelTooLate)
	}
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusSucceed {
		t.Errorf("status = %q, want SUCCEED", status)
	}
}

func TestCoordinator_DebugArchive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	req := f.newRun(t)
	req.Debug = true

	done := f.start(t, req)
	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	key := objectstore.DebugKey(req.ResultUUID.String())
	if !f.artifacts.has(key) {
		t.Fatalf("debug archive %s not uploaded", key)
	}
	location, err := f.store.DebugLocation(context.Background(), req.ResultUUID)
	if err != nil || location != key {
		t.Errorf("DebugLocation() = %q, %v; want %q", location, err, key)
	}
}

func TestCoordinator_DuplicateRunIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	req := f.newRun(t)

	if !f.coord.Accept(context.Background(), req) {
		t.Fatal("first Accept() = false")
	}
	if f.coord.Accept(context.Background(), req) {
		t.Error("second Accept() = true, want false")
	}
}

func TestCoordinator_Abort(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	req := f.newRun(t)
	if !f.coord.Accept(context.Background(), req) {
		t.Fatal("Accept() = false")
	}

	f.coord.Abort(context.Background(), req.ResultUUID, errors.New("shutting down"))
	f.notifier.next(t, EventTypeFailed)
	if status, _ := f.store.status(req.ResultUUID); status != domain.StatusFailed {
		t.Errorf("status = %q, want FAILED", status)
	}

	f.coord.Execute(context.Background(), req.ResultUUID)
	testutil.MustNotReceive(t, f.engine.started, 50*time.Millisecond)
}

func TestCoordinator_Evict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	now := time.Now()
	f.coord.now = func() time.Time { return now }

	settled := f.newRun(t)
	done := f.start(t, settled)
	close(f.engine.release)
	testutil.MustReceive(t, done, testutil.WithTimeout(5*time.Second))

	running := f.newRun(t)
	if !f.coord.Accept(context.Background(), running) {
		t.Fatal("Accept() = false")
	}
	f.coord.Stop(context.Background(), CancelRequest{ResultUUID: uuid.New()})

	if n := f.coord.evict(); n != 0 {
		t.Fatalf("evict() before retention = %d, want 0", n)
	}

	now = now.Add(2 * time.Minute)
	if n := f.coord.evict(); n != 2 {
		t.Errorf("evict() = %d, want 2 (settled run and stale stop)", n)
	}
	if _, ok := f.coord.State(settled.ResultUUID); ok {
		t.Error("settled execution still tracked")
	}
	if _, ok := f.coord.State(running.ResultUUID); !ok {
		t.Error("unsettled execution evicted")
	}
	if got := f.coord.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}
}

func TestPhase_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		phase    Phase
		want     string
		terminal bool
	}{
		{PhaseNotStarted, "NOT_STARTED", false},
		{PhaseAssembling, "ASSEMBLING", false},
		{PhaseRunning, "RUNNING", false},
		{PhaseStopRequested, "STOP_REQUESTED", false},
		{PhaseCancelled, "CANCELLED", true},
		{PhaseCancelFailed, "CANCEL_FAILED", false},
		{PhaseCompleted, "COMPLETED", true},
		{Phase(42), "UNKNOWN", false},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
		if got := tt.phase.Terminal(); got != tt.terminal {
			t.Errorf("%v.Terminal() = %v, want %v", tt.phase, got, tt.terminal)
		}
	}
}
