package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
	"securityanalysis/internal/testutil"
)

type fakeEngine struct {
	name          string
	interruptible bool
	started       chan struct{}
	release       chan struct{}
	result        *domain.AnalysisResult
	err           error
}

func newFakeEngine(name string, interruptible bool) *fakeEngine {
	return &fakeEngine{
		name:          name,
		interruptible: interruptible,
		started:       make(chan struct{}),
		release:       make(chan struct{}),
		result:        &domain.AnalysisResult{PreContingencyStatus: "CONVERGED"},
	}
}

func (e *fakeEngine) Name() string        { return e.name }
func (e *fakeEngine) Interruptible() bool { return e.interruptible }

func (e *fakeEngine) Run(ctx context.Context, in *Input) (*domain.AnalysisResult, error) {
	close(e.started)
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

func TestRegistry(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(newFakeEngine("Dynawo", false), newFakeEngine("Alt", true))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if !r.Has("Dynawo") || r.Has("dynawo") {
		t.Error("lookup must be exact")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "Alt" || names[1] != "Dynawo" {
		t.Errorf("Names() = %v", names)
	}

	_, err = r.Dispatch(context.Background(), "Unknown", &Input{})
	if !apperrors.HasCode(err, apperrors.CodeProviderNotFound) {
		t.Errorf("expected provider not found, got %v", err)
	}

	if _, err := NewRegistry(newFakeEngine("A", false), newFakeEngine("A", false)); err == nil {
		t.Error("expected duplicate error")
	}
}

func TestFutureCompletes(t *testing.T) {
	t.Parallel()
	e := newFakeEngine("Dynawo", false)
	f := Start(context.Background(), e, &Input{})
	close(e.release)

	result, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result != e.result {
		t.Error("unexpected result")
	}
	if f.Cancel() {
		t.Error("Cancel() must fail after completion")
	}
	if f.Cancelled() {
		t.Error("completed future reported cancelled")
	}
}

func TestFutureCancelWhileRunningNotInterruptible(t *testing.T) {
	t.Parallel()
	e := newFakeEngine("Dynawo", false)
	f := Start(context.Background(), e, &Input{})
	<-e.started

	if f.Cancel() {
		t.Error("Cancel() must fail once a non-interruptible engine runs")
	}
	close(e.release)
	if _, err := f.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestFutureCancelWhileRunningInterruptible(t *testing.T) {
	t.Parallel()
	e := newFakeEngine("Dynawo", true)
	f := Start(context.Background(), e, &Input{})
	<-e.started

	if !f.Cancel() {
		t.Fatal("Cancel() should succeed for an interruptible engine")
	}
	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait() error = %v, want ErrCancelled", err)
	}
	if !f.Cancelled() {
		t.Error("expected Cancelled()")
	}
	if f.Cancel() {
		t.Error("second Cancel() must not succeed again")
	}
}

func TestFutureCancelBeforeStart(t *testing.T) {
	t.Parallel()
	e := newFakeEngine("Dynawo", false)
	f := &Future{cancel: func() {}, done: make(chan struct{})}

	if !f.Cancel() {
		t.Fatal("Cancel() should succeed on a pending future")
	}
	go f.run(context.Background(), e, &Input{})

	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait() error = %v, want ErrCancelled", err)
	}
	select {
	case <-e.started:
		t.Error("engine must not run after a pending cancellation")
	default:
	}
}

func TestFutureWaitHonorsContext(t *testing.T) {
	t.Parallel()
	e := newFakeEngine("Dynawo", false)
	f := Start(context.Background(), e, &Input{})
	defer close(e.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestFutureDoneClosed(t *testing.T) {
	t.Parallel()
	e := newFakeEngine("Dynawo", false)
	e.err = errors.New("engine crashed")
	f := Start(context.Background(), e, &Input{})
	close(e.release)

	testutil.MustWaitFor(t, "future done", func() bool {
		select {
		case <-f.Done():
			return true
		default:
			return false
		}
	}, testutil.WithTimeout(5*time.Second))
	if _, err := f.Wait(context.Background()); err == nil || err.Error() != "engine crashed" {
		t.Errorf("Wait() error = %v", err)
	}
}

func TestInputVariant(t *testing.T) {
	t.Parallel()
	if (&Input{}).Variant() != InitialVariant {
		t.Error("expected initial variant sentinel")
	}
	if (&Input{VariantID: "v1"}).Variant() != "v1" {
		t.Error("expected explicit variant")
	}
}
