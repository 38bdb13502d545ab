package provider

import (
	"context"
	"errors"
	"sync/atomic"

	"securityanalysis/internal/domain"
)

// ErrCancelled is returned by Future.Wait when the run was cancelled.
var ErrCancelled = errors.New("computation cancelled")

const (
	futurePending int32 = iota
	futureRunning
	futureDone
	futureCancelled
)

// Future is the handle of one engine run.
type Future struct {
	state         atomic.Int32
	interruptible bool
	cancel        context.CancelFunc
	done          chan struct{}

	result *domain.AnalysisResult
	err    error
}

// Start runs e on its own goroutine and returns immediately.
func Start(ctx context.Context, e Engine, in *Input) *Future {
	runCtx, cancel := context.WithCancel(ctx)
	f := &Future{
		interruptible: e.Interruptible(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go f.run(runCtx, e, in)
	return f
}

func (f *Future) run(ctx context.Context, e Engine, in *Input) {
	defer close(f.done)
	defer f.cancel()

	if !f.state.CompareAndSwap(futurePending, futureRunning) {
		f.err = ErrCancelled
		return
	}

	result, err := e.Run(ctx, in)
	if f.state.CompareAndSwap(futureRunning, futureDone) {
		f.result, f.err = result, err
		return
	}
	f.err = ErrCancelled
}

// Cancel attempts to cancel the run. It succeeds if the engine has not
// started yet, or if it has started and honors interruption. It never
// succeeds once the run has completed.
func (f *Future) Cancel() bool {
	if f.state.CompareAndSwap(futurePending, futureCancelled) {
		f.cancel()
		return true
	}
	if f.interruptible && f.state.CompareAndSwap(futureRunning, futureCancelled) {
		f.cancel()
		return true
	}
	return false
}

// Done is closed when the run goroutine has returned.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Cancelled reports whether Cancel succeeded.
func (f *Future) Cancelled() bool {
	return f.state.Load() == futureCancelled
}

// Wait blocks until the run finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*domain.AnalysisResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
