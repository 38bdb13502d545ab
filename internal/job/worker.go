package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"securityanalysis/internal/messaging"
)

// Worker consumes run and stop messages. Handlers return as soon as the
// work is handed to the coordinator; at most maxConcurrent runs execute at
// once on this instance.
type Worker struct {
	queue messaging.Queue
	coord *Coordinator
	slots *semaphore.Weighted

	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup
	loop       sync.WaitGroup

	mu     sync.Mutex
	unsubs []func()

	logger *slog.Logger
}

// NewWorker creates a worker.
func NewWorker(queue messaging.Queue, coord *Coordinator, maxConcurrent int) *Worker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:      queue,
		coord:      coord,
		slots:      semaphore.NewWeighted(int64(maxConcurrent)),
		runCtx:     runCtx,
		cancelRuns: cancel,
		logger:     slog.With("component", "worker"),
	}
}

// Start subscribes to the run work queue and the stop broadcast and starts
// the coordinator maintenance loop.
func (w *Worker) Start(ctx context.Context) error {
	stopRuns, err := w.queue.Subscribe(ctx, messaging.SubjectRun, w.HandleRun)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.SubjectRun, err)
	}
	stopCancels, err := w.queue.SubscribeBroadcast(ctx, messaging.SubjectCancel, w.HandleCancel)
	if err != nil {
		stopRuns()
		return fmt.Errorf("subscribe %s: %w", messaging.SubjectCancel, err)
	}

	w.mu.Lock()
	w.unsubs = append(w.unsubs, stopRuns, stopCancels)
	w.mu.Unlock()

	w.loop.Go(func() { w.coord.Run(w.runCtx) })
	w.logger.Info("Worker started")
	return nil
}

// HandleRun accepts a run message and executes it in the background.
// Undecodable messages are dropped: redelivery cannot fix them.
func (w *Worker) HandleRun(ctx context.Context, msg *messaging.Message) error {
	var req RunRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.logger.Error("Dropping undecodable run message", "error", err)
		return nil
	}
	if err := req.Validate(); err != nil {
		w.logger.Error("Dropping invalid run message", "error", err)
		return nil
	}
	if !w.coord.Accept(ctx, &req) {
		return nil
	}

	w.runs.Go(func() {
		if err := w.slots.Acquire(w.runCtx, 1); err != nil {
			w.coord.Abort(w.runCtx, req.ResultUUID, errors.New("service shutting down before the analysis could start"))
			return
		}
		defer w.slots.Release(1)
		w.coord.Execute(w.runCtx, req.ResultUUID)
	})
	return nil
}

// HandleCancel applies a stop broadcast.
func (w *Worker) HandleCancel(ctx context.Context, msg *messaging.Message) error {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		w.logger.Error("Dropping undecodable stop message", "error", err)
		return nil
	}
	w.coord.Stop(ctx, req)
	return nil
}

// Shutdown stops consuming, waits for running analyses until ctx is done and
// then interrupts the remaining ones.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.runs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		w.logger.Warn("Shutdown timed out, interrupting running analyses", "active", w.coord.Active())
	}
	w.cancelRuns()
	w.runs.Wait()
	w.loop.Wait()
	return err
}
