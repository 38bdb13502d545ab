package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"securityanalysis/internal/domain"
	"securityanalysis/internal/provider"
)

// settleTimeout bounds the terminal writes of a run once its context is gone.
const settleTimeout = 30 * time.Second

// Phase is the coordinator-side state of one execution.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseAssembling
	PhaseRunning
	PhaseStopRequested
	PhaseCancelled
	PhaseCancelFailed
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "NOT_STARTED"
	case PhaseAssembling:
		return "ASSEMBLING"
	case PhaseRunning:
		return "RUNNING"
	case PhaseStopRequested:
		return "STOP_REQUESTED"
	case PhaseCancelled:
		return "CANCELLED"
	case PhaseCancelFailed:
		return "CANCEL_FAILED"
	case PhaseCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the run has settled.
func (p Phase) Terminal() bool {
	return p == PhaseCancelled || p == PhaseCompleted
}

// Cancellation outcomes reported to metrics.
const (
	cancelSuccess = "success"
	cancelFailed  = "failed"
	cancelPending = "pending"
)

// ExecutionState is a snapshot of one execution. Stop is the outcome of the
// latest stop request: PhaseNotStarted when none arrived, then
// PhaseStopRequested, PhaseCancelled or PhaseCancelFailed. A failed stop
// leaves the run going; Phase still reaches PhaseCompleted.
type ExecutionState struct {
	Phase Phase
	Stop  Phase
}

type execution struct {
	req *RunRequest

	// claimed is set by whichever of completion and cancellation performs
	// the terminal transition.
	claimed atomic.Bool

	mu         sync.Mutex
	phase      Phase
	stop       Phase
	future     *provider.Future
	finishedAt time.Time
}

func (e *execution) claim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

type pendingStop struct {
	req CancelRequest
	at  time.Time
}

// Coordinator tracks the executions of this instance and correlates stop
// requests with them.
type Coordinator struct {
	lifecycle Lifecycle
	metrics   MetricsRecorder
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	executions map[uuid.UUID]*execution
	pending    map[uuid.UUID]pendingStop
}

// NewCoordinator creates a coordinator. Settled executions and unmatched
// stop requests are forgotten after retention.
func NewCoordinator(lc Lifecycle, metrics MetricsRecorder, retention time.Duration) *Coordinator {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Coordinator{
		lifecycle:  lc,
		metrics:    metrics,
		retention:  retention,
		logger:     slog.With("component", "coordinator"),
		now:        time.Now,
		executions: make(map[uuid.UUID]*execution),
		pending:    make(map[uuid.UUID]pendingStop),
	}
}

// Accept registers a run before it waits for an execution slot. It returns
// false when the run must not be executed: a redelivered message, or a run
// whose stop request arrived first, in which case it is cancelled here.
func (c *Coordinator) Accept(ctx context.Context, req *RunRequest) bool {
	id := req.ResultUUID
	c.mu.Lock()
	if _, dup := c.executions[id]; dup {
		c.mu.Unlock()
		c.logger.Warn("Duplicate run message ignored", "resultUuid", id)
		return false
	}
	exec := &execution{req: req}
	c.executions[id] = exec
	stop, stopped := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if stopped {
		c.logger.Info("Run picked up after stop request", "resultUuid", id)
		c.Stop(ctx, stop.req)
		return false
	}
	return true
}

// Execute drives an accepted run to a terminal phase. It blocks until the
// engine returns.
func (c *Coordinator) Execute(ctx context.Context, id uuid.UUID) {
	exec := c.lookup(id)
	if exec == nil {
		return
	}
	exec.mu.Lock()
	if exec.phase != PhaseNotStarted {
		exec.mu.Unlock()
		return
	}
	exec.phase = PhaseAssembling
	exec.mu.Unlock()

	req := exec.req
	start := c.now()
	if c.metrics != nil {
		c.metrics.RecordAnalysisStarted(ctx, req.Provider)
	}

	rc, err := c.lifecycle.Assemble(ctx, req)
	if err != nil {
		c.fail(ctx, exec, rc, err, start)
		return
	}

	exec.mu.Lock()
	future, err := c.lifecycle.Dispatch(ctx, rc)
	if err != nil {
		exec.mu.Unlock()
		c.fail(ctx, exec, rc, err, start)
		return
	}
	exec.future = future
	exec.phase = PhaseRunning
	exec.mu.Unlock()

	<-future.Done()
	result, runErr := future.Wait(context.Background())

	settle, cancel := settleContext(ctx)
	defer cancel()

	if future.Cancelled() || errors.Is(runErr, provider.ErrCancelled) || !exec.claim() {
		// The stop path owns the terminal transition.
		c.finish(ctx, exec, "CANCELLED", start)
		c.lifecycle.Cleanup(settle, rc, true)
		return
	}

	status := c.lifecycle.OnComplete(settle, rc, result, runErr)
	c.finish(ctx, exec, string(status), start)
	c.lifecycle.Cleanup(settle, rc, false)
}

// Abort fails an accepted run that could not get an execution slot.
func (c *Coordinator) Abort(ctx context.Context, id uuid.UUID, cause error) {
	exec := c.lookup(id)
	if exec == nil {
		return
	}
	exec.mu.Lock()
	if exec.phase != PhaseNotStarted || !exec.claim() {
		exec.mu.Unlock()
		return
	}
	exec.phase = PhaseCompleted
	exec.finishedAt = c.now()
	exec.mu.Unlock()

	settle, cancel := settleContext(ctx)
	defer cancel()
	c.lifecycle.OnFailure(settle, exec.req, cause)
}

// Stop handles a stop request. Requests for runs this instance has not
// picked up yet are kept until the run arrives or retention expires.
func (c *Coordinator) Stop(ctx context.Context, req CancelRequest) {
	logger := c.logger.With("resultUuid", req.ResultUUID)
	c.mu.Lock()
	exec, ok := c.executions[req.ResultUUID]
	if !ok {
		c.pending[req.ResultUUID] = pendingStop{req: req, at: c.now()}
		c.mu.Unlock()
		logger.Debug("Stop request recorded before run pickup")
		c.recordCancellation(ctx, cancelPending)
		return
	}
	c.mu.Unlock()

	run := exec.req
	if req.Receiver != "" && req.Receiver != run.Receiver {
		copied := *run
		copied.Receiver = req.Receiver
		run = &copied
	}

	exec.mu.Lock()
	var reason string
	switch exec.phase {
	case PhaseNotStarted:
		if exec.claim() {
			exec.phase = PhaseCancelled
			exec.stop = PhaseCancelled
			exec.finishedAt = c.now()
			exec.mu.Unlock()
			c.cancelled(ctx, run)
			return
		}
		reason = MessageCancelTooLate
	case PhaseAssembling:
		reason = MessageCancelPreparing
	case PhaseRunning:
		exec.stop = PhaseStopRequested
		if exec.future.Cancel() && exec.claim() {
			exec.phase = PhaseCancelled
			exec.stop = PhaseCancelled
			exec.finishedAt = c.now()
			exec.mu.Unlock()
			c.cancelled(ctx, run)
			return
		}
		reason = MessageCancelRunning
		select {
		case <-exec.future.Done():
			reason = MessageCancelTooLate
		default:
		}
	default:
		reason = MessageCancelTooLate
	}
	exec.stop = PhaseCancelFailed
	exec.mu.Unlock()

	c.recordCancellation(ctx, cancelFailed)
	c.lifecycle.OnCancelFailed(ctx, run, reason)
}

func (c *Coordinator) cancelled(ctx context.Context, run *RunRequest) {
	c.recordCancellation(ctx, cancelSuccess)
	settle, cancel := settleContext(ctx)
	defer cancel()
	c.lifecycle.OnCancel(settle, run)
}

// State returns a snapshot of the execution of id.
func (c *Coordinator) State(id uuid.UUID) (ExecutionState, bool) {
	exec := c.lookup(id)
	if exec == nil {
		return ExecutionState{}, false
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return ExecutionState{Phase: exec.phase, Stop: exec.stop}, true
}

// Active returns the number of executions not yet settled.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	execs := make([]*execution, 0, len(c.executions))
	for _, exec := range c.executions {
		execs = append(execs, exec)
	}
	c.mu.Unlock()

	active := 0
	for _, exec := range execs {
		exec.mu.Lock()
		if !exec.phase.Terminal() {
			active++
		}
		exec.mu.Unlock()
	}
	return active
}

// Run evicts settled executions and stale stop requests until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	interval := max(c.retention/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.evict(); n > 0 {
				c.logger.Debug("Evicted settled executions", "count", n)
			}
		}
	}
}

func (c *Coordinator) evict() int {
	cutoff := c.now().Add(-c.retention)

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, stop := range c.pending {
		if stop.at.Before(cutoff) {
			delete(c.pending, id)
			evicted++
		}
	}
	for id, exec := range c.executions {
		exec.mu.Lock()
		settled := exec.phase.Terminal() && exec.finishedAt.Before(cutoff)
		exec.mu.Unlock()
		if settled {
			delete(c.executions, id)
			evicted++
		}
	}
	return evicted
}

func (c *Coordinator) lookup(id uuid.UUID) *execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executions[id]
}

func (c *Coordinator) fail(ctx context.Context, exec *execution, rc *RunContext, cause error, start time.Time) {
	settle, cancel := settleContext(ctx)
	defer cancel()
	if exec.claim() {
		c.lifecycle.OnFailure(settle, exec.req, cause)
	}
	c.finish(ctx, exec, string(domain.StatusFailed), start)
	c.lifecycle.Cleanup(settle, rc, false)
}

// finish marks a run settled unless the stop path already did.
func (c *Coordinator) finish(ctx context.Context, exec *execution, status string, start time.Time) {
	exec.mu.Lock()
	if exec.phase != PhaseCancelled {
		exec.phase = PhaseCompleted
		exec.finishedAt = c.now()
	}
	exec.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordAnalysisFinished(ctx, exec.req.Provider, status, c.now().Sub(start).Seconds())
	}
}

func (c *Coordinator) recordCancellation(ctx context.Context, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordCancellation(ctx, outcome)
	}
}

// settleContext keeps terminal writes alive after ctx is cancelled.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
