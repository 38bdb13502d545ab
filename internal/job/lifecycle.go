// Package job runs security analyses asynchronously.
//
// The submission side (Service) validates a request, records the result as
// RUNNING and publishes a run message. The execution side (Worker and
// Coordinator) consumes run and stop messages, drives each run through its
// Lifecycle and settles the race between natural completion and a stop
// request with a single atomic claim per result: whichever side claims first
// performs the terminal transition, the other only emits its event.
package job

import (
	"context"
	"io"

	"github.com/google/uuid"

	"securityanalysis/internal/domain"
	"securityanalysis/internal/provider"
	"securityanalysis/internal/report"
	"securityanalysis/pkg/cloudevent"
)

// Lifecycle is the set of hooks the coordinator drives for one run.
type Lifecycle interface {
	// Assemble fetches every input and materializes the working directory.
	// On error the returned context, if any, still needs Cleanup.
	Assemble(ctx context.Context, req *RunRequest) (*RunContext, error)

	// Dispatch starts the engine and returns without waiting.
	Dispatch(ctx context.Context, rc *RunContext) (*provider.Future, error)

	// OnComplete settles a run whose engine returned. runErr is the engine
	// error, nil when the engine produced a result.
	OnComplete(ctx context.Context, rc *RunContext, result *domain.AnalysisResult, runErr error) domain.Status

	// OnFailure settles a run that failed before the engine was started.
	OnFailure(ctx context.Context, req *RunRequest, err error)

	// OnCancel removes a cancelled run and acknowledges the stop.
	OnCancel(ctx context.Context, req *RunRequest)

	// OnCancelFailed reports a stop request that could not be honored.
	OnCancelFailed(ctx context.Context, req *RunRequest, reason string)

	// Cleanup releases the run's resources. It never fails.
	Cleanup(ctx context.Context, rc *RunContext, cancelled bool)
}

// ResultStore persists result records.
type ResultStore interface {
	Insert(ctx context.Context, id uuid.UUID, status domain.Status) error
	SaveStatus(ctx context.Context, id uuid.UUID, status domain.Status) error
	CompleteStatus(ctx context.Context, id uuid.UUID, status domain.Status) (bool, error)
	UpdateStatus(ctx context.Context, ids []uuid.UUID, status domain.Status) ([]uuid.UUID, error)
	FindStatus(ctx context.Context, id uuid.UUID) (domain.Status, error)
	UpsertDebugLocation(ctx context.Context, id uuid.UUID, location string) error
	DebugLocation(ctx context.Context, id uuid.UUID) (string, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteAll(ctx context.Context, ids []uuid.UUID) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// ParameterSource resolves stored parameter sets.
type ParameterSource interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.ParameterSet, error)
	DefaultProvider() string
}

// ContingencySource resolves contingency lists against a network.
type ContingencySource interface {
	GetContingencies(ctx context.Context, listIDs []uuid.UUID, networkUUID uuid.UUID, variantID string) ([]domain.ContingencyInfos, error)
}

// SimulationSource serves the artifacts of a prior dynamic simulation.
type SimulationSource interface {
	OutputState(ctx context.Context, resultUUID uuid.UUID) ([]byte, error)
	DynamicModel(ctx context.Context, resultUUID uuid.UUID) ([]byte, error)
	Parameters(ctx context.Context, resultUUID uuid.UUID) ([]byte, error)
}

// NetworkSource exports network snapshots.
type NetworkSource interface {
	Export(ctx context.Context, networkUUID uuid.UUID, variantID string, w io.Writer) (int64, error)
}

// ReportSink stores run reports.
type ReportSink interface {
	SendReport(ctx context.Context, reportUUID uuid.UUID, root *report.Node) error
}

// ArtifactStore keeps debug archives.
type ArtifactStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// Engines resolves and starts engines by name.
type Engines interface {
	Has(name string) bool
	Names() []string
	Dispatch(ctx context.Context, name string, in *provider.Input) (*provider.Future, error)
}

// Notifier delivers lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, ev *cloudevent.CloudEvent) error
}

// MetricsRecorder is an optional interface for recording analysis metrics.
type MetricsRecorder interface {
	RecordAnalysisSubmitted(ctx context.Context, provider string)
	RecordAnalysisStarted(ctx context.Context, provider string)
	RecordAnalysisFinished(ctx context.Context, provider, status string, durationSeconds float64)
	RecordCancellation(ctx context.Context, outcome string)
}
