package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
	"securityanalysis/internal/objectstore"
	"securityanalysis/internal/provider"
	"securityanalysis/internal/report"
	"securityanalysis/internal/workdir"
	"securityanalysis/pkg/cloudevent"
)

// NetworkFileName is the network snapshot written into the working directory.
const NetworkFileName = "network.xiidm"

// Report section keys.
const (
	sectionAssembly    = "dsaInputs"
	sectionComputation = "dsaComputation"
)

// AnalysisDeps are the collaborators of Analysis.
type AnalysisDeps struct {
	Store         ResultStore
	Contingencies ContingencySource
	Simulations   SimulationSource
	Networks      NetworkSource
	Reports       ReportSink
	Artifacts     ArtifactStore // nil disables debug archives
	Engines       Engines
	Notifier      Notifier
	WorkDirRoot   string
}

// Analysis is the Lifecycle of a dynamic security analysis run.
type Analysis struct {
	deps   AnalysisDeps
	logger *slog.Logger
}

// NewAnalysis creates the lifecycle.
func NewAnalysis(deps AnalysisDeps) *Analysis {
	return &Analysis{
		deps:   deps,
		logger: slog.With("component", "analysis"),
	}
}

// priorArtifacts are the raw payloads of the prior dynamic simulation.
type priorArtifacts struct {
	dump       []byte
	models     []byte
	parameters []byte
}

// Assemble fetches contingencies, prior-stage artifacts and the network
// concurrently, then decodes and merges them. The engine is never started
// unless every step succeeded.
func (a *Analysis) Assemble(ctx context.Context, req *RunRequest) (*RunContext, error) {
	rc := &RunContext{
		Request: req,
		Report:  report.NewBuilder(req.ReporterID, req.ReportType),
	}
	if len(req.Parameters.ContingencyListIDs) == 0 {
		return rc, apperrors.ContingencyListEmpty()
	}

	dir, err := workdir.Create(a.deps.WorkDirRoot)
	if err != nil {
		return rc, err
	}
	rc.WorkDir = dir

	var (
		infos []domain.ContingencyInfos
		prior priorArtifacts
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		infos, err = a.deps.Contingencies.GetContingencies(gctx, req.Parameters.ContingencyListIDs, req.NetworkUUID, req.VariantID)
		return err
	})
	g.Go(func() (err error) {
		prior.dump, err = a.deps.Simulations.OutputState(gctx, req.DynamicSimulationResultUUID)
		return err
	})
	g.Go(func() (err error) {
		prior.models, err = a.deps.Simulations.DynamicModel(gctx, req.DynamicSimulationResultUUID)
		return err
	})
	g.Go(func() (err error) {
		prior.parameters, err = a.deps.Simulations.Parameters(gctx, req.DynamicSimulationResultUUID)
		return err
	})
	g.Go(func() (err error) {
		rc.NetworkFile, err = a.exportNetwork(gctx, req, dir)
		return err
	})
	if err := g.Wait(); err != nil {
		return rc, err
	}

	rc.Contingencies = domain.ResolvedContingencies(infos)
	reportContingencies(rc.Report, infos)
	if len(rc.Contingencies) == 0 {
		return rc, apperrors.ContingenciesNotFound("No contingency could be resolved on network " + req.NetworkUUID.String())
	}

	if err := workdir.UnzipJSON(prior.models, &rc.DynamicModels); err != nil {
		return rc, apperrors.DynamicModelDecode(err)
	}
	var priorParameters domain.SimulationParameters
	if err := workdir.UnzipJSON(prior.parameters, &priorParameters); err != nil {
		return rc, apperrors.ParametersDecode(err)
	}
	rc.EngineParameters = domain.MergeParameters(priorParameters, req.Parameters)

	if rc.DumpFile, err = dir.MaterializeDump(prior.dump); err != nil {
		return rc, err
	}
	return rc, nil
}

func (a *Analysis) exportNetwork(ctx context.Context, req *RunRequest, dir *workdir.Dir) (string, error) {
	path := dir.Join(NetworkFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", apperrors.WorkingDirectory("network.create", err)
	}
	_, exportErr := a.deps.Networks.Export(ctx, req.NetworkUUID, req.VariantID, f)
	closeErr := f.Close()
	if exportErr != nil {
		return "", exportErr
	}
	if closeErr != nil {
		return "", apperrors.WorkingDirectory("network.write", closeErr)
	}
	return path, nil
}

// reportContingencies records the elements the contingency collaborator
// could not resolve or found disconnected.
func reportContingencies(b *report.Builder, infos []domain.ContingencyInfos) {
	var section *report.Node
	for _, info := range infos {
		if len(info.NotFoundElements) == 0 && len(info.NotConnectedElements) == 0 && info.Contingency != nil {
			continue
		}
		if section == nil {
			section = b.Section(sectionAssembly, "Contingencies")
		}
		switch {
		case info.Contingency == nil:
			section.Addf("contingencyNotResolved", report.SeverityWarn, "Contingency %s could not be resolved", info.ID)
		case len(info.NotFoundElements) > 0:
			section.Addf("contingencyElementsNotFound", report.SeverityWarn, "Contingency %s: elements not found %v", info.ID, info.NotFoundElements)
		}
		if len(info.NotConnectedElements) > 0 {
			section.Addf("contingencyElementsNotConnected", report.SeverityWarn, "Contingency %s: elements not connected %v", info.ID, info.NotConnectedElements)
		}
	}
}

// Dispatch starts the requested engine on the assembled inputs.
func (a *Analysis) Dispatch(ctx context.Context, rc *RunContext) (*provider.Future, error) {
	req := rc.Request
	in := &provider.Input{
		ResultUUID:    req.ResultUUID,
		NetworkUUID:   req.NetworkUUID,
		VariantID:     req.VariantID,
		NetworkFile:   rc.NetworkFile,
		DumpFile:      rc.DumpFile,
		WorkDir:       rc.WorkDir,
		DynamicModels: func() []domain.DynamicModelConfig { return rc.DynamicModels },
		Contingencies: func() []domain.Contingency { return rc.Contingencies },
		Parameters:    rc.EngineParameters,
		Report:        rc.Report.Section(sectionComputation, "Security analysis computation"),
	}
	return a.deps.Engines.Dispatch(ctx, req.Provider, in)
}

// OnComplete classifies and stores the outcome, forwards the report and
// emits the result or failed event.
func (a *Analysis) OnComplete(ctx context.Context, rc *RunContext, result *domain.AnalysisResult, runErr error) domain.Status {
	req := rc.Request
	logger := a.logger.With("resultUuid", req.ResultUUID)
	events := NewEventBuilder(req.ResultUUID.String(), req.Receiver, req.UserID)

	if runErr != nil {
		logger.Error("Engine execution failed", "provider", req.Provider, "error", runErr)
		// The row may have been removed concurrently; re-insert it.
		if err := a.deps.Store.SaveStatus(ctx, req.ResultUUID, domain.StatusFailed); err != nil {
			logger.Error("Failed to save status", "status", domain.StatusFailed, "error", err)
		}
		rc.Report.Section(sectionComputation, "Security analysis computation").
			Addf("dsaEngineFailure", report.SeverityError, "Computation failed: %v", runErr)
		a.forwardReport(ctx, rc)
		a.notify(ctx, events.BuildFailedEvent(runErr))
		return domain.StatusFailed
	}

	status := result.Outcome()
	if req.ReportRequested() {
		if n := report.Enrich(rc.Report.Root(), result.ContingencyOutcomes()); n > 0 {
			logger.Debug("Report enriched", "contingencies", n)
		}
		a.forwardReport(ctx, rc)
	}

	completed, err := a.deps.Store.CompleteStatus(ctx, req.ResultUUID, status)
	switch {
	case err != nil:
		logger.Error("Failed to update status", "status", status, "error", err)
	case !completed:
		logger.Warn("Result deleted or invalidated before completion, status kept", "status", status)
	default:
		logger.Info("Security analysis complete", "status", status)
	}
	a.notify(ctx, events.BuildResultEvent())
	return status
}

// OnFailure marks a run that never reached the engine as FAILED.
func (a *Analysis) OnFailure(ctx context.Context, req *RunRequest, cause error) {
	logger := a.logger.With("resultUuid", req.ResultUUID)
	logger.Error("Security analysis failed", "code", apperrors.CodeOf(cause), "error", cause)
	if err := a.deps.Store.SaveStatus(ctx, req.ResultUUID, domain.StatusFailed); err != nil {
		logger.Error("Failed to save status", "status", domain.StatusFailed, "error", err)
	}
	a.notify(ctx, NewEventBuilder(req.ResultUUID.String(), req.Receiver, req.UserID).BuildFailedEvent(cause))
}

// OnCancel deletes the result and acknowledges the stop.
func (a *Analysis) OnCancel(ctx context.Context, req *RunRequest) {
	logger := a.logger.With("resultUuid", req.ResultUUID)
	if err := a.deps.Store.Delete(ctx, req.ResultUUID); err != nil {
		logger.Error("Failed to delete cancelled result", "error", err)
	}
	logger.Info("Security analysis cancelled")
	a.notify(ctx, NewEventBuilder(req.ResultUUID.String(), req.Receiver, req.UserID).BuildCancelledEvent())
}

// OnCancelFailed reports a stop that came too late.
func (a *Analysis) OnCancelFailed(ctx context.Context, req *RunRequest, reason string) {
	a.logger.Info("Security analysis cancel failed", "resultUuid", req.ResultUUID, "reason", reason)
	a.notify(ctx, NewEventBuilder(req.ResultUUID.String(), req.Receiver, req.UserID).BuildCancelFailedEvent(reason))
}

// Cleanup archives the working directory when debug was requested and the
// run was not cancelled, then removes it.
func (a *Analysis) Cleanup(ctx context.Context, rc *RunContext, cancelled bool) {
	if rc == nil || rc.WorkDir == nil {
		return
	}
	logger := a.logger.With("resultUuid", rc.Request.ResultUUID)

	if rc.Request.Debug && !cancelled {
		if err := a.saveDebugArchive(ctx, rc); err != nil {
			logger.Error("Failed to save debug archive", "error", err)
		}
	}
	if err := rc.WorkDir.Remove(); err != nil {
		logger.Warn("Failed to remove working directory", "error", err)
	}
}

func (a *Analysis) saveDebugArchive(ctx context.Context, rc *RunContext) error {
	if a.deps.Artifacts == nil {
		return errors.New("no artifact store configured")
	}
	id := rc.Request.ResultUUID
	key := objectstore.DebugKey(id.String())

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(rc.WorkDir.Snapshot(ctx, pw))
	}()
	if err := a.deps.Artifacts.Put(ctx, key, pr, -1); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return a.deps.Store.UpsertDebugLocation(ctx, id, key)
}

func (a *Analysis) forwardReport(ctx context.Context, rc *RunContext) {
	req := rc.Request
	if !req.ReportRequested() {
		return
	}
	if err := a.deps.Reports.SendReport(ctx, req.ReportUUID, rc.Report.Root()); err != nil {
		a.logger.Error("Failed to forward report", "resultUuid", req.ResultUUID, "reportUuid", req.ReportUUID, "error", err)
	}
}

func (a *Analysis) notify(ctx context.Context, ev *cloudevent.CloudEvent) {
	if a.deps.Notifier == nil {
		return
	}
	if err := a.deps.Notifier.Notify(ctx, ev); err != nil {
		a.logger.Warn("Failed to queue event", "type", ev.Type, "resultUuid", ev.Subject, "error", err)
	}
}

var _ Lifecycle = (*Analysis)(nil)
