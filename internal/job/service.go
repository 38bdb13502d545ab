package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"securityanalysis/internal/apperrors"
	"securityanalysis/internal/domain"
	"securityanalysis/internal/messaging"
)

// ServiceDeps are the collaborators of the submission side.
type ServiceDeps struct {
	Store      ResultStore
	Parameters ParameterSource
	Engines    Engines
	Queue      messaging.Queue
	Artifacts  ArtifactStore
	Notifier   Notifier
	Metrics    MetricsRecorder
}

// Service is the submission side. It holds no run state: every instance can
// accept, query and stop any result.
type Service struct {
	deps ServiceDeps
}

// NewService creates a new analysis service.
func NewService(deps ServiceDeps) *Service {
	return &Service{deps: deps}
}

// Run validates a submission, records it as RUNNING and publishes the run
// message. Validation failures leave no record behind.
func (s *Service) Run(ctx context.Context, sub SubmitRequest) (uuid.UUID, error) {
	if sub.NetworkUUID == uuid.Nil {
		return uuid.Nil, apperrors.Validation("networkUuid", "is required")
	}
	if sub.DynamicSimulationResultUUID == uuid.Nil {
		return uuid.Nil, apperrors.Validation("dynamicSimulationResultUuid", "is required")
	}
	if sub.ParametersUUID == uuid.Nil {
		return uuid.Nil, apperrors.Validation("parametersUuid", "is required")
	}

	params, err := s.deps.Parameters.Get(ctx, sub.ParametersUUID)
	if err != nil {
		return uuid.Nil, err
	}

	name := sub.Provider
	if name == "" {
		name = params.Provider
	}
	if name == "" {
		name = s.deps.Parameters.DefaultProvider()
	}
	if !s.deps.Engines.Has(name) {
		return uuid.Nil, apperrors.ProviderNotFound(name)
	}
	if len(params.ContingencyListIDs) == 0 {
		return uuid.Nil, apperrors.ContingencyListEmpty()
	}

	req := &RunRequest{
		ResultUUID:                  uuid.New(),
		NetworkUUID:                 sub.NetworkUUID,
		VariantID:                   sub.VariantID,
		Receiver:                    sub.Receiver,
		ReportUUID:                  sub.ReportUUID,
		ReporterID:                  sub.ReporterID,
		ReportType:                  sub.ReportType,
		Provider:                    name,
		UserID:                      sub.UserID,
		DynamicSimulationResultUUID: sub.DynamicSimulationResultUUID,
		Parameters:                  *params,
		Debug:                       sub.Debug,
	}
	logger := slog.With("resultUuid", req.ResultUUID, "provider", name)

	if err := s.deps.Store.Insert(ctx, req.ResultUUID, domain.StatusRunning); err != nil {
		return uuid.Nil, apperrors.Internal("insert result", err)
	}

	body, err := json.Marshal(req)
	if err == nil {
		err = s.deps.Queue.Publish(ctx, &messaging.Message{
			Subject: messaging.SubjectRun,
			Data:    body,
			Header:  map[string]string{"resultUuid": req.ResultUUID.String()},
		})
	}
	if err != nil {
		logger.Error("Run message not published, removing result", "error", err)
		if derr := s.deps.Store.Delete(context.WithoutCancel(ctx), req.ResultUUID); derr != nil {
			logger.Warn("Result removal failed", "error", derr)
		}
		return uuid.Nil, apperrors.Internal("publish run", err)
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordAnalysisSubmitted(ctx, name)
	}
	logger.Info("Analysis submitted", "networkUuid", req.NetworkUUID, "debug", req.Debug)
	return req.ResultUUID, nil
}

// Status returns the status of id. found is false for an unknown result.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (status domain.Status, found bool, err error) {
	status, err = s.deps.Store.FindStatus(ctx, id)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeResultNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}

// InvalidateStatus moves the listed results to NOT_DONE and returns the ids
// actually updated. Updating none of them is a ResultNotFound error.
func (s *Service) InvalidateStatus(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, apperrors.Validation("resultUuid", "at least one result is required")
	}
	updated, err := s.deps.Store.UpdateStatus(ctx, ids, domain.StatusNotDone)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, apperrors.ResultNotFound(ids[0].String())
	}
	return updated, nil
}

// Delete removes a result.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.deps.Store.Delete(ctx, id)
}

// DeleteAll removes the listed results, or every result when ids is empty.
func (s *Service) DeleteAll(ctx context.Context, ids []uuid.UUID) error {
	n, err := s.deps.Store.DeleteAll(ctx, ids)
	if err != nil {
		return err
	}
	slog.Info("Results deleted", "requested", len(ids), "deleted", n)
	return nil
}

// Stop requests the cancellation of id. It never fails: every outcome the
// caller must learn about arrives as an event. Unknown and computed results
// get a cancel-failed event straight away. The others, NOT_DONE included
// since an invalidated run may still be executing, are stopped through a
// broadcast so the instance executing the run can act on it.
func (s *Service) Stop(ctx context.Context, id uuid.UUID, receiver, userID string) {
	logger := slog.With("resultUuid", id)

	status, err := s.deps.Store.FindStatus(ctx, id)
	switch {
	case apperrors.HasCode(err, apperrors.CodeResultNotFound):
		logger.Info("Stop requested for unknown result")
		s.cancelFailed(ctx, id, receiver, userID, MessageUnknownResult)
		return
	case err != nil:
		// Let the executing instance decide.
		logger.Warn("Status lookup failed, broadcasting stop", "error", err)
	case status.Computed():
		logger.Info("Stop requested for settled result", "status", status)
		s.cancelFailed(ctx, id, receiver, userID, MessageCancelTooLate)
		return
	}

	body, err := json.Marshal(CancelRequest{ResultUUID: id, Receiver: receiver, UserID: userID})
	if err == nil {
		err = s.deps.Queue.Broadcast(ctx, &messaging.Message{Subject: messaging.SubjectCancel, Data: body})
	}
	if err != nil {
		logger.Error("Stop request not delivered", "error", err)
		s.cancelFailed(ctx, id, receiver, userID, MessageCancelUndelivered)
		return
	}
	logger.Info("Stop requested")
}

func (s *Service) cancelFailed(ctx context.Context, id uuid.UUID, receiver, userID, reason string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordCancellation(ctx, cancelFailed)
	}
	if s.deps.Notifier == nil {
		return
	}
	ev := NewEventBuilder(id.String(), receiver, userID).BuildCancelFailedEvent(reason)
	if err := s.deps.Notifier.Notify(ctx, ev); err != nil {
		slog.Error("Cancel-failed event not delivered", "resultUuid", id, "error", err)
	}
}

// DebugFile opens the debug archive of id.
func (s *Service) DebugFile(ctx context.Context, id uuid.UUID) (io.ReadCloser, int64, error) {
	if s.deps.Artifacts == nil {
		return nil, 0, apperrors.ResultNotFound(id.String())
	}
	location, err := s.deps.Store.DebugLocation(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	r, size, err := s.deps.Artifacts.Open(ctx, location)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, 0, apperrors.ResultNotFound(id.String())
		}
		return nil, 0, fmt.Errorf("open debug file of %s: %w", id, err)
	}
	return r, size, nil
}

// Providers returns the registered engine names.
func (s *Service) Providers() []string {
	return s.deps.Engines.Names()
}

// DefaultProvider returns the engine used when neither the request nor the
// parameter set names one.
func (s *Service) DefaultProvider() string {
	return s.deps.Parameters.DefaultProvider()
}

// ResultsCount returns the number of stored results.
func (s *Service) ResultsCount(ctx context.Context) (int64, error) {
	return s.deps.Store.Count(ctx)
}
