package job

import (
	"fmt"

	"github.com/google/uuid"

	"securityanalysis/internal/domain"
	"securityanalysis/internal/report"
	"securityanalysis/internal/workdir"
)

// SubmitRequest is what the API hands to Service.Run.
type SubmitRequest struct {
	NetworkUUID                 uuid.UUID
	VariantID                   string
	Receiver                    string
	ReportUUID                  uuid.UUID // uuid.Nil: no report forwarding
	ReporterID                  string
	ReportType                  string
	Provider                    string // empty: take it from the parameter set or the default
	UserID                      string
	DynamicSimulationResultUUID uuid.UUID
	ParametersUUID              uuid.UUID
	Debug                       bool
}

// RunRequest is the body of a run message. It is immutable once published
// and carries everything a worker needs: the resolved provider and a
// snapshot of the parameter set.
type RunRequest struct {
	ResultUUID                  uuid.UUID           `json:"resultUuid"`
	NetworkUUID                 uuid.UUID           `json:"networkUuid"`
	VariantID                   string              `json:"variantId,omitempty"`
	Receiver                    string              `json:"receiver,omitempty"`
	ReportUUID                  uuid.UUID           `json:"reportUuid,omitzero"`
	ReporterID                  string              `json:"reporterId,omitempty"`
	ReportType                  string              `json:"reportType,omitempty"`
	Provider                    string              `json:"provider"`
	UserID                      string              `json:"userId,omitempty"`
	DynamicSimulationResultUUID uuid.UUID           `json:"dynamicSimulationResultUuid"`
	Parameters                  domain.ParameterSet `json:"parameters"`
	Debug                       bool                `json:"debug,omitempty"`
}

// Validate checks the fields a worker cannot run without.
func (r *RunRequest) Validate() error {
	switch {
	case r.ResultUUID == uuid.Nil:
		return fmt.Errorf("run request: missing resultUuid")
	case r.NetworkUUID == uuid.Nil:
		return fmt.Errorf("run request %s: missing networkUuid", r.ResultUUID)
	case r.Provider == "":
		return fmt.Errorf("run request %s: missing provider", r.ResultUUID)
	}
	return nil
}

// ReportRequested reports whether the run report must be forwarded.
func (r *RunRequest) ReportRequested() bool {
	return r.ReportUUID != uuid.Nil
}

// CancelRequest is the body of a stop broadcast.
type CancelRequest struct {
	ResultUUID uuid.UUID `json:"resultUuid"`
	Receiver   string    `json:"receiver,omitempty"`
	UserID     string    `json:"userId,omitempty"`
}

// RunContext is the working object of one run, built by assembly. It is
// owned by a single execution and frozen once the engine is dispatched.
type RunContext struct {
	Request *RunRequest

	WorkDir          *workdir.Dir
	NetworkFile      string
	DumpFile         string
	Contingencies    []domain.Contingency
	DynamicModels    []domain.DynamicModelConfig
	EngineParameters domain.EngineParameters
	Report           *report.Builder
}
