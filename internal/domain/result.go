package domain

import (
	"strings"

	"securityanalysis/internal/report"
)

// PostContingencyResult is the engine outcome for one contingency.
type PostContingencyResult struct {
	ContingencyID   string                  `json:"contingencyId"`
	Status          string                  `json:"status"`
	LimitViolations []report.LimitViolation `json:"limitViolations,omitempty"`
}

// Converged reports whether the contingency computation converged.
func (r PostContingencyResult) Converged() bool {
	return strings.EqualFold(r.Status, report.ConvergedStatus)
}

// AnalysisResult is what an engine returns for a whole run.
type AnalysisResult struct {
	PreContingencyStatus     string                  `json:"preContingencyStatus"`
	PreContingencyViolations []report.LimitViolation `json:"preContingencyLimitViolations,omitempty"`
	PostContingency          []PostContingencyResult `json:"postContingencyResults"`
}

// Outcome classifies the run: FAILED as soon as one post-contingency
// computation did not converge, SUCCEED otherwise.
func (r *AnalysisResult) Outcome() Status {
	if r == nil {
		return StatusFailed
	}
	for _, pc := range r.PostContingency {
		if !pc.Converged() {
			return StatusFailed
		}
	}
	return StatusSucceed
}

// ContingencyOutcomes converts post-contingency results for report enrichment.
func (r *AnalysisResult) ContingencyOutcomes() []report.ContingencyOutcome {
	if r == nil {
		return nil
	}
	out := make([]report.ContingencyOutcome, 0, len(r.PostContingency))
	for _, pc := range r.PostContingency {
		out = append(out, report.ContingencyOutcome{
			ContingencyID: pc.ContingencyID,
			Status:        pc.Status,
			Violations:    pc.LimitViolations,
		})
	}
	return out
}
