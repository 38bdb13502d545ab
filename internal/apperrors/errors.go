// Package apperrors provides structured application errors with business codes
// and HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
	ErrUpstream   = errors.New("upstream error")
)

// Business codes returned to callers alongside the message.
const (
	CodeProviderNotFound       = "dynamicSecurityAnalysis.providerNotFound"
	CodeContingencyListEmpty   = "dynamicSecurityAnalysis.contingencyListEmpty"
	CodeContingenciesNotFound  = "dynamicSecurityAnalysis.contingenciesNotFound"
	CodeParametersNotFound     = "dynamicSecurityAnalysis.parametersUuidNotFound"
	CodeResultNotFound         = "dynamicSecurityAnalysis.resultUuidNotFound"
	CodeUpstreamResultNotFound = "dynamicSecurityAnalysis.dynamicSimulationResultUuidNotFound"
	CodeUpstreamFetch          = "dynamicSecurityAnalysis.upstreamFetchError"
	CodeDynamicModel           = "dynamicSecurityAnalysis.dynamicModelError"
	CodeSimulationParameters   = "dynamicSecurityAnalysis.dynamicSimulationParametersError"
	CodeDumpFile               = "dynamicSecurityAnalysis.dumpFileError"
	CodeWorkingDirectory       = "dynamicSecurityAnalysis.workingDirectoryError"
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Code     string // Business code, empty for generic errors
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "scenarioDuration")
	Resource string // For not found/conflict (e.g., "result")
	Op       string // Operation that failed (e.g., "dynamicsimulation.outputState")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// CodeOf returns the business code carried by err, or "" if none.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given business code.
func HasCode(err error, code string) bool {
	return code != "" && CodeOf(err) == code
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

func ProviderNotFound(name string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeProviderNotFound,
		Message:  "Dynamic security analysis provider not found: " + name,
		Resource: "provider",
	}
}

func ContingencyListEmpty() error {
	return &Error{
		Sentinel: ErrValidation,
		Code:     CodeContingencyListEmpty,
		Message:  "List of contingencies must not be empty",
		Field:    "contingencyListIds",
	}
}

func ContingenciesNotFound(message string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeContingenciesNotFound,
		Message:  message,
		Resource: "contingencies",
	}
}

func ParametersNotFound(id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeParametersNotFound,
		Message:  "Parameters uuid not found: " + id,
		Resource: "parameters",
	}
}

func ResultNotFound(id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeResultNotFound,
		Message:  "Result uuid not found: " + id,
		Resource: "result",
	}
}

// UpstreamResultNotFound reports that a collaborator answered 404 for a
// prior-stage result.
func UpstreamResultNotFound(message string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     CodeUpstreamResultNotFound,
		Message:  message,
		Resource: "dynamicSimulationResult",
	}
}

// UpstreamFetch wraps a non-2xx, non-404 collaborator response. message is
// the remote error message, or the status text when none was sent.
func UpstreamFetch(op, message string) error {
	return &Error{
		Sentinel: ErrUpstream,
		Code:     CodeUpstreamFetch,
		Message:  message,
		Op:       op,
	}
}

func DynamicModelDecode(cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     CodeDynamicModel,
		Message:  "Error occurred while unzip the dynamic model",
		Op:       "decode.dynamicModel",
		Cause:    cause,
	}
}

func ParametersDecode(cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     CodeSimulationParameters,
		Message:  "Error occurred while unzip the dynamic simulation parameters",
		Op:       "decode.parameters",
		Cause:    cause,
	}
}

func DumpFile(dir string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     CodeDumpFile,
		Message:  fmt.Sprintf("Error occurred while unzip the output state into a dump file in the directory %s", dir),
		Op:       "workdir.dump",
		Cause:    cause,
	}
}

func WorkingDirectory(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     CodeWorkingDirectory,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
