// Package kerrors defines the typed error kinds raised across the Kiara
// core engine, per the error-handling design in the project spec.
package kerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the class of error so callers can branch on it with
// errors.Is/errors.As without string matching.
type Kind string

const (
	KindContextLocked        Kind = "context_locked"
	KindUnknownModuleType    Kind = "unknown_module_type"
	KindUnknownOperation     Kind = "unknown_operation"
	KindUnknownDataType      Kind = "unknown_data_type"
	KindInvalidManifestConfig Kind = "invalid_manifest_config"
	KindInvalidPipelineStep  Kind = "invalid_pipeline_step"
	KindInputValuesInvalid   Kind = "input_values_invalid"
	KindJobFailed            Kind = "job_failed"
	KindNoSuchWorkflow       Kind = "no_such_workflow"
	KindNoSuchExecutionTarget Kind = "no_such_execution_target"
	KindArchiveError         Kind = "archive_error"
)

// Error is the typed error carried through the engine. Wrap it with
// fmt.Errorf("...: %w", err) the same way the teacher engine wraps errors.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, kerrors.New(KindJobFailed, "")) style matching
// on Kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind wrapping a lower-level error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// InputValuesError lists the offending fields for an INPUTS_INVALID failure,
// per spec.md §4.6/§7: "Missing/invalid inputs: raise InputValuesException
// listing offending fields, no state change."
type InputValuesError struct {
	Fields map[string]string // field name -> reason
}

func (e *InputValuesError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, reason := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, reason))
	}
	return fmt.Sprintf("%s: invalid input values (%s)", KindInputValuesInvalid, strings.Join(parts, "; "))
}

// FailedJobError is returned to callers of wait_for/retrieve_result when the
// underlying job failed (spec.md §4.6).
type FailedJobError struct {
	JobID  string
	Reason string
}

func (e *FailedJobError) Error() string {
	return fmt.Sprintf("%s: job %s failed: %s", KindJobFailed, e.JobID, e.Reason)
}
