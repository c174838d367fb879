package domain

import (
	"errors"
	"fmt"
)

// Error codes for the failure taxonomy. Anything carrying one of these is
// fatal to the current run; undefined arithmetic (zero/null denominators,
// thin peer groups) is filtered inside the queries and never surfaces here.
const (
	ErrStore       = "STORE_ERROR"
	ErrSchema      = "SCHEMA_ERROR"
	ErrInput       = "INPUT_ERROR"
	ErrScreen      = "SCREEN_ERROR"
	ErrModel       = "MODEL_ERROR"
	ErrExternalAPI = "EXTERNAL_API_ERROR"
)

// PipelineError is a run-fatal error with a stable code and the stage that
// raised it. A failed stage leaves the output tables in their pre-run state.
type PipelineError struct {
	Code  string `json:"code"`
	Stage string `json:"stage"`
	Err   error  `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Code, e.Stage, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError wraps err with a taxonomy code and originating stage.
func NewPipelineError(code, stage string, err error) *PipelineError {
	return &PipelineError{Code: code, Stage: stage, Err: err}
}

// ErrorCode returns the taxonomy code of err, or empty when err is not a
// PipelineError.
func ErrorCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
