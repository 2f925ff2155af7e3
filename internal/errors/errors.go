// Package errors provides the coded error type used across embedpy.
//
// Every failure that can abort a build carries one of the codes below so the
// CLI (and callers embedding the pipeline) can tell configuration mistakes
// apart from toolchain or network failures without parsing messages.
//
//	err := errors.New(errors.CodeConfigInvalid, "unsupported version %s", v)
//	if errors.Is(err, errors.CodeConfigInvalid) {
//	    // reject early
//	}
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

const (
	CodeConfigInvalid        Code = "CONFIG_INVALID"
	CodeAcquisitionFailed    Code = "ACQUISITION_FAILED"
	CodeToolchainFailed      Code = "TOOLCHAIN_FAILED"
	CodeRelocationFailed     Code = "RELOCATION_FAILED"
	CodeInstallerFailed      Code = "INSTALLER_FAILED"
	CodeLicenseHarvestFailed Code = "LICENSE_HARVEST_FAILED"
	CodeIsolationFailed      Code = "ISOLATION_FAILED"
	CodeCompactionFailed     Code = "COMPACTION_FAILED"
	CodePublishFailed        Code = "PUBLISH_FAILED"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Ensure wraps err with code unless it already carries a code, in which case
// the inner classification wins. A nil err stays nil.
func Ensure(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if GetCode(err) != "" {
		return err
	}
	return Wrap(code, err, format, args...)
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
