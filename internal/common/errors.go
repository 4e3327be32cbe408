package common

import (
	"errors"
	"fmt"
	"strings"
)

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported document")
	ErrInternal     = errors.New("internal error")
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// RenderError means one page could not be converted to text or a raster.
// It is page-local: the run carries on with the remaining pages.
type RenderError struct {
	Page  int
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render page %d: %v", e.Page, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// ModelCallError is a transport-level failure talking to the model
// (network error or non-2xx status). These are the only errors the
// coordinator retries with backoff.
type ModelCallError struct {
	Status int // 0 when the request never got a response
	Cause  error
}

func (e *ModelCallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("model call failed: status %d: %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("model call failed: %v", e.Cause)
}

func (e *ModelCallError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is worth another attempt.
// Client-side 4xx responses are not; everything else transport-level is.
func (e *ModelCallError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status >= 500 || e.Status == 429
}

// ResponseParseError means the model answered but every recovery stage
// failed to turn the text into a structured value.
type ResponseParseError struct {
	Stage string // last recovery stage attempted
	Cause error
}

func (e *ResponseParseError) Error() string {
	return fmt.Sprintf("parse model response (last stage %q): %v", e.Stage, e.Cause)
}

func (e *ResponseParseError) Unwrap() error { return e.Cause }

// AllPagesFailedError is fatal to the whole run. It is raised only when
// zero pages succeeded, and carries the first few underlying page errors.
type AllPagesFailedError struct {
	Pages  int
	Causes []error
}

func (e *AllPagesFailedError) Error() string {
	msgs := make([]string, 0, len(e.Causes))
	for i, c := range e.Causes {
		if i >= 3 {
			msgs = append(msgs, fmt.Sprintf("... and %d more", len(e.Causes)-i))
			break
		}
		msgs = append(msgs, c.Error())
	}
	return fmt.Sprintf("all %d pages failed: %s", e.Pages, strings.Join(msgs, "; "))
}

func (e *AllPagesFailedError) Unwrap() []error { return e.Causes }

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
