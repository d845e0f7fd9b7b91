// Package failure defines the error kinds shared by contexts, processes and
// chains. Every kind is a go-errors sentinel carrying a text code; concrete
// errors are clones of a sentinel with their own message, source and metadata.
package failure

import (
	"context"
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInvalidOperation = "INVALID_OPERATION"
	CodeObjectDisposed   = "OBJECT_DISPOSED"
	CodeCancelled        = "CANCELLED"
	CodeExecutionFailed  = "EXECUTION_FAILED"
)

var (
	ErrInvalidArgument = apperrors.New("invalid argument", apperrors.CategoryBadInput).
				WithTextCode(CodeInvalidArgument)
	ErrInvalidOperation = apperrors.New("invalid operation", apperrors.CategoryConflict).
				WithTextCode(CodeInvalidOperation)
	ErrObjectDisposed = apperrors.New("object disposed", apperrors.CategoryConflict).
				WithTextCode(CodeObjectDisposed)
	ErrCancelled = apperrors.New("operation cancelled", apperrors.CategoryExternal).
			WithTextCode(CodeCancelled)
	ErrExecutionFailed = apperrors.New("execution failed", apperrors.CategoryHandler).
				WithTextCode(CodeExecutionFailed)
)

// New clones base and fills in message, source and metadata.
func New(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrExecutionFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func InvalidArgument(message string, metadata map[string]any) *apperrors.Error {
	return New(ErrInvalidArgument, message, nil, metadata)
}

func InvalidOperation(message string, metadata map[string]any) *apperrors.Error {
	return New(ErrInvalidOperation, message, nil, metadata)
}

func ObjectDisposed(message string, metadata map[string]any) *apperrors.Error {
	return New(ErrObjectDisposed, message, nil, metadata)
}

// Cancelled wraps the context error so errors.Is(err, context.Canceled)
// keeps working for callers.
func Cancelled(message string, cause error, metadata map[string]any) *apperrors.Error {
	if cause == nil {
		cause = context.Canceled
	}
	return New(ErrCancelled, message, cause, metadata)
}

func ExecutionFailed(message string, cause error, metadata map[string]any) *apperrors.Error {
	return New(ErrExecutionFailed, message, cause, metadata)
}

// Code returns the text code of the outermost go-errors error in the chain.
func Code(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasKind reports whether err carries one of the codes defined here.
func HasKind(err error) bool {
	switch Code(err) {
	case CodeInvalidArgument, CodeInvalidOperation, CodeObjectDisposed, CodeCancelled, CodeExecutionFailed:
		return true
	}
	return false
}

func IsInvalidArgument(err error) bool  { return Code(err) == CodeInvalidArgument }
func IsInvalidOperation(err error) bool { return Code(err) == CodeInvalidOperation }
func IsObjectDisposed(err error) bool   { return Code(err) == CodeObjectDisposed }
func IsExecutionFailed(err error) bool  { return Code(err) == CodeExecutionFailed }

// IsCancelled matches both CANCELLED errors and raw context errors.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if Code(err) == CodeCancelled {
		return true
	}
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// Annotate enriches err with message and metadata. Errors that already carry
// a kind keep it; anything else becomes EXECUTION_FAILED. When err wraps a
// kinded error inside the caller's own error, the result wraps err whole so
// the caller's message and types stay reachable through Unwrap.
func Annotate(err error, message string, metadata map[string]any) error {
	if err == nil {
		return nil
	}
	if !HasKind(err) {
		return ExecutionFailed(message, err, metadata)
	}

	ge, top := err.(*apperrors.Error)
	if !top {
		return New(sentinels[Code(err)], message, err, metadata)
	}

	wrapped := ge.Clone()
	if strings.TrimSpace(message) != "" {
		wrapped = apperrors.Wrap(err, ge.Category, message)
	}
	if len(metadata) > 0 {
		wrapped = wrapped.WithMetadata(metadata)
	}
	return wrapped
}

var sentinels = map[string]*apperrors.Error{
	CodeInvalidArgument:  ErrInvalidArgument,
	CodeInvalidOperation: ErrInvalidOperation,
	CodeObjectDisposed:   ErrObjectDisposed,
	CodeCancelled:        ErrCancelled,
	CodeExecutionFailed:  ErrExecutionFailed,
}
