package importer

// errors.go defines the error taxonomy for the import/rollback core.
//
// Row-level problems are collected into the batch, never raised as errors
// past the processor. Only contract failures (rate limit, bad file, rollback
// not allowed) and infrastructure failures propagate. Every user-visible
// failure carries a stable support code; internal detail stays in the logs.

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrRateLimited means the user exhausted their import attempts for the
	// current window. Retryable after the window decays.
	ErrRateLimited = errors.New("import rate limit exceeded, please try again later")

	// ErrTooManyImports means the user already has the maximum number of
	// imports in flight.
	ErrTooManyImports = errors.New("too many concurrent imports, please try again later")

	// ErrUnknownEntityType means the requested import target is not registered.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrRollbackNotAllowed means the batch has nothing to roll back or was
	// already rolled back.
	ErrRollbackNotAllowed = errors.New("batch cannot be rolled back")

	// ErrBatchNotFound means no batch matches the given import id.
	ErrBatchNotFound = errors.New("import batch not found")

	// ErrBatchFinalized means a terminal transition was attempted on a batch
	// that is already in a terminal state. This is a programming error, not
	// a condition to silently ignore.
	ErrBatchFinalized = errors.New("batch already finalized")
)

// FileValidationError reports a rejected upload. The file never reaches the
// decoder when validation fails.
type FileValidationError struct {
	Code    string // stable support code, e.g. FILE002
	Message string
}

func (e *FileValidationError) Error() string {
	return e.Message
}

// Support codes quoted in user-facing failures.
const (
	CodeRateLimited     = "RATE001"
	CodeTooManyImports  = "RATE002"
	CodeFileTooLarge    = "FILE001"
	CodeFileType        = "FILE002"
	CodeFileUnreadable  = "FILE003"
	CodeUnknownEntity   = "IMP001"
	CodeImportFailed    = "IMP002"
	CodeBatchNotFound   = "IMP003"
	CodeRollbackDenied  = "RB001"
	CodeRollbackFailed  = "RB002"
	CodeInternal        = "SYS001"
)

// ErrorCode maps an error to its stable support code.
func ErrorCode(err error) string {
	var fv *FileValidationError
	switch {
	case errors.As(err, &fv):
		return fv.Code
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTooManyImports):
		return CodeTooManyImports
	case errors.Is(err, ErrUnknownEntityType):
		return CodeUnknownEntity
	case errors.Is(err, ErrBatchNotFound):
		return CodeBatchNotFound
	case errors.Is(err, ErrRollbackNotAllowed):
		return CodeRollbackDenied
	default:
		return CodeInternal
	}
}

// internal detail that must never reach a client verbatim.
var internalPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"dial tcp",
	"ssl",
	"pq:",
	"sqlstate",
	"deadlock",
	"goroutine",
	"runtime error",
}

// SanitizeMessage returns a client-safe message for err. Contract errors pass
// through; anything that smells like infrastructure detail is replaced with a
// generic message plus the support code.
func SanitizeMessage(err error) string {
	code := ErrorCode(err)
	if code != CodeInternal {
		return err.Error()
	}

	msg := strings.ToLower(err.Error())
	for _, p := range internalPatterns {
		if strings.Contains(msg, p) {
			return fmt.Sprintf("an internal error occurred (code %s)", code)
		}
	}
	return fmt.Sprintf("import failed (code %s)", code)
}
