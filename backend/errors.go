package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned for malformed paths and out-of-range reads.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned when a file, or the text to edit, does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when the backend refuses a write.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAmbiguousMatch is returned when an edit target occurs more than once.
	ErrAmbiguousMatch = errors.New("ambiguous match")

	// ErrUnsupported is returned for operations outside the backend's capabilities.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrConflict is returned when a compare-and-swap edit keeps losing races.
	ErrConflict = errors.New("write conflict")
)

// PathError records a failed operation on a path.
type PathError struct {
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *PathError) Error() string {
	s := e.Op + " " + e.Path + ": " + e.Err.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *PathError) Unwrap() error { return e.Err }

func pathErr(op, path string, err error, format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &PathError{Op: op, Path: path, Err: err, Msg: msg}
}

// Kind maps a backend error to its taxonomy name used in tool results.
// Unknown errors map to "backend_fault".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPath):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrAmbiguousMatch):
		return "ambiguous_match"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "backend_fault"
	}
}

// errorForKind is the inverse of Kind, used to restore sentinels for
// errors that crossed the sandbox wire.
func errorForKind(kind string) error {
	switch kind {
	case "validation":
		return ErrInvalidPath
	case "not_found":
		return ErrNotFound
	case "permission_denied":
		return ErrPermissionDenied
	case "ambiguous_match":
		return ErrAmbiguousMatch
	case "unsupported":
		return ErrUnsupported
	case "conflict":
		return ErrConflict
	default:
		return errors.New("sandbox fault")
	}
}
