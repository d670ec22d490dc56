// Package syncerr defines the error taxonomy shared by every slicesync stage.
//
// Errors carry a machine-readable Kind, a human message, an optional wrapped
// cause and optional structured context. Callers classify errors with KindOf
// or Is rather than matching on message text.
package syncerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the category of a failure.
type Kind string

const (
	// KindUnknown is reported for errors that were never classified.
	KindUnknown Kind = "UnknownError"

	// KindConfig indicates invalid or missing configuration.
	KindConfig Kind = "ConfigError"

	// KindVcs indicates a remote, branch, commit or push failure.
	KindVcs Kind = "VcsError"

	// KindFilesystem indicates a read, write, copy or remove failure.
	KindFilesystem Kind = "FilesystemError"

	// KindNetwork indicates a connectivity failure. Network errors are retryable.
	KindNetwork Kind = "NetworkError"

	// KindUserCancelled indicates the operator declined to continue.
	KindUserCancelled Kind = "UserCancelled"

	// KindSyncProcess indicates a pipeline-level failure.
	KindSyncProcess Kind = "SyncProcessError"

	// KindConflict indicates a conflict could not be resolved.
	KindConflict Kind = "ConflictError"

	// KindAuthentication indicates credentials were rejected. Always fatal.
	KindAuthentication Kind = "AuthenticationError"

	// KindPermission indicates the process lacks access to a path.
	KindPermission Kind = "PermissionError"

	// KindTimeout indicates an operation exceeded its time limit.
	KindTimeout Kind = "TimeoutError"

	// KindValidation indicates a release validation failure.
	KindValidation Kind = "ValidationError"
)

// Retryable reports whether errors of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindTimeout
}

// Fatal reports whether errors of this kind must terminate the process.
func (k Kind) Fatal() bool {
	return k == KindAuthentication
}

// Error is the concrete error type used across slicesync.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause with a kind and message. It returns nil when cause is nil.
func Wrap(cause error, kind Kind, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithContext attaches a key/value pair and returns the receiver.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error renders "Kind: message: cause".
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString("]")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether any *Error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// CauseMessage returns the message of the innermost cause, or "" when err
// has no wrapped cause.
func CauseMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Cause == nil {
		return ""
	}
	root := e.Cause
	for {
		next := errors.Unwrap(root)
		if next == nil {
			return root.Error()
		}
		root = next
	}
}
