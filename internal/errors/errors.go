package errors

import (
	"errors"
	"fmt"
)

// Code classifies an error into one of the categories callers branch on.
type Code string

const (
	// CodeNotFound means the requested row or resource does not exist.
	CodeNotFound Code = "not_found"
	// CodeConflict means the operation collided with existing data,
	// typically a unique constraint.
	CodeConflict Code = "conflict"
	// CodeValidation means the input was rejected before or by the database.
	CodeValidation Code = "validation"
	// CodeForeignKey means a referential integrity constraint blocked the
	// operation.
	CodeForeignKey Code = "foreign_key"
	// CodeTimeout means the operation exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeCanceled means the caller's context was canceled.
	CodeCanceled Code = "canceled"
	// CodeInternal is the catch-all for unexpected failures.
	CodeInternal Code = "internal"
)

// Error is the taxonomy error carried across repository and service
// boundaries. It wraps the underlying cause so errors.Is / errors.As keep
// working through it.
type Error struct {
	Code    Code
	Message string
	// Field names the offending input field when one can be determined,
	// mostly on validation and conflict errors.
	Field string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithField returns a copy of the error annotated with the offending field.
func (e *Error) WithField(field string) *Error {
	clone := *e
	clone.Field = field
	return &clone
}

// NotFound builds a not_found error.
func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// NotFoundf builds a not_found error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error.
func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

// Conflictf builds a conflict error with a formatted message.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a validation error.
func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message}
}

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// FieldValidation builds a validation error attributed to a single field.
func FieldValidation(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Field: field}
}

// ForeignKey builds a foreign_key error.
func ForeignKey(message string) *Error {
	return &Error{Code: CodeForeignKey, Message: message}
}

// Internal builds an internal error.
func Internal(message string) *Error {
	return &Error{Code: CodeInternal, Message: message}
}

// Internalf builds an internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Timeout builds a timeout error around its cause.
func Timeout(message string, cause error) *Error {
	return &Error{Code: CodeTimeout, Message: message, Cause: cause}
}

// Canceled builds a canceled error around its cause.
func Canceled(message string, cause error) *Error {
	return &Error{Code: CodeCanceled, Message: message, Cause: cause}
}

// Wrap attaches a code and message to an existing error. Returns nil when
// err is nil so call sites can wrap unconditionally.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

func is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err carries CodeNotFound anywhere in its chain.
func IsNotFound(err error) bool { return is(err, CodeNotFound) }

// IsConflict reports whether err carries CodeConflict anywhere in its chain.
func IsConflict(err error) bool { return is(err, CodeConflict) }

// IsValidation reports whether err carries CodeValidation anywhere in its chain.
func IsValidation(err error) bool { return is(err, CodeValidation) }

// IsForeignKey reports whether err carries CodeForeignKey anywhere in its chain.
func IsForeignKey(err error) bool { return is(err, CodeForeignKey) }

// IsTimeout reports whether err carries CodeTimeout anywhere in its chain.
func IsTimeout(err error) bool { return is(err, CodeTimeout) }

// IsCanceled reports whether err carries CodeCanceled anywhere in its chain.
func IsCanceled(err error) bool { return is(err, CodeCanceled) }

// IsInternal reports whether err carries CodeInternal anywhere in its chain.
func IsInternal(err error) bool { return is(err, CodeInternal) }

// CodeOf extracts the taxonomy code from err, or "" when err is not ours.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// FieldOf extracts the offending field from err, or "" when unset.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
