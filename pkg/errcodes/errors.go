package errcodes

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	HTTPCode int
	Message  string
	Code     string
	// Retryable is set for failures a caller can retry with the same payload.
	Retryable bool
}

func (err *Error) Error() string {
	return err.Message
}

func (err *Error) As(target interface{}) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	te.HTTPCode = err.HTTPCode
	te.Message = err.Message
	te.Code = err.Code
	te.Retryable = err.Retryable
	return true
}

func (err *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.HTTPCode == err.HTTPCode &&
		te.Message == err.Message &&
		te.Code == err.Code
}

// NotFound returns a 404 error with a message indicating the given resource.
func NotFound(resource string) error {
	return &Error{
		HTTPCode: http.StatusNotFound,
		Message:  resource + " not found.",
		Code:     "not_found",
	}
}

func UnsupportedMediaType() error {
	return &Error{
		HTTPCode: http.StatusUnsupportedMediaType,
		Message:  "Unsupported Media Type",
		Code:     "unsupported_media_type",
	}
}

func UnknownParameter(param string) error {
	return &Error{
		HTTPCode: http.StatusUnprocessableEntity,
		Message:  fmt.Sprintf("Unknown Parameter %q", param),
		Code:     "unknown_parameter",
	}
}

func ValidationTypeError(msg string) error {
	return &Error{
		HTTPCode: http.StatusUnprocessableEntity,
		Message:  msg,
		Code:     "validation_type_error",
	}
}

func ValidationError(msg string) error {
	return &Error{
		HTTPCode: http.StatusUnprocessableEntity,
		Message:  msg,
		Code:     "validation_error",
	}
}

func MalformedPayload() error {
	return &Error{
		HTTPCode: http.StatusBadRequest,
		Message:  "Malformed Payload",
		Code:     "malformed_payload",
	}
}

func EmptyRequestBody() error {
	return &Error{
		HTTPCode: http.StatusBadRequest,
		Message:  "Request body can't be empty.",
		Code:     "empty_request_body",
	}
}

func BadRequest(msg string) error {
	return &Error{
		HTTPCode: http.StatusBadRequest,
		Message:  msg,
		Code:     "bad_request",
	}
}

// MalformedSource is returned when a payload or statistics container can't be
// read as the shape its channel promises.
func MalformedSource(msg string) error {
	return &Error{
		HTTPCode: http.StatusBadRequest,
		Message:  msg,
		Code:     "malformed_source",
	}
}

// EmptyImport is returned for a well-formed batch without any usable book.
func EmptyImport() error {
	return &Error{
		HTTPCode: http.StatusBadRequest,
		Message:  "Import contains no books.",
		Code:     "empty_import",
	}
}

// UnsupportedVersion is returned by the protocol gate. The message always
// names the version the server requires.
func UnsupportedVersion(msg string) error {
	return &Error{
		HTTPCode: http.StatusBadRequest,
		Message:  msg,
		Code:     "unsupported_version",
	}
}

// TransientIO wraps remote fetch and local file failures.
func TransientIO(msg string) error {
	return &Error{
		HTTPCode:  http.StatusInternalServerError,
		Message:   msg,
		Code:      "transient_io",
		Retryable: true,
	}
}

// Persistence wraps a rolled back transaction.
func Persistence(msg string) error {
	return &Error{
		HTTPCode:  http.StatusInternalServerError,
		Message:   msg,
		Code:      "persistence",
		Retryable: true,
	}
}

func PayloadTooLarge(maxMB int) error {
	return &Error{
		HTTPCode: http.StatusRequestEntityTooLarge,
		Message:  fmt.Sprintf("File too large. Maximum file size allowed is %d MB.", maxMB),
		Code:     "payload_too_large",
	}
}

func TooManyRequests() error {
	return &Error{
		HTTPCode: http.StatusTooManyRequests,
		Message:  "Too many requests, slow down.",
		Code:     "too_many_requests",
	}
}

// IsRetryable reports whether err (or anything it wraps) is an *Error marked
// as retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
