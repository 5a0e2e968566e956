package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput       = "WORKQUEUE_BAD_INPUT"
	ErrorNotFound       = "WORKQUEUE_NOT_FOUND"
	ErrorConflict       = "WORKQUEUE_CONFLICT"
	ErrorUnauthorized   = "WORKQUEUE_UNAUTHORIZED"
	ErrorForbidden      = "WORKQUEUE_FORBIDDEN"
	ErrorStorageFailure = "WORKQUEUE_STORAGE_FAILURE"
	ErrorInternal       = "WORKQUEUE_INTERNAL_ERROR"

	ErrorEmptyBody         = "EMPTY_BODY"
	ErrorMalformedBody     = "MALFORMED_BODY"
	ErrorMissingField      = "MISSING_FIELD"
	ErrorStaleTimestamp    = "STALE_TIMESTAMP"
	ErrorInvalidSignature  = "INVALID_SIGNATURE"
	ErrorPayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	ErrorInvalidEventData  = "INVALID_EVENT_DATA"
	ErrorUnknownJobType    = "UNKNOWN_JOB_TYPE"
	ErrorTransientFailure  = "TRANSIENT_FAILURE"
	ErrorSourceNotAllowed  = "SOURCE_NOT_ALLOWED"
	ErrorHandlerRegistered = "HANDLER_ALREADY_REGISTERED"
)

// NewError builds a rich error envelope with the HTTP status derived from the
// category when code is zero.
func NewError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, category).
		WithTextCode(textCode)
	if code != 0 {
		err = err.WithCode(code)
	}
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return ensureErrorEnvelope(err)
}

func WrapError(source error, category goerrors.Category, message string, textCode string, metadata map[string]any) *goerrors.Error {
	if source == nil {
		return NewError(message, category, 0, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return ensureErrorEnvelope(err)
}

func BadInputError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorBadInput, metadata)
}

func NotFoundError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryNotFound, http.StatusNotFound, ErrorNotFound, metadata)
}

func ConflictError(message string, textCode string, metadata map[string]any) error {
	if strings.TrimSpace(textCode) == "" {
		textCode = ErrorConflict
	}
	return NewError(message, goerrors.CategoryConflict, http.StatusConflict, textCode, metadata)
}

func StorageError(source error, message string, metadata map[string]any) error {
	if source == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(source, &rich) && rich.TextCode != "" {
		return source
	}
	return WrapError(source, goerrors.CategoryOperation, message, ErrorStorageFailure, metadata)
}

func InternalError(message string) error {
	return NewError(message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorInternal, nil)
}

// InvalidEventDataError marks an event payload that can never be processed.
func InvalidEventDataError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryValidation, http.StatusUnprocessableEntity, ErrorInvalidEventData, metadata)
}

// IsNotFound reports whether err carries the not-found category.
func IsNotFound(err error) bool {
	var rich *goerrors.Error
	return goerrors.As(err, &rich) && rich.Category == goerrors.CategoryNotFound
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. The job is dead-lettered on the
// attempt that returned it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Transient marks err as retryable even when its category would otherwise
// classify it as permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsPermanent classifies a handler error. Explicit markers win; otherwise
// validation envelopes and the invalid-data and unknown-type codes are
// permanent and everything else is transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanent *permanentError
	var transient *transientError
	permanentMarked := errors.As(err, &permanent)
	transientMarked := errors.As(err, &transient)
	switch {
	case permanentMarked && !transientMarked:
		return true
	case transientMarked && !permanentMarked:
		return false
	case permanentMarked && transientMarked:
		return outermostPermanent(err)
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	switch rich.TextCode {
	case ErrorInvalidEventData, ErrorUnknownJobType:
		return true
	case ErrorTransientFailure:
		return false
	}
	return rich.Category == goerrors.CategoryValidation || rich.Category == goerrors.CategoryBadInput
}

func outermostPermanent(err error) bool {
	for current := err; current != nil; current = errors.Unwrap(current) {
		switch current.(type) {
		case *permanentError:
			return true
		case *transientError:
			return false
		}
	}
	return false
}

// MapError converts any error into the rich envelope rendered by transports.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return NewError(err.Error(), goerrors.CategoryNotFound, 0, ErrorNotFound, nil)
	case strings.Contains(msg, "already registered"), strings.Contains(msg, "duplicate"):
		return NewError(err.Error(), goerrors.CategoryConflict, 0, ErrorConflict, nil)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewError(err.Error(), goerrors.CategoryBadInput, 0, ErrorBadInput, nil)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = HTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth:
		return ErrorUnauthorized
	case goerrors.CategoryAuthz:
		return ErrorForbidden
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryOperation:
		return ErrorStorageFailure
	default:
		return ErrorInternal
	}
}

// HTTPStatus maps an error category to its response status.
func HTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput:
		return http.StatusBadRequest
	case goerrors.CategoryValidation:
		return http.StatusUnprocessableEntity
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation, goerrors.CategoryExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
