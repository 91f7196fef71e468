package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput                = "HOOKS_BAD_INPUT"
	ErrorSignatureInvalid        = "HOOKS_SIGNATURE_INVALID"
	ErrorDuplicateDelivery       = "HOOKS_DUPLICATE_DELIVERY"
	ErrorHandlerTransient        = "HOOKS_HANDLER_TRANSIENT"
	ErrorHandlerTimeout          = "HOOKS_HANDLER_TIMEOUT"
	ErrorHandlerPermanent        = "HOOKS_HANDLER_PERMANENT"
	ErrorRetryBudgetExhausted    = "HOOKS_RETRY_BUDGET_EXHAUSTED"
	ErrorIdempotencyConflict     = "HOOKS_IDEMPOTENCY_CONFLICT"
	ErrorIdempotencyInFlight     = "HOOKS_IDEMPOTENCY_IN_FLIGHT"
	ErrorIdempotencyLockLost     = "HOOKS_IDEMPOTENCY_LOCK_LOST"
	ErrorRateLimited             = "HOOKS_RATE_LIMITED"
	ErrorNotFound                = "HOOKS_NOT_FOUND"
	ErrorConflict                = "HOOKS_CONFLICT"
	ErrorInternal                = "HOOKS_INTERNAL_ERROR"
	ErrorSourceUnknown           = "HOOKS_SOURCE_UNKNOWN"
	ErrorPayloadTooLarge         = "HOOKS_PAYLOAD_TOO_LARGE"
	ErrorDependencyNotConfigured = "HOOKS_DEPENDENCY_NOT_CONFIGURED"
	ErrorUnauthorized            = "HOOKS_UNAUTHORIZED"
)

// NewError builds a go-errors envelope with a fixed HTTP code and text code.
func NewError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func WrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	if source == nil {
		return NewError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func SignatureInvalid(cause error, metadata map[string]any) *goerrors.Error {
	return WrapError(
		cause,
		goerrors.CategoryAuth,
		"signature verification failed",
		http.StatusForbidden,
		ErrorSignatureInvalid,
		metadata,
	)
}

func IdempotencyConflict(key string) *goerrors.Error {
	return NewError(
		"idempotency key reused with a different request",
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorIdempotencyConflict,
		map[string]any{"idempotency_key": key},
	)
}

func IdempotencyInFlight(key string) *goerrors.Error {
	return NewError(
		"request with this idempotency key is still in progress",
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorIdempotencyInFlight,
		map[string]any{"idempotency_key": key},
	)
}

// IdempotencyLockLost reports a Complete or Release whose placeholder was
// taken over by a later request.
func IdempotencyLockLost(key string) *goerrors.Error {
	return NewError(
		"idempotency lock is held by another request",
		goerrors.CategoryConflict,
		http.StatusConflict,
		ErrorIdempotencyLockLost,
		map[string]any{"idempotency_key": key},
	)
}

func RetryBudgetExhausted(deliveryID string, attempts int, cause error) *goerrors.Error {
	return WrapError(
		cause,
		goerrors.CategoryOperation,
		"retry budget exhausted",
		http.StatusInternalServerError,
		ErrorRetryBudgetExhausted,
		map[string]any{"delivery_id": deliveryID, "attempts": attempts},
	)
}

func NotFound(message string, metadata map[string]any) *goerrors.Error {
	return NewError(message, goerrors.CategoryNotFound, http.StatusNotFound, ErrorNotFound, metadata)
}

func BadInput(message string, metadata map[string]any) *goerrors.Error {
	return NewError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorBadInput, metadata)
}

func Unauthorized(message string) *goerrors.Error {
	return NewError(message, goerrors.CategoryAuth, http.StatusUnauthorized, ErrorUnauthorized, nil)
}

func Internal(message string, metadata map[string]any) *goerrors.Error {
	return NewError(message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorInternal, metadata)
}

func DependencyError(message string) *goerrors.Error {
	return NewError(
		message,
		goerrors.CategoryInternal,
		http.StatusInternalServerError,
		ErrorDependencyNotConfigured,
		nil,
	)
}

// handlerError marks a handler failure as retryable or not.
type handlerError struct {
	err       error
	permanent bool
}

func (e *handlerError) Error() string {
	if e.err == nil {
		if e.permanent {
			return "permanent handler error"
		}
		return "transient handler error"
	}
	return e.err.Error()
}

func (e *handlerError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher dead-letters the delivery without retrying.
func Permanent(err error) error {
	return &handlerError{err: err, permanent: true}
}

// Transient wraps err as retryable. Unclassified errors are already transient.
func Transient(err error) error {
	return &handlerError{err: err}
}

func IsPermanent(err error) bool {
	var classified *handlerError
	if errors.As(err, &classified) {
		return classified.permanent
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode == ErrorHandlerPermanent
	}
	return false
}

// ClassifyHandlerError wraps a handler failure into the transient/permanent envelope.
func ClassifyHandlerError(err error, metadata map[string]any) *goerrors.Error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(err, goerrors.CategoryOperation, "handler timed out",
			http.StatusGatewayTimeout, ErrorHandlerTimeout, metadata)
	case IsPermanent(err):
		return WrapError(err, goerrors.CategoryOperation, "handler failed permanently",
			http.StatusUnprocessableEntity, ErrorHandlerPermanent, metadata)
	default:
		return WrapError(err, goerrors.CategoryOperation, "handler failed",
			http.StatusBadGateway, ErrorHandlerTransient, metadata)
	}
}

// serviceErrorConverter is implemented by typed errors that know their envelope.
type serviceErrorConverter interface {
	ToServiceError() *goerrors.Error
}

// MapError converts any error into the service envelope with an HTTP code
// and a HOOKS_* text code.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return ensureErrorEnvelope(rich)
	}
	var convertible serviceErrorConverter
	if errors.As(err, &convertible) {
		return ensureErrorEnvelope(convertible.ToServiceError())
	}
	if errors.Is(err, ErrNotFound) {
		return NotFound(err.Error(), nil)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "signature"):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryAuth).WithTextCode(ErrorSignatureInvalid))
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryRateLimit))
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureErrorEnvelope(goerrors.New(err.Error(), goerrors.CategoryBadInput))
	}
	return ensureErrorEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
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
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorSignatureInvalid
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryOperation:
		return ErrorHandlerTransient
	default:
		return ErrorInternal
	}
}

func HTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
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
	default:
		return http.StatusInternalServerError
	}
}
